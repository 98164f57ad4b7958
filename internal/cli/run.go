package cli

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tandem-sh/tandem/internal/cliutil"
	"github.com/tandem-sh/tandem/internal/runtime"
	"github.com/tandem-sh/tandem/internal/runtime/docker"
	"github.com/tandem-sh/tandem/internal/runtime/process"
	"github.com/tandem-sh/tandem/internal/supervisor"
)

func newRunCmd(ctx *context) *cobra.Command {
	var jsonLogs bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the pair and supervise it until the proxy exits",
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := ctx.loadManifest()
			if err != nil {
				return err
			}

			sup := supervisor.New(manifest, runtime.Registry{
				"process": process.New(),
				"docker":  docker.New(),
			})

			// Events go to stderr: the foreground proxy owns stdout.
			useJSON := jsonLogs || !term.IsTerminal(int(os.Stderr.Fd()))
			done := make(chan struct{})
			go func() {
				defer close(done)
				if useJSON {
					enc := json.NewEncoder(os.Stderr)
					for event := range sup.Events() {
						cliutil.EncodeLogEvent(enc, os.Stderr, event)
					}
					return
				}
				for event := range sup.Events() {
					cliutil.RenderConsoleEvent(os.Stderr, event)
				}
			}()

			err = sup.Run(cmd.Context())
			<-done
			return err
		},
	}

	cmd.Flags().BoolVar(&jsonLogs, "json", false, "Emit events as JSON records")
	return cmd
}
