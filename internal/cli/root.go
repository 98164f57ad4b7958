package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tandem-sh/tandem/internal/config"
	"github.com/tandem-sh/tandem/internal/supervisor"
)

func NewRootCmd() *cobra.Command {
	var manifestFile string

	root := &cobra.Command{
		Use:   "tandem",
		Short: "Run a background server and a foreground proxy as one unit",
	}

	root.PersistentFlags().
		StringVarP(&manifestFile, "file", "f", "tandem.yaml", "Path to pair manifest")

	ctx := &context{manifestFile: &manifestFile}
	root.AddCommand(newRunCmd(ctx))
	root.AddCommand(newConfigCmd(ctx))
	root.AddCommand(newVersionCmd())

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root
}

// Execute runs the CLI entrypoint. An interrupt or termination signal
// cancels the command context, which is the supervisor's shutdown path; the
// foreground proxy's exit status becomes the process exit status.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()

	if err := root.ExecuteContext(ctx); err != nil {
		var exitErr *supervisor.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type context struct {
	manifestFile *string
}

func (c *context) loadManifest() (*config.Manifest, error) {
	return config.Load(*c.manifestFile)
}
