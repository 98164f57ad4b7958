package cli

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			version := "devel"
			revision := ""
			if info, ok := debug.ReadBuildInfo(); ok {
				if info.Main.Version != "" && info.Main.Version != "(devel)" {
					version = info.Main.Version
				}
				for _, setting := range info.Settings {
					if setting.Key == "vcs.revision" {
						revision = setting.Value
					}
				}
			}
			if revision != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "tandem %s (%s)\n", version, revision)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "tandem %s\n", version)
			}
			return nil
		},
	}
}
