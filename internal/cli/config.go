package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tandem-sh/tandem/internal/cliutil"
)

func newConfigCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the pair manifest",
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the manifest for errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := ctx.loadManifest(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", *ctx.manifestFile)
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective manifest with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := ctx.loadManifest()
			if err != nil {
				return err
			}
			encoded, err := yaml.Marshal(manifest)
			if err != nil {
				return fmt.Errorf("encode manifest: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), cliutil.RedactSecrets(string(encoded)))
			return nil
		},
	}

	cmd.AddCommand(validate, show)
	return cmd
}
