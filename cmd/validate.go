package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newValidateCmd creates the 'validate' subcommand, which loads and checks the
// configuration without opening any connection.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Checks the configuration and lists the configured sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := resolveState(cmd.Context())
			if err != nil {
				return err
			}
			cfg := st.cfg
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "storage=%s kv=%s recipe=%s concurrency=%d\n",
				cfg.Storage.Backend, cfg.KV.Backend, cfg.Run.RecipeID, cfg.Run.Concurrency)
			for _, src := range cfg.Sources {
				fmt.Fprintf(out, "source %s (%s): %s\n", src.Name, src.Type, src.URL)
			}
			for _, u := range cfg.Run.Requests {
				fmt.Fprintf(out, "request %s\n", u)
			}
			return nil
		},
	}
}
