package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/serpqueue/internal/server"
)

// newInitDBCmd applies the Postgres schemas and exits.
func newInitDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "initdb",
		Short: "Create the Postgres tables used by the configured backends",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if err := server.InitSchema(cmd.Context(), rt.cfg, rt.logger); err != nil {
				return fmt.Errorf("initdb: %w", err)
			}
			rt.logger.Info("schema ready")
			return nil
		},
	}
}
