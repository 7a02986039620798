package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/benmeehan/location-agent/internal/service_registry"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print buffer occupancy and host metrics as JSON",
	Long:  "Print buffer occupancy and host metrics as JSON. Sync health is only known to a running agent, see GET /api/v1/status.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := bootstrap(ctx, bootstrapOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		serviceRegistry := service_registry.NewServiceRegistry(a.logger)
		if err := serviceRegistry.BuildCore(a.config, a.dependencies()); err != nil {
			return err
		}

		report, err := serviceRegistry.Reporter.Report(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
