package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/benmeehan/location-agent/internal/service_registry"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Print distance and speed aggregates for a time range as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		fromFlag, _ := cmd.Flags().GetString("from")
		toFlag, _ := cmd.Flags().GetString("to")
		resolution, _ := cmd.Flags().GetDuration("resolution")

		from, err := parseTime("from", fromFlag)
		if err != nil {
			return err
		}
		to, err := parseTime("to", toFlag)
		if err != nil {
			return err
		}

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
		// Repair windows a stopped agent left stale before reading them.
		if err := serviceRegistry.Aggregator.CatchUp(ctx); err != nil {
			return err
		}

		windows, err := serviceRegistry.Query.Query(ctx, from, to, resolution)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(windows)
	},
}

func init() {
	queryCmd.Flags().String("from", "", "start of the range (RFC3339)")
	queryCmd.Flags().String("to", "", "end of the range, exclusive (RFC3339)")
	queryCmd.Flags().Duration("resolution", time.Hour, "window size")
	_ = queryCmd.MarkFlagRequired("from")
	_ = queryCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(queryCmd)
}
