package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/benmeehan/location-agent/internal/service_registry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent services until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := bootstrap(ctx, bootstrapOptions{remote: true, mqtt: true})
		if err != nil {
			return err
		}
		defer a.Close()
		log := a.logger

		// Create a new service registry to manage services
		serviceRegistry := service_registry.NewServiceRegistry(log)

		// Register all services based on the configuration
		if err := serviceRegistry.RegisterServices(a.config, a.dependencies()); err != nil {
			return err
		}

		// Start all registered services in the registry
		if err := serviceRegistry.StartServices(); err != nil {
			return err
		}
		log.Info().Msg("All services started successfully")

		<-ctx.Done()

		log.Info().Msg("Shutting down gracefully...")
		return serviceRegistry.StopServices()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
