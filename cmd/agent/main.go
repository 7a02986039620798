package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "location-agent",
	Short: "location-agent buffers, syncs and aggregates device location samples",
	Long: `location-agent is a device agent that:
1. Captures location fixes into a local SQLite buffer
2. Uploads buffered samples to the remote store with retries
3. Keeps distance and speed aggregates per time window
4. Serves aggregate queries over HTTP and the command line`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env file is fine, secrets may come from the environment itself.
		_ = godotenv.Load()
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the configuration file")
}
