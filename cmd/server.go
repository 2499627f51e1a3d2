package cmd

import (
	"github.com/spf13/cobra"

	"github.com/curaious/relay/internal/api"
	"github.com/curaious/relay/internal/config"
	"github.com/curaious/relay/internal/telemetry"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start Orchestrator Server",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.ReadConfig()

		shutdownTelemetry := telemetry.NewProvider(conf.OTEL_EXPORTER_OTLP_ENDPOINT)
		defer shutdownTelemetry()

		s := api.New()
		s.Start()
	},
}

// Register the "server" command
func init() {
	rootCmd.AddCommand(serverCmd)
}
