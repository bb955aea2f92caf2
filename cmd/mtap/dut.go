package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mtap-io/mtap/pkg/config"
	"github.com/mtap-io/mtap/pkg/dut"
	"github.com/mtap-io/mtap/pkg/reporting"
)

var dutCmd = &cobra.Command{
	Use:   "dut",
	Args:  cobra.NoArgs,
	Short: "Run the TCP DUT simulator",
	Long: `Starts the line-oriented DUT simulator: stateful per-SN device models
with configurable fault injection, listening for runner connections.`,
	RunE: runDut,
}

func init() {
	dutCmd.Flags().String("config", "", "path to DUT config YAML (default: fallback chain)")
	dutCmd.Flags().String("profile", "", "initial fault profile (overrides config default)")
	dutCmd.Flags().String("metrics-addr", "", "address for the Prometheus /metrics listener (disabled if empty)")
}

func runDut(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	profile, _ := cmd.Flags().GetString("profile")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	settings := config.LoadSettings()
	logger := newLogger(settings.LogLevel)

	if profile == "" {
		profile = os.Getenv("MTAP_FAULT_PROFILE")
	}

	server := dut.NewServer(dut.ServerOptions{
		Host:        settings.Host,
		Port:        settings.DutPort,
		ConfigPath:  configPath,
		MetricsAddr: metricsAddr,
		Logger:      logger,
		Profile:     profile,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("signal received, stopping DUT")
		server.Stop()
	}()

	return server.Serve()
}

func newLogger(level string) *reporting.Logger {
	if verbose {
		level = "debug"
	}
	return reporting.NewLogger(reporting.LoggerConfig{
		Level:  level,
		Format: reporting.LogFormatText,
		Output: os.Stderr,
	})
}
