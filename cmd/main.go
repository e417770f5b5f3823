// Command statuswatch polls an injury report, detects status changes and
// notifies subscribed users.
//
// Usage:
//
//	statuswatch serve
//	statuswatch cycle
//	statuswatch fake-provider --addr :9090 --players 60 --drift 30s
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/okian/statuswatch/internal/config"
	"github.com/okian/statuswatch/pkg/logger"
	"github.com/okian/statuswatch/pkg/metrics"
)

var version = "dev"

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "statuswatch",
		Short:         "Injury status change detection and notification",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(cycleCmd())
	root.AddCommand(fakeProviderCmd())
	return root
}

// setup loads configuration and initializes the global logger from it.
func setup() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.WithFormat(cfg.LogFormat)); err != nil {
		return nil, err
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		_ = logger.SetLevelString("info")
	}

	// Validate already parsed these.
	labels, _ := cfg.MetricsLabels()
	buckets, _ := cfg.MetricsBuckets()
	metrics.Configure(
		metrics.WithNamespace(cfg.MetricsNamespace),
		metrics.WithSubsystem(cfg.MetricsSubsystem),
		metrics.WithConstLabels(labels),
		metrics.WithHistogramBuckets(buckets),
		metrics.WithRefreshInterval(cfg.MetricsRefresh()),
	)
	return cfg, nil
}
