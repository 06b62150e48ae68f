// Package main provides the entry point for the abbsmeta collector.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aosc-dev/abbsmeta/internal/config"
	"github.com/aosc-dev/abbsmeta/internal/observability"
	"github.com/aosc-dev/abbsmeta/internal/orchestrator"
	"github.com/aosc-dev/abbsmeta/internal/store/commitdb"
	"github.com/aosc-dev/abbsmeta/internal/store/metadb"
	"github.com/aosc-dev/abbsmeta/pkg/version"
)

// metricsReadHeaderTimeout bounds the Prometheus scrape server against
// slow-header clients.
const metricsReadHeaderTimeout = 10 * time.Second

var (
	configPath  string
	verbose     bool
	metricsAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "abbsmeta",
		Short: "abbsmeta collects package metadata from abbs source trees",
		Long: `abbsmeta walks one or more abbs trees, indexes every commit that
touches a package's spec/defines pair, and synthesizes the package
metadata store used by downstream tooling.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "path to the TOML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve Prometheus metrics on")

	rootCmd.AddCommand(runCommand())
	rootCmd.AddCommand(versionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run one collection pass over every configured tree",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "abbsmeta %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}

func run(ctx context.Context) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	log := observability.NewLogger(level, "abbsmeta")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	meter, metricsHandler, err := observability.NewMeter()
	if err != nil {
		return fmt.Errorf("create meter: %w", err)
	}

	metrics, err := observability.NewPipelineMetrics(meter)
	if err != nil {
		return fmt.Errorf("create pipeline metrics: %w", err)
	}

	go serveMetrics(log, metricsHandler)

	commitsDB, err := commitdb.Open(ctx, cfg.Global.CommitsDBPath, observability.DriverLogger("commitdb"))
	if err != nil {
		return fmt.Errorf("open commit db: %w", err)
	}
	defer commitsDB.Close()

	metaDB, err := metadb.Open(ctx, cfg.Global.AbbsDBPath, observability.DriverLogger("metadb"))
	if err != nil {
		return fmt.Errorf("open metadata db: %w", err)
	}
	defer metaDB.Close()

	runner := orchestrator.NewRunner(commitsDB, metaDB, metrics, log)

	return runner.Run(ctx, cfg.Global, cfg.Repo)
}

// serveMetrics runs the Prometheus scrape endpoint for the lifetime of the
// process; a failure here is logged, not fatal, since a collection pass
// still has value even if the endpoint never gets scraped.
func serveMetrics(log *slog.Logger, handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	server := &http.Server{
		Addr:              metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}

	if err := server.ListenAndServe(); err != nil {
		log.Warn("metrics server stopped", slog.Any("err", err))
	}
}
