package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pvliesdonk/mcp-devbench/pkg/config"
	"github.com/pvliesdonk/mcp-devbench/pkg/core"
	"github.com/pvliesdonk/mcp-devbench/pkg/log"
	"github.com/pvliesdonk/mcp-devbench/pkg/metrics"
	"github.com/pvliesdonk/mcp-devbench/pkg/runtime"
	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "devbench-server",
	Short: "devbench - a disposable container workbench for coding agents",
	Long: `devbench spawns short-lived, sandboxed Docker containers and exposes
container lifecycle, command execution, and workspace file access as a
small operation catalog for a tool-dispatch layer.`,
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"devbench-server version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	if !rootCmd.PersistentFlags().Changed("log-level") && os.Getenv("LOG_LEVEL") != "" {
		logLevel = os.Getenv("LOG_LEVEL")
	}
	if !rootCmd.PersistentFlags().Changed("log-json") {
		logJSON = os.Getenv("LOG_FORMAT") == "json"
	}

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := log.WithComponent("server")
	ctx := context.Background()

	db, err := storage.Open(ctx, cfg.StateDB)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	ra, err := runtime.NewDockerRuntime()
	if err != nil {
		return fmt.Errorf("failed to connect to runtime: %w", err)
	}

	c := core.New(cfg, db, ra, logger)
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	logger.Info().Msg("core started")

	metricsAddr := fmt.Sprintf("%s:%s", cfg.Host, "9090")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			storeOK, runtimeOK := c.Health(r.Context())
			if !storeOK || !runtimeOK {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			fmt.Fprintf(w, `{"store_initialized":%v,"runtime_reachable":%v}`, storeOK, runtimeOK)
		})
		if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint ready")

	// The tool-dispatch layer that maps inbound calls onto Core's
	// operation catalog (spawn, attach, kill, exec, ...) is an external
	// collaborator driven over HOST/PORT/PATH; this process only owns
	// Core's lifecycle and its ambient health/metrics surface.
	logger.Info().Str("host", cfg.Host).Str("port", cfg.Port).Msg("ready for tool-dispatch layer")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainGraceS+10)*time.Second)
	defer cancel()

	if err := c.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
