// Package main provides the entry point for the promptql service and CLI.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TFMV/promptql/cmd/server/config"
	"github.com/TFMV/promptql/cmd/server/server"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "promptql",
	Short: "Natural-language questions over a SQL warehouse",
	Long: `promptql turns a natural-language prompt into a read-only SQL query,
runs it against the warehouse under a budget and answers from the rows.

Example:
  promptql seed
  promptql ask "How many orders were placed last month?"
  promptql serve --config ./promptql.yaml`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, metrics and gRPC health servers",
	RunE:  runServer,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("driver", "", "warehouse driver (duckdb, pgx)")
	rootCmd.PersistentFlags().String("dsn", "", "warehouse DSN")

	serveCmd.Flags().String("address", "", "HTTP API listen address")
	serveCmd.Flags().String("metrics-address", "", "metrics server address")
	serveCmd.Flags().String("health-address", "", "gRPC health server address")
	serveCmd.Flags().Duration("shutdown-timeout", 0, "graceful shutdown timeout")

	rootCmd.AddCommand(serveCmd, askCmd, seedCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("promptql\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", commit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, map[string]string{
		"server.address":          "address",
		"metrics.address":         "metrics-address",
		"health.address":          "health-address",
		"server.shutdown_timeout": "shutdown-timeout",
	})
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogging(cfg.LogLevel, os.Stdout)
	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Msg("Starting promptql")

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}

// loadConfig reads the config file and environment, then applies any flag
// the user set. extra maps config keys to command-specific flag names.
func loadConfig(cmd *cobra.Command, extra map[string]string) (*config.Config, error) {
	v := viper.New()

	bindings := map[string]string{
		"log_level":        "log-level",
		"warehouse.driver": "driver",
		"warehouse.dsn":    "dsn",
	}
	for key, flag := range extra {
		bindings[key] = flag
	}
	for key, name := range bindings {
		flag := cmd.Flags().Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}

	configFile, _ := cmd.Flags().GetString("config")
	return config.Load(v, configFile)
}

func setupLogging(level string, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
		zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
			short := file
			for i := len(file) - 1; i > 0; i-- {
				if file[i] == '/' {
					short = file[i+1:]
					break
				}
			}
			return fmt.Sprintf("%s:%d", short, line)
		}
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	logger := zerolog.New(out).
		Level(logLevel).
		With().
		Timestamp().
		Str("service", "promptql")

	if logLevel == zerolog.DebugLevel {
		logger = logger.Caller()
	}

	return logger.Logger()
}
