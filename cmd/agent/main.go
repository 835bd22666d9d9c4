// Package main is the entry point for the Operion Sentinel agent.
// It loads configuration, builds the logger, wires the components, and
// runs the collect/flush loop until the process is terminated.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/operion/sentinel-agent/internal/agent"
	"github.com/operion/sentinel-agent/internal/buffer"
	"github.com/operion/sentinel-agent/internal/client"
	"github.com/operion/sentinel-agent/internal/cloudmeta"
	"github.com/operion/sentinel-agent/internal/collector"
	"github.com/operion/sentinel-agent/internal/config"
	"github.com/operion/sentinel-agent/internal/oauth"
	"github.com/operion/sentinel-agent/internal/state"
)

// version is set at build time via -ldflags.
var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sentinel-agent",
	Short: "Operion monitoring agent for host disk metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agent version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sentinel-agent %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Configuration file path (auto-detected if not specified)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	path := cfgFile
	if path == "" {
		path = config.Locate()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := initLogger(cfg)
	defer logger.Sync()

	logger.Info("Starting Sentinel Agent",
		zap.String("version", version),
		zap.String("endpoint", cfg.API.Endpoint))

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	tokens, err := tokenProvider(cfg, logger)
	if err != nil {
		logger.Fatal("Invalid credential configuration", zap.Error(err))
	}

	apiClient := client.New(cfg.API.Endpoint, cfg.API.Timeout.Duration, tokens, logger)
	detector := cloudmeta.NewDetector(logger)
	states := state.NewStore(state.DefaultSearchPaths(), logger)
	buf := buffer.New(cfg.Collection.BufferSize, logger)
	source := collector.NewDiskCollector(cfg.Collection.Disk, logger)

	ag := agent.New(cfg, version, source, apiClient, detector, states, buf,
		clockwork.NewRealClock(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	err = ag.Run(ctx)
	logger.Info("Agent stopped")
	return err
}

// tokenProvider builds the bearer token source for API calls: the OAuth
// credential cache when an OAuth client is configured, the static API key
// when one is set, nil otherwise.
func tokenProvider(cfg *config.Config, logger *zap.Logger) (client.TokenProvider, error) {
	if cfg.API.OAuth != nil {
		return oauth.NewManager(cfg.API.OAuth, logger)
	}
	if cfg.API.APIKey != "" {
		return client.StaticToken(cfg.API.APIKey), nil
	}
	return nil, nil
}

// initLogger creates a zap logger based on the configuration. Output goes
// to the console; a JSON file core is added when a log file is configured.
func initLogger(cfg *config.Config) *zap.Logger {
	var level zapcore.Level
	switch cfg.Logging.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		level,
	)

	cores := []zapcore.Core{consoleCore}

	if cfg.Logging.File != "" {
		file, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err == nil {
			cores = append(cores, zapcore.NewCore(
				zapcore.NewJSONEncoder(encoderConfig),
				zapcore.AddSync(file),
				level,
			))
		}
	}

	return zap.New(zapcore.NewTee(cores...))
}
