package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hannes/kiji-rag/src/backend/config"
	"github.com/hannes/kiji-rag/src/backend/logging"
	"github.com/hannes/kiji-rag/src/backend/telemetry"
)

var version = "dev"

var (
	configPath string
	envFile    string

	cfg      *config.Config
	logger   *zap.Logger
	reporter *telemetry.Reporter
)

var rootCmd = &cobra.Command{
	Use:           "kiji-rag",
	Short:         "Privacy-preserving document Q&A",
	Long:          "kiji-rag answers questions over private documents. PII is replaced with pseudonyms before any text reaches a language model and restored in the answer.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		reporter.Flush(2 * time.Second)
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML or JSON config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")

	rootCmd.AddCommand(serveCmd, ingestCmd, maskCmd, unmaskCmd)
}

// setup loads .env, defaults, the config file and env overrides in that
// order, then builds the logger and the error reporter.
func setup() error {
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg = config.DefaultConfig()
	if configPath != "" {
		if err := config.LoadFile(configPath, cfg); err != nil {
			return err
		}
	}
	config.LoadFromEnv(cfg)
	if err := cfg.ValidateConfig(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var err error
	logger, err = logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return err
	}

	reporter, err = telemetry.New(telemetry.Options{
		DSN:         cfg.Telemetry.SentryDSN,
		Environment: cfg.Telemetry.Environment,
		Release:     "kiji-rag@" + version,
		SampleRate:  cfg.Telemetry.SampleRate,
	}, logger)
	if err != nil {
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
