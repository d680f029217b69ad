package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hannes/kiji-rag/src/backend/server"
)

var serveIngestDir string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveIngestDir, "ingest-dir", "", "ingest .txt files from this directory before serving")
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.RequireSecret(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := newApp(cfg, logger, reporter)
	defer a.Close()

	if err := a.initStorage(ctx, false); err != nil {
		return err
	}
	if err := a.initPII(ctx); err != nil {
		return err
	}
	if err := a.initIndex(ctx); err != nil {
		return err
	}
	if err := a.initChat(ctx); err != nil {
		return err
	}

	if serveIngestDir != "" {
		report, err := a.ingestor.IngestDirectory(ctx, serveIngestDir)
		if err != nil {
			return err
		}
		logger.Info("startup ingestion finished",
			zap.Int("documents", report.Ingested),
			zap.Int("failed", report.Failed),
			zap.Int("chunks", report.Chunks))
	}

	if a.models != nil && cfg.Detector.WatchModel {
		go func() {
			if err := a.models.Watch(ctx, 2*time.Second); err != nil {
				logger.Warn("model watcher stopped", zap.Error(err))
			}
		}()
	}

	if ttl := cfg.Retention.SessionTTLHours; ttl > 0 {
		sweeper := server.NewRetentionSweeper(a.chat, a.chat, time.Duration(ttl)*time.Hour, logger)
		if err := sweeper.Start(cfg.Retention.Schedule); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	deps := server.Deps{
		Chat:     a.chat,
		Ingestor: a.ingestor,
		Logger:   logger,
	}
	if a.audit != nil {
		deps.Logs = a.audit
	}
	if a.models != nil {
		deps.Health = a.models
	}

	srv := server.NewServer(cfg.Server, deps)
	return srv.Start(ctx)
}
