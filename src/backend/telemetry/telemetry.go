// Package telemetry reports degraded-but-recovered conditions. Every report is
// logged at warn level; when a Sentry DSN is configured it is also captured as
// a Sentry event tagged with the condition name.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// Conditions reported by the pipeline
const (
	ConditionDetectionFailed    = "detection_failed"
	ConditionUnresolvedTokens   = "unresolved_pseudonyms"
	ConditionMappingWriteFailed = "mapping_write_failed"
	ConditionRoutingFallback    = "routing_fallback"
	ConditionRAGFailed          = "rag_failed"
	ConditionRerankFallback     = "rerank_fallback"
	ConditionTranscriptFailed   = "transcript_write_failed"
	ConditionHistoryReadFailed  = "history_read_failed"
	ConditionMappingReadFailed  = "mapping_read_failed"
)

// Options configures the Sentry client
type Options struct {
	DSN         string
	Environment string
	Release     string
	SampleRate  float64
}

// Reporter is safe for concurrent use. A nil *Reporter only logs nothing.
type Reporter struct {
	hub    *sentry.Hub
	logger *zap.Logger
}

// New initializes the global Sentry client when opts.DSN is set
func New(opts Options, logger *zap.Logger) (*Reporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reporter{logger: logger.Named("telemetry")}
	if opts.DSN == "" {
		return r, nil
	}

	sampleRate := opts.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Environment:      opts.Environment,
		Release:          opts.Release,
		SampleRate:       sampleRate,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sentry: %w", err)
	}
	r.hub = sentry.CurrentHub()
	return r, nil
}

// NewWithHub builds a reporter around an existing hub
func NewWithHub(hub *sentry.Hub, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{hub: hub, logger: logger.Named("telemetry")}
}

// Degraded records a recovered failure. tags must never carry PII.
func (r *Reporter) Degraded(ctx context.Context, condition string, err error, tags map[string]string) {
	if r == nil {
		return
	}

	fields := []zap.Field{zap.String("condition", condition), zap.Error(err)}
	for k, v := range tags {
		fields = append(fields, zap.String(k, v))
	}
	r.logger.Warn("degraded", fields...)

	if r.hub == nil {
		return
	}
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = r.hub.Clone()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelWarning)
		scope.SetTag("condition", condition)
		scope.SetTags(tags)
		if err != nil {
			hub.CaptureException(err)
		} else {
			hub.CaptureMessage(condition)
		}
	})
}

// Flush waits for buffered events to be delivered
func (r *Reporter) Flush(timeout time.Duration) bool {
	if r == nil || r.hub == nil {
		return true
	}
	return r.hub.Flush(timeout)
}
