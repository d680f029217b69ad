package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/hannes/kiji-rag/src/backend/chat"
	"github.com/hannes/kiji-rag/src/backend/config"
	"github.com/hannes/kiji-rag/src/backend/pii"
	"github.com/hannes/kiji-rag/src/backend/providers"
)

// ChatService is the session API the handlers call into
type ChatService interface {
	Turn(ctx context.Context, sessionID, message string, onDelta func(string) error) (chat.TurnResult, error)
	Mask(ctx context.Context, sessionID, text string) (pii.MaskedResult, error)
	Unmask(ctx context.Context, sessionID, text string) (pii.UnmaskResult, error)
	Mapping(ctx context.Context, sessionID string) (map[string]string, error)
	History(ctx context.Context, sessionID string) ([]providers.Message, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Validate(ctx context.Context, text string) (*chat.PIIAlert, error)
}

// LogReader serves the masking audit log
type LogReader interface {
	GetLogs(ctx context.Context, limit, offset int) ([]pii.LogEntry, error)
}

// TextIngestor adds documents to the index
type TextIngestor interface {
	IngestText(ctx context.Context, text, source string) (int, error)
}

// HealthReporter exposes detector health, usually a pii.ModelManager
type HealthReporter interface {
	IsHealthy() bool
	GetInfo() map[string]interface{}
}

// Deps are the collaborators of a Server. Logs, Ingestor and Health are optional.
type Deps struct {
	Chat     ChatService
	Logs     LogReader
	Ingestor TextIngestor
	Health   HealthReporter
	Logger   *zap.Logger
}

// Server represents the HTTP server
type Server struct {
	config  config.ServerConfig
	deps    Deps
	router  *mux.Router
	limiter *clientLimiter
	logger  *zap.Logger
	http    *http.Server
}

// NewServer creates a new server instance
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:  cfg,
		deps:    deps,
		router:  mux.NewRouter(),
		limiter: newClientLimiter(cfg.RequestsPerSecond, cfg.Burst),
		logger:  logger.Named("server"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.recoveryMiddleware, s.loggingMiddleware, s.corsMiddleware)

	s.router.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.rateLimitMiddleware)
	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/messages", s.handleMessage).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/messages", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/mapping", s.handleMapping).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/mask", s.handleMask).Methods(http.MethodPost)
	api.HandleFunc("/unmask", s.handleUnmask).Methods(http.MethodPost)
	api.HandleFunc("/pii/validate", s.handleValidate).Methods(http.MethodPost)
	api.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	api.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodPost)

	// preflight for every route
	s.router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:        s.config.Port,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// streamed answers can outlive any fixed write deadline
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting kiji-rag API", zap.String("addr", s.config.Port))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("shutting down")
		return s.http.Shutdown(shutdownCtx)
	}
}
