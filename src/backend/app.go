package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/hannes/kiji-rag/src/backend/agents"
	"github.com/hannes/kiji-rag/src/backend/chat"
	"github.com/hannes/kiji-rag/src/backend/config"
	"github.com/hannes/kiji-rag/src/backend/embedding"
	"github.com/hannes/kiji-rag/src/backend/index"
	"github.com/hannes/kiji-rag/src/backend/pii"
	"github.com/hannes/kiji-rag/src/backend/pii/detectors"
	"github.com/hannes/kiji-rag/src/backend/providers"
	"github.com/hannes/kiji-rag/src/backend/rag"
	"github.com/hannes/kiji-rag/src/backend/telemetry"
	"github.com/hannes/kiji-rag/src/backend/workers"
)

// app owns every long-lived component. Fields stay nil for the parts a
// command does not need.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	reporter *telemetry.Reporter

	db         *sql.DB
	store      pii.MappingStore
	audit      *pii.SQLStore
	transcript chat.Transcript
	models     *pii.ModelManager
	detector   pii.DetectorProvider
	masker     *pii.MaskingService
	unmasker   *pii.UnmaskingService

	embeddings *embedding.Embedders
	index      index.Index
	ingestor *rag.Ingestor
	chat     *chat.Service

	closers []io.Closer
}

func newApp(cfg *config.Config, logger *zap.Logger, reporter *telemetry.Reporter) *app {
	return &app{cfg: cfg, logger: logger, reporter: reporter}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
}

// initStorage opens the database behind the mapping tables, the transcript
// and the audit log. With ephemeral set everything lives in memory.
func (a *app) initStorage(ctx context.Context, ephemeral bool) error {
	if ephemeral {
		a.store = pii.NewMemoryStore()
		a.transcript = chat.NewMemoryTranscript()
		return nil
	}

	dbc := a.cfg.Database
	db, err := pii.OpenDatabase(ctx, pii.DatabaseConfig{
		Driver:       dbc.Driver,
		Path:         dbc.Path,
		DSN:          dbc.DSN(),
		MaxOpenConns: dbc.MaxOpenConns,
		MaxIdleConns: dbc.MaxIdleConns,
		MaxLifetime:  time.Duration(dbc.MaxLifetime) * time.Second,
	})
	if err != nil {
		return err
	}
	a.db = db

	store, err := pii.NewSQLStore(ctx, db, dbc.Driver, a.logger)
	if err != nil {
		_ = db.Close()
		return err
	}
	a.closers = append(a.closers, store)
	a.store = store
	a.audit = store

	transcript, err := chat.NewSQLTranscript(ctx, db, dbc.Driver)
	if err != nil {
		return err
	}
	a.transcript = transcript
	a.logger.Info("storage ready", zap.String("driver", dbc.Driver))
	return nil
}

// initPII builds the detector and the masking services
func (a *app) initPII(ctx context.Context) error {
	dc := a.cfg.Detector

	withRegex := func(d detectors.Detector) detectors.Detector {
		if !dc.WithRegex {
			return d
		}
		return detectors.NewCompositeDetector(d, detectors.NewRegexDetector(detectors.PIIPatterns))
	}

	switch dc.Name {
	case "onnx_model_detector":
		if err := detectors.EnsureONNXRuntime(dc.SharedLibraryPath); err != nil {
			return err
		}
		factory := func(mc pii.ModelConfig) (detectors.Detector, error) {
			d, err := detectors.NewONNXModelDetector(detectors.ONNXConfig{
				ModelPath:         mc.ModelPath,
				TokenizerPath:     mc.TokenizerPath,
				LabelMapPath:      mc.LabelMapPath,
				SharedLibraryPath: dc.SharedLibraryPath,
			}, a.logger)
			if err != nil {
				return nil, err
			}
			return withRegex(d), nil
		}
		a.models = pii.NewModelManager(dc.ModelDirectory, factory, a.logger)
		a.closers = append(a.closers, a.models)
		a.detector = a.models
	case "analyzer_detector":
		a.detector = pii.StaticDetectorProvider{
			Detector: withRegex(detectors.NewAnalyzerDetector(dc.AnalyzerURL, dc.Language, dc.ScoreThreshold, 30*time.Second)),
		}
	default:
		a.detector = pii.StaticDetectorProvider{Detector: detectors.NewRegexDetector(detectors.PIIPatterns)}
	}

	generator := pii.NewGeneratorService(a.cfg.SecretKey, a.store)
	a.masker = pii.NewMaskingService(a.detector, generator, a.store, a.logger, a.reporter, pii.MaskingOptions{
		Language:   dc.Language,
		LogVerbose: a.cfg.Logging.LogVerbose,
	})
	a.initUnmasker()
	return nil
}

func (a *app) initUnmasker() {
	a.unmasker = pii.NewUnmaskingService(a.logger, a.reporter)
}

// initIndex builds the embedder, the vector index and the ingestor
func (a *app) initIndex(ctx context.Context) error {
	ec := a.cfg.Embedding
	embeddings, err := embedding.New(ctx, embedding.Config{
		Provider:      ec.Provider,
		Model:         ec.Model,
		BaseURL:       ec.BaseURL,
		APIKey:        ec.APIKey,
		TaskType:      ec.TaskType,
		QueryTaskType: ec.QueryTaskType,
		CachePath:     ec.CachePath,
		Timeout:       a.cfg.LLM.ProviderTimeout(),
	})
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	a.closers = append(a.closers, embeddings)
	a.embeddings = embeddings

	switch a.cfg.Index.Backend {
	case "memory":
		a.index = index.NewMemoryIndex()
	default:
		ic := a.cfg.Index
		idx, err := index.NewWeaviateIndex(index.WeaviateConfig{
			Host:      ic.Host,
			Scheme:    ic.Scheme,
			APIKey:    ic.APIKey,
			ClassName: ic.ClassName,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("weaviate: %w", err)
		}
		a.index = idx
	}
	a.closers = append(a.closers, a.index)

	a.ingestor = rag.NewIngestor(rag.NewChunker(rag.DefaultChunkSize, rag.DefaultChunkOverlap), a.embeddings.Documents, a.index, a.logger)
	return nil
}

func (a *app) newCrossEncoder() (rag.CrossEncoder, error) {
	rc := a.cfg.Reranker
	switch rc.Backend {
	case "onnx":
		enc, err := rag.NewONNXCrossEncoder(rag.ONNXCrossEncoderConfig{
			ModelPath:         rc.ModelPath,
			TokenizerPath:     rc.TokenizerPath,
			SharedLibraryPath: a.cfg.Detector.SharedLibraryPath,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, enc)
		return enc, nil
	case "http":
		return rag.NewHTTPCrossEncoder(rc.URL, 30*time.Second), nil
	default:
		return nil, nil
	}
}

// initChat builds the provider, the RAG pipeline, the router and the turn
// service. Storage, PII and index must be initialized first.
func (a *app) initChat(ctx context.Context) error {
	lc := a.cfg.LLM
	provider, err := providers.New(ctx, providers.Config{
		Type:              providers.ProviderType(lc.Type),
		BaseURL:           lc.APIDomain,
		APIKey:            lc.APIKey,
		Model:             lc.Model,
		AdditionalHeaders: lc.AdditionalHeaders,
		Timeout:           lc.ProviderTimeout(),
		RequestsPerSecond: lc.RequestsPerSecond,
		Burst:             lc.Burst,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}

	encoder, err := a.newCrossEncoder()
	if err != nil {
		return fmt.Errorf("reranker: %w", err)
	}

	opts := a.cfg.RAG
	var expander *rag.QueryExpander
	if opts.ExpandQueries {
		expander = rag.NewQueryExpander(provider, a.logger)
	}
	pipeline := rag.NewPipeline(
		expander,
		rag.NewRetriever(a.embeddings.Queries, a.index, opts, a.logger),
		rag.NewReranker(encoder, opts.RerankTopK, opts.PictureBaseURL, a.logger, a.reporter),
		rag.NewGenerator(provider, opts, a.logger),
		a.logger,
	)

	router := agents.NewRouter(provider, agents.NewConversationAgent(provider, a.logger), pipeline, a.cfg.Router, a.logger, a.reporter)

	a.chat = chat.NewService(chat.Deps{
		Masker:     a.masker,
		Unmasker:   a.unmasker,
		Store:      a.store,
		Transcript: a.transcript,
		Rewriter:   agents.NewQueryRewriter(provider, a.logger),
		Router:     router,
		Audit:      a.auditLog(),
		Pool:       workers.NewPool(a.cfg.Server.WorkerPoolSize),
		Locks:      workers.NewKeyedMutex(),
		Logging:    a.cfg.Logging,
		Logger:     a.logger,
		Reporter:   a.reporter,
	}, chat.Options{
		MaxHistory:     a.cfg.History,
		ContextTurns:   a.cfg.Router.ContextTurns,
		ContextMasking: a.cfg.Server.ContextMasking,
	})
	return nil
}

// auditLog avoids handing a typed nil to the interface
func (a *app) auditLog() chat.AuditLog {
	if a.audit == nil || !a.cfg.Logging.LogRequests {
		return nil
	}
	return a.audit
}

// maskOnly builds a chat service without routing, enough for the mask and
// unmask paths.
func (a *app) maskOnly() *chat.Service {
	return chat.NewService(chat.Deps{
		Masker:     a.masker,
		Unmasker:   a.unmasker,
		Store:      a.store,
		Transcript: a.transcript,
		Audit:      a.auditLog(),
		Locks:      workers.NewKeyedMutex(),
		Logging:    a.cfg.Logging,
		Logger:     a.logger,
		Reporter:   a.reporter,
	}, chat.Options{MaxHistory: a.cfg.History, ContextTurns: a.cfg.Router.ContextTurns})
}
