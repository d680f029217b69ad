// Package embedding turns text into vectors for the chunk index.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Embedder generates embeddings for text
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Name identifies the backend and model; it keys cached vectors
	Name() string
}

// Config selects the embedding backend. TaskType applies to documents,
// QueryTaskType to search queries; backends without task types ignore both.
type Config struct {
	Provider      string        `json:"provider" yaml:"provider"` // genai or openai
	Model         string        `json:"model" yaml:"model"`
	BaseURL       string        `json:"base_url" yaml:"base_url"`
	APIKey        string        `json:"-" yaml:"-"`
	TaskType      string        `json:"task_type" yaml:"task_type"`
	QueryTaskType string        `json:"query_task_type" yaml:"query_task_type"`
	CachePath     string        `json:"cache_path" yaml:"cache_path"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
}

var ErrNoEmbeddings = errors.New("no embeddings returned")

// Embedders pairs the document and query embedders of one backend. Both
// share the client and the cache.
type Embedders struct {
	Documents Embedder
	Queries   Embedder
	cache     *CachedEmbedder
}

func (e *Embedders) Close() error {
	if e.cache == nil {
		return nil
	}
	return e.cache.Close()
}

// New builds the configured embedders, wrapped in a bbolt cache when
// CachePath is set.
func New(ctx context.Context, cfg Config) (*Embedders, error) {
	var docs, queries Embedder
	switch cfg.Provider {
	case "genai", "gemini", "":
		g, err := NewGenAIEmbedder(ctx, cfg.APIKey, cfg.Model, cfg.TaskType)
		if err != nil {
			return nil, err
		}
		docs, queries = g, g.WithTaskType(cfg.QueryTaskType)
	case "openai":
		e := NewOpenAIEmbedder(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Timeout)
		docs, queries = e, e
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}

	set := &Embedders{Documents: docs, Queries: queries}
	if cfg.CachePath == "" {
		return set, nil
	}
	cache, err := NewCachedEmbedder(docs, cfg.CachePath)
	if err != nil {
		return nil, err
	}
	set.cache = cache
	set.Documents = cache
	set.Queries = cache.With(queries)
	return set, nil
}
