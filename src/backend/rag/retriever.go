package rag

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hannes/kiji-rag/src/backend/embedding"
	"github.com/hannes/kiji-rag/src/backend/index"
)

// Retriever embeds the query once and searches the index
type Retriever struct {
	embedder embedding.Embedder
	index    index.Index
	opts     Options
	logger   *zap.Logger
}

func NewRetriever(embedder embedding.Embedder, idx index.Index, opts Options, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.Mode == "" {
		opts.Mode = index.SearchHybrid
	}
	return &Retriever{embedder: embedder, index: idx, opts: opts, logger: logger.Named("retriever")}
}

// Retrieve returns at most TopK chunks in index order
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]RetrievedChunk, error) {
	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits, err := r.index.Query(ctx, index.Query{
		Mode:   r.opts.Mode,
		Vector: vector,
		Text:   query,
		TopK:   r.opts.TopK,
		Alpha:  r.opts.Alpha,
	})
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	chunks := make([]RetrievedChunk, 0, len(hits))
	for _, h := range hits {
		chunks = append(chunks, RetrievedChunk{
			ID:         h.ID,
			Content:    h.Content,
			Source:     h.Source,
			Score:      h.Score,
			Distance:   h.Distance,
			SearchType: h.SearchType,
		})
	}
	if len(chunks) > r.opts.TopK {
		chunks = chunks[:r.opts.TopK]
	}
	r.logger.Debug("retrieved chunks", zap.Int("count", len(chunks)), zap.String("mode", string(r.opts.Mode)))
	return chunks, nil
}
