package rag

import (
	"context"

	"go.uber.org/zap"

	"github.com/hannes/kiji-rag/src/backend/providers"
)

// ContextMasker masks chunk text before it reaches the generation prompt
type ContextMasker func(ctx context.Context, text string) string

// Pipeline runs expand, retrieve, rerank and generate for one query
type Pipeline struct {
	expander  *QueryExpander
	retriever *Retriever
	reranker  *Reranker
	generator *Generator
	logger    *zap.Logger
}

func NewPipeline(expander *QueryExpander, retriever *Retriever, reranker *Reranker, generator *Generator, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{expander: expander, retriever: retriever, reranker: reranker, generator: generator, logger: logger.Named("rag")}
}

// Answer returns the gated answer. mask may be nil.
func (p *Pipeline) Answer(ctx context.Context, query string, history []providers.Message, mask ContextMasker) (GenerationResult, []string, error) {
	search := query
	if p.expander != nil {
		search = p.expander.Expand(ctx, query)
	}

	chunks, err := p.retriever.Retrieve(ctx, search)
	if err != nil {
		return GenerationResult{}, nil, err
	}
	if err := ctx.Err(); err != nil {
		return GenerationResult{}, nil, err
	}

	reranked, pictures := p.reranker.Rerank(ctx, search, chunks)
	if mask != nil {
		for i := range reranked {
			reranked[i].Content = mask(ctx, reranked[i].Content)
		}
	}
	p.logger.Debug("reranked chunks", zap.Int("retrieved", len(chunks)), zap.Int("kept", len(reranked)))

	result, err := p.generator.Generate(ctx, query, reranked, history)
	return result, pictures, err
}
