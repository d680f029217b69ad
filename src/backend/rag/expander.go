package rag

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/hannes/kiji-rag/src/backend/providers"
)

const expansionPrompt = `Expand the following query with relevant terminology, synonyms and related concepts that would help retrieve relevant information.
Expand only if it helps, otherwise return the query unchanged.
Stay within the domain of the query. Keep placeholders such as Name_1A2B3C exactly as written.
Reply with the expanded query only.

Query: `

// QueryExpander rewrites a retrieval query with an LLM. Any failure keeps
// the original query.
type QueryExpander struct {
	provider providers.Provider
	logger   *zap.Logger
}

func NewQueryExpander(provider providers.Provider, logger *zap.Logger) *QueryExpander {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryExpander{provider: provider, logger: logger.Named("expander")}
}

func (e *QueryExpander) Expand(ctx context.Context, query string) string {
	if e == nil || e.provider == nil || strings.TrimSpace(query) == "" {
		return query
	}
	out, err := e.provider.Complete(ctx, providers.Request{
		Messages:    []providers.Message{{Role: providers.RoleUser, Content: expansionPrompt + query}},
		Temperature: 0,
	})
	if err != nil {
		e.logger.Warn("query expansion failed, using original query", zap.Error(err))
		return query
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return query
	}
	return out
}
