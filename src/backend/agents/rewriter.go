package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hannes/kiji-rag/src/backend/pii/generators"
	"github.com/hannes/kiji-rag/src/backend/providers"
)

const rewritePrompt = `Rewrite the latest user message as a standalone question using the conversation for context.
Keep every placeholder such as Name_1A2B3C exactly as written. If the message already stands alone, return it unchanged.
Reply with the rewritten question only.`

// QueryRewriter turns a follow-up into a standalone question. It only ever
// sees masked text.
type QueryRewriter struct {
	provider providers.Provider
	logger   *zap.Logger
}

func NewQueryRewriter(provider providers.Provider, logger *zap.Logger) *QueryRewriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryRewriter{provider: provider, logger: logger.Named("rewriter")}
}

// Rewrite returns the rewritten query, or the input when there is no
// history, the call fails, or the rewrite is rejected.
func (r *QueryRewriter) Rewrite(ctx context.Context, query string, history []providers.Message) string {
	if r == nil || r.provider == nil || len(history) == 0 {
		return query
	}

	var convo strings.Builder
	for _, m := range history {
		fmt.Fprintf(&convo, "%s: %s\n", roleLabel(m.Role), m.Content)
	}
	fmt.Fprintf(&convo, "User: %s", query)

	out, err := r.provider.Complete(ctx, providers.Request{
		System:      rewritePrompt,
		Messages:    []providers.Message{{Role: providers.RoleUser, Content: convo.String()}},
		Temperature: 0,
	})
	if err != nil {
		r.logger.Warn("query rewrite failed, keeping original", zap.Error(err))
		return query
	}
	if reason := rejectRewrite(query, out); reason != "" {
		r.logger.Info("query rewrite rejected", zap.String("reason", reason))
		return query
	}
	return strings.TrimSpace(out)
}

// rejectRewrite returns a reason when the rewrite is unusable
func rejectRewrite(original, rewritten string) string {
	if strings.TrimSpace(rewritten) == "" {
		return "empty"
	}
	for _, p := range generators.PseudonymPattern.FindAllString(original, -1) {
		if !strings.Contains(rewritten, p) {
			return "dropped placeholder"
		}
	}
	return ""
}

func roleLabel(role string) string {
	if role == providers.RoleAssistant {
		return "Assistant"
	}
	return "User"
}
