package agents

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/hannes/kiji-rag/src/backend/providers"
)

// ConversationErrorMessage is returned when the conversation model fails
const ConversationErrorMessage = "I'm sorry, I couldn't generate a response right now. Please try again."

const conversationSystemPrompt = `You are a helpful conversational assistant. Give accurate and concise answers.
Placeholders such as Name_1A2B3C or Email_1A2B3C@example.com stand for real values; use them verbatim and never invent new ones.
If you lack real-time data such as weather or news, say so and suggest where to find it.`

// ConversationAgent answers general queries with a single streamed call
type ConversationAgent struct {
	provider providers.Provider
	logger   *zap.Logger
}

func NewConversationAgent(provider providers.Provider, logger *zap.Logger) *ConversationAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationAgent{provider: provider, logger: logger.Named("conversation")}
}

// Respond streams the answer through onDelta and returns the full text. A
// provider failure yields ConversationErrorMessage; an error from onDelta
// aborts and is returned.
func (a *ConversationAgent) Respond(ctx context.Context, query string, onDelta func(string) error) (string, error) {
	var b strings.Builder
	var sinkErr error
	err := a.provider.Stream(ctx, providers.Request{
		System:      conversationSystemPrompt,
		Messages:    []providers.Message{{Role: providers.RoleUser, Content: query}},
		Temperature: 0.7,
	}, func(delta string) error {
		b.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				sinkErr = err
				return err
			}
		}
		return nil
	})
	if sinkErr != nil {
		return b.String(), sinkErr
	}
	if err != nil {
		a.logger.Warn("conversation call failed", zap.Error(err))
		msg := ConversationErrorMessage
		if b.Len() > 0 {
			msg = "\n\n" + msg
		}
		if onDelta != nil {
			if err := onDelta(msg); err != nil {
				return b.String(), err
			}
		}
		b.WriteString(msg)
	}
	return b.String(), nil
}
