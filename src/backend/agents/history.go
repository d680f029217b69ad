package agents

import (
	"github.com/hannes/kiji-rag/src/backend/providers"
)

const (
	DefaultMaxHistory   = 20
	DefaultContextTurns = 6
)

// ConversationState is the masked rolling history of one session. It is not
// safe for concurrent use; callers serialize turns per session.
type ConversationState struct {
	Turns            []providers.Message `json:"turns"`
	InsufficientInfo bool                `json:"insufficient_info"`
	MaxHistory       int                 `json:"max_history"`
}

func NewConversationState(maxHistory int) *ConversationState {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &ConversationState{Turns: []providers.Message{}, MaxHistory: maxHistory}
}

// Append adds a turn and evicts the oldest turns beyond MaxHistory
func (c *ConversationState) Append(role, content string) {
	c.Turns = append(c.Turns, providers.Message{Role: role, Content: content})
	c.trim()
}

func (c *ConversationState) trim() {
	limit := c.MaxHistory
	if limit <= 0 {
		limit = DefaultMaxHistory
	}
	if over := len(c.Turns) - limit; over > 0 {
		c.Turns = append([]providers.Message(nil), c.Turns[over:]...)
	}
}

// Recent returns a copy of the last k turns
func (c *ConversationState) Recent(k int) []providers.Message {
	if k <= 0 || len(c.Turns) == 0 {
		return []providers.Message{}
	}
	start := len(c.Turns) - k
	if start < 0 {
		start = 0
	}
	return append([]providers.Message(nil), c.Turns[start:]...)
}
