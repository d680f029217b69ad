package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hannes/kiji-rag/src/backend/providers"
	"github.com/hannes/kiji-rag/src/backend/rag"
	"github.com/hannes/kiji-rag/src/backend/telemetry"
)

// Agent names returned by the decision model
const (
	AgentConversation = "CONVERSATION_AGENT"
	AgentRAG          = "RAG_AGENT"
)

// DefaultConfidenceThreshold is the minimum decision confidence for the
// model's choice to stand. Below it the turn goes to the conversation agent.
const DefaultConfidenceThreshold = 0.55

// RAGErrorMessage replaces the answer when the RAG branch fails
const RAGErrorMessage = "I'm sorry, I ran into a problem while searching your documents. Please try again in a moment."

const decisionSystemPrompt = `You route user queries to the agent best suited to answer them.

Agents:
1. CONVERSATION_AGENT: greetings, casual chat, general knowledge, explanations, opinions, current events and real-time requests.
2. RAG_AGENT: specific factual questions answered by the user's documents, such as facts about named people or companies, exact figures, dates, statistics, policies and procedures.

Placeholders such as Name_1A2B3C refer to specific people or entities and usually indicate RAG_AGENT.

Reply with a single JSON object:
{"agent": "CONVERSATION_AGENT or RAG_AGENT", "reasoning": "short reasoning", "confidence": 0.0 to 1.0}`

// RoutingDecision is the validated outcome of the route step
type RoutingDecision struct {
	Agent      string  `json:"agent"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	// Fallback is set when the decision did not come from a valid model reply
	Fallback bool `json:"fallback"`
}

// RAGAnswerer runs retrieval augmented generation for one query
type RAGAnswerer interface {
	Answer(ctx context.Context, query string, history []providers.Message, mask rag.ContextMasker) (rag.GenerationResult, []string, error)
}

// RouterConfig holds the routing policy constants. A ConfidenceThreshold of
// 0 lets every valid decision stand.
type RouterConfig struct {
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`
	ContextTurns        int     `json:"context_turns" yaml:"context_turns"`
}

func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		ContextTurns:        DefaultContextTurns,
	}
}

// Turn is the input of one routed turn. Query must already be masked.
type Turn struct {
	SessionID string
	Query     string
	// RetrievalQuery overrides Query for routing and retrieval, e.g. a
	// standalone rewrite. The history records Query.
	RetrievalQuery string
	State          *ConversationState
	Mask           rag.ContextMasker
	OnDelta        func(delta string) error
}

// TurnResult is the masked output of one turn
type TurnResult struct {
	Decision         RoutingDecision `json:"decision"`
	Response         string          `json:"response"`
	InsufficientInfo bool            `json:"insufficient_info"`
	Confidence       float64         `json:"retrieval_confidence"`
	Sources          []string        `json:"sources"`
	Pictures         []string        `json:"pictures"`
	Trace            []Step          `json:"-"`
}

// Router drives a turn through the state machine
type Router struct {
	decider      providers.Provider
	conversation *ConversationAgent
	rag          RAGAnswerer
	cfg          RouterConfig
	logger       *zap.Logger
	reporter     *telemetry.Reporter
}

func NewRouter(decider providers.Provider, conversation *ConversationAgent, ragAgent RAGAnswerer, cfg RouterConfig, logger *zap.Logger, reporter *telemetry.Reporter) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.ContextTurns <= 0 {
		cfg.ContextTurns = DefaultContextTurns
	}
	return &Router{
		decider:      decider,
		conversation: conversation,
		rag:          ragAgent,
		cfg:          cfg,
		logger:       logger.Named("router"),
		reporter:     reporter,
	}
}

// Run executes one turn. The state machine reaches End exactly once. The
// returned error is non-nil only when ctx is cancelled or OnDelta fails;
// history is still updated with what was produced.
func (r *Router) Run(ctx context.Context, turn Turn) (TurnResult, error) {
	if turn.State == nil {
		turn.State = NewConversationState(DefaultMaxHistory)
	}
	query := turn.RetrievalQuery
	if query == "" {
		query = turn.Query
	}

	m := newMachine()
	var result TurnResult
	var runErr error

	for !m.done() {
		var next Step
		switch m.current {
		case StepAnalyzeInput:
			next = StepRouteDecision

		case StepRouteDecision:
			result.Decision = r.Decide(ctx, turn.SessionID, query, turn.State.Recent(r.cfg.ContextTurns))
			next = StepConversationAgent
			if result.Decision.Agent == AgentRAG {
				next = StepRAGAgent
			}

		case StepConversationAgent:
			result.Response, runErr = r.conversation.Respond(ctx, query, turn.OnDelta)
			next = StepProcessOutput

		case StepRAGAgent:
			r.runRAG(ctx, turn, query, &result)
			if turn.OnDelta != nil && result.Response != "" {
				runErr = turn.OnDelta(result.Response)
			}
			next = StepProcessOutput

		case StepProcessOutput:
			result.Response = strings.TrimSpace(result.Response)
			turn.State.Append(providers.RoleUser, turn.Query)
			turn.State.Append(providers.RoleAssistant, result.Response)
			turn.State.InsufficientInfo = result.InsufficientInfo
			next = StepEnd
		}

		if err := m.advance(next); err != nil {
			return result, err
		}
	}
	result.Trace = m.trace

	if runErr == nil {
		runErr = ctx.Err()
	}
	return result, runErr
}

func (r *Router) runRAG(ctx context.Context, turn Turn, query string, result *TurnResult) {
	var (
		gen      rag.GenerationResult
		pictures []string
		err      = errors.New("rag agent not configured")
	)
	if r.rag != nil {
		gen, pictures, err = r.rag.Answer(ctx, query, turn.State.Recent(r.cfg.ContextTurns), turn.Mask)
	}
	if err != nil {
		r.reporter.Degraded(ctx, telemetry.ConditionRAGFailed, err, map[string]string{"session_id": turn.SessionID})
		result.Response = RAGErrorMessage
		result.Sources = []string{}
		return
	}
	result.Response = gen.Response
	result.InsufficientInfo = gen.InsufficientInfo
	result.Confidence = gen.Confidence
	result.Sources = gen.Sources
	result.Pictures = pictures
}

// Decide asks the decision model for an agent. Any failure, an unknown agent
// or a confidence below the threshold yields the conversation agent.
func (r *Router) Decide(ctx context.Context, sessionID, query string, recent []providers.Message) RoutingDecision {
	fallback := func(reason string, err error) RoutingDecision {
		r.reporter.Degraded(ctx, telemetry.ConditionRoutingFallback, err, map[string]string{"session_id": sessionID, "reason": reason})
		return RoutingDecision{Agent: AgentConversation, Reasoning: reason, Fallback: true}
	}
	if r.decider == nil {
		return RoutingDecision{Agent: AgentConversation, Reasoning: "no decision model configured", Fallback: true}
	}

	raw, err := r.decider.Complete(ctx, providers.Request{
		System:      decisionSystemPrompt,
		Messages:    []providers.Message{{Role: providers.RoleUser, Content: decisionInput(query, recent)}},
		Temperature: 0,
		JSON:        true,
	})
	if err != nil {
		return fallback("decision call failed", err)
	}

	decision, err := ParseDecision(raw)
	if err != nil {
		return fallback("unparsable decision", err)
	}

	if decision.Confidence < r.cfg.ConfidenceThreshold {
		r.logger.Info("low routing confidence, using conversation agent",
			zap.String("model_choice", decision.Agent), zap.Float64("confidence", decision.Confidence))
		decision.Agent = AgentConversation
	}
	r.logger.Debug("routing decision", zap.String("agent", decision.Agent), zap.Float64("confidence", decision.Confidence))
	return decision
}

func decisionInput(query string, recent []providers.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User query: %s\n\nRecent conversation context:\n", query)
	for _, m := range recent {
		fmt.Fprintf(&b, "%s: %s\n", roleLabel(m.Role), m.Content)
	}
	b.WriteString("\nWhich agent should handle this query?")
	return b.String()
}

var errUnknownAgent = errors.New("unknown agent")

// ParseDecision extracts the JSON decision from a model reply, tolerating
// code fences and surrounding prose.
func ParseDecision(raw string) (RoutingDecision, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return RoutingDecision{}, fmt.Errorf("no JSON object in decision %q", raw)
	}

	var d RoutingDecision
	if err := json.Unmarshal([]byte(raw[start:end+1]), &d); err != nil {
		return RoutingDecision{}, fmt.Errorf("decode decision: %w", err)
	}
	d.Agent = strings.ToUpper(strings.TrimSpace(d.Agent))
	if d.Agent != AgentConversation && d.Agent != AgentRAG {
		return RoutingDecision{}, fmt.Errorf("%w %q", errUnknownAgent, d.Agent)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return RoutingDecision{}, fmt.Errorf("confidence %v out of range", d.Confidence)
	}
	return d, nil
}
