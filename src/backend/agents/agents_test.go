package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hannes/kiji-rag/src/backend/providers"
	"github.com/hannes/kiji-rag/src/backend/rag"
)

// scriptedProvider answers Complete with decision and Stream with chunks
type scriptedProvider struct {
	decision  string
	decideErr error
	chunks    []string
	streamErr error
	requests  []providers.Request
}

func (s *scriptedProvider) GetType() providers.ProviderType { return "scripted" }
func (s *scriptedProvider) GetName() string                 { return "scripted" }
func (s *scriptedProvider) ValidateConfig() error           { return nil }

func (s *scriptedProvider) Complete(ctx context.Context, req providers.Request) (string, error) {
	s.requests = append(s.requests, req)
	return s.decision, s.decideErr
}

func (s *scriptedProvider) Stream(ctx context.Context, req providers.Request, onDelta func(string) error) error {
	s.requests = append(s.requests, req)
	for _, c := range s.chunks {
		if err := onDelta(c); err != nil {
			return err
		}
	}
	return s.streamErr
}

type fakeRAG struct {
	result rag.GenerationResult
	err    error
	calls  int
	query  string
}

func (f *fakeRAG) Answer(ctx context.Context, query string, history []providers.Message, mask rag.ContextMasker) (rag.GenerationResult, []string, error) {
	f.calls++
	f.query = query
	return f.result, nil, f.err
}

func newTestRouter(p *scriptedProvider, r *fakeRAG) *Router {
	return NewRouter(p, NewConversationAgent(p, nil), r, DefaultRouterConfig(), nil, nil)
}

func decisionJSON(agent string, confidence float64) string {
	return fmt.Sprintf(`{"agent": %q, "reasoning": "test", "confidence": %v}`, agent, confidence)
}

func TestRun_LowConfidenceForcesConversation(t *testing.T) {
	p := &scriptedProvider{decision: decisionJSON(AgentRAG, 0.4), chunks: []string{"Hello", " there"}}
	r := &fakeRAG{}
	router := newTestRouter(p, r)

	var streamed strings.Builder
	res, err := router.Run(context.Background(), Turn{Query: "hi Name_ABCDEF", OnDelta: func(d string) error {
		streamed.WriteString(d)
		return nil
	}})

	require.NoError(t, err)
	assert.Equal(t, AgentConversation, res.Decision.Agent)
	assert.Equal(t, 0, r.calls, "RAG must not run below the threshold")
	assert.Equal(t, "Hello there", res.Response)
	assert.Equal(t, "Hello there", streamed.String())
	assert.Equal(t, []Step{StepAnalyzeInput, StepRouteDecision, StepConversationAgent, StepProcessOutput, StepEnd}, res.Trace)
}

func TestRun_ThresholdIsInclusive(t *testing.T) {
	p := &scriptedProvider{decision: decisionJSON(AgentRAG, 0.55)}
	r := &fakeRAG{result: rag.GenerationResult{Response: "answer", Confidence: 0.9, Sources: []string{"a.txt"}}}

	res, err := newTestRouter(p, r).Run(context.Background(), Turn{Query: "q"})

	require.NoError(t, err)
	assert.Equal(t, AgentRAG, res.Decision.Agent)
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, "answer", res.Response)
	assert.Equal(t, []string{"a.txt"}, res.Sources)
	assert.Contains(t, res.Trace, StepRAGAgent)
}

func TestRun_ZeroThresholdKeepsLowConfidenceChoice(t *testing.T) {
	p := &scriptedProvider{decision: decisionJSON(AgentRAG, 0.1)}
	r := &fakeRAG{result: rag.GenerationResult{Response: "answer", Confidence: 0.9}}
	cfg := DefaultRouterConfig()
	cfg.ConfidenceThreshold = 0

	res, err := NewRouter(p, NewConversationAgent(p, nil), r, cfg, nil, nil).Run(context.Background(), Turn{Query: "q"})

	require.NoError(t, err)
	assert.Equal(t, AgentRAG, res.Decision.Agent)
	assert.Equal(t, 1, r.calls)
}

func TestRun_DecisionFailuresFallBackToConversation(t *testing.T) {
	cases := map[string]*scriptedProvider{
		"call error":    {decideErr: errors.New("timeout")},
		"not json":      {decision: "RAG_AGENT please"},
		"unknown agent": {decision: decisionJSON("WEB_AGENT", 0.9)},
		"bad range":     {decision: decisionJSON(AgentRAG, 1.5)},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			p.chunks = []string{"ok"}
			r := &fakeRAG{}
			res, err := newTestRouter(p, r).Run(context.Background(), Turn{Query: "q"})
			require.NoError(t, err)
			assert.Equal(t, AgentConversation, res.Decision.Agent)
			assert.True(t, res.Decision.Fallback)
			assert.Equal(t, 0, r.calls)
		})
	}
}

func TestRun_RAGFailureGivesApology(t *testing.T) {
	p := &scriptedProvider{decision: decisionJSON(AgentRAG, 0.9)}
	state := NewConversationState(20)

	res, err := newTestRouter(p, &fakeRAG{err: errors.New("weaviate down")}).Run(context.Background(), Turn{Query: "q", State: state})

	require.NoError(t, err)
	assert.Equal(t, RAGErrorMessage, res.Response)
	require.Len(t, state.Turns, 2)
	assert.Equal(t, RAGErrorMessage, state.Turns[1].Content)
}

func TestRun_InsufficientInfoSetsStateFlag(t *testing.T) {
	p := &scriptedProvider{decision: decisionJSON(AgentRAG, 0.9)}
	r := &fakeRAG{result: rag.GenerationResult{Response: rag.InsufficientInfoMessage, InsufficientInfo: true, Confidence: 0.3}}
	state := NewConversationState(20)

	res, err := newTestRouter(p, r).Run(context.Background(), Turn{Query: "q", State: state})

	require.NoError(t, err)
	assert.True(t, res.InsufficientInfo)
	assert.True(t, state.InsufficientInfo)
	assert.Equal(t, rag.InsufficientInfoMessage, res.Response)
}

func TestRun_RetrievalQueryUsedButHistoryKeepsOriginal(t *testing.T) {
	p := &scriptedProvider{decision: decisionJSON(AgentRAG, 0.9)}
	r := &fakeRAG{result: rag.GenerationResult{Response: "ok", Confidence: 1}}
	state := NewConversationState(20)

	_, err := newTestRouter(p, r).Run(context.Background(), Turn{Query: "and his salary?", RetrievalQuery: "What is Name_ABCDEF's salary?", State: state})

	require.NoError(t, err)
	assert.Equal(t, "What is Name_ABCDEF's salary?", r.query)
	assert.Equal(t, "and his salary?", state.Turns[0].Content)
}

func TestRun_DecisionSeesRecentTurns(t *testing.T) {
	p := &scriptedProvider{decision: decisionJSON(AgentConversation, 0.9)}
	state := NewConversationState(20)
	for i := 0; i < 10; i++ {
		state.Append(providers.RoleUser, fmt.Sprintf("turn-%d", i))
	}

	_, err := newTestRouter(p, &fakeRAG{}).Run(context.Background(), Turn{Query: "q", State: state})

	require.NoError(t, err)
	input := p.requests[0].Messages[0].Content
	assert.True(t, p.requests[0].JSON)
	assert.NotContains(t, input, "turn-3")
	assert.Contains(t, input, "turn-4")
	assert.Contains(t, input, "turn-9")
}

func TestRun_StreamSinkErrorIsReturned(t *testing.T) {
	p := &scriptedProvider{decision: decisionJSON(AgentConversation, 0.9), chunks: []string{"a", "b"}}
	state := NewConversationState(20)
	sinkErr := errors.New("client gone")

	res, err := newTestRouter(p, &fakeRAG{}).Run(context.Background(), Turn{Query: "q", State: state, OnDelta: func(string) error { return sinkErr }})

	assert.ErrorIs(t, err, sinkErr)
	assert.Equal(t, "a", res.Response)
	assert.Len(t, state.Turns, 2, "history is still written")
}

func TestConversationAgent_ProviderFailureApologizes(t *testing.T) {
	p := &scriptedProvider{chunks: []string{"partial"}, streamErr: errors.New("reset")}
	out, err := NewConversationAgent(p, nil).Respond(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "partial\n\n"+ConversationErrorMessage, out)
}

func TestMachine_RejectsInvalidTransitions(t *testing.T) {
	m := newMachine()
	assert.ErrorIs(t, m.advance(StepRAGAgent), ErrInvalidTransition)
	require.NoError(t, m.advance(StepRouteDecision))
	require.NoError(t, m.advance(StepRAGAgent))
	assert.ErrorIs(t, m.advance(StepConversationAgent), ErrInvalidTransition)
	require.NoError(t, m.advance(StepProcessOutput))
	require.NoError(t, m.advance(StepEnd))
	assert.True(t, m.done())
	assert.ErrorIs(t, m.advance(StepAnalyzeInput), ErrInvalidTransition)
}

func TestParseDecision_ToleratesFences(t *testing.T) {
	d, err := ParseDecision("```json\n{\"agent\": \"rag_agent\", \"reasoning\": \"r\", \"confidence\": 0.8}\n```")
	require.NoError(t, err)
	assert.Equal(t, AgentRAG, d.Agent)
	assert.Equal(t, 0.8, d.Confidence)
}

func TestConversationState_TrimsOldestFirst(t *testing.T) {
	s := NewConversationState(20)
	for i := 0; i < 25; i++ {
		s.Append(providers.RoleUser, fmt.Sprintf("m%d", i))
	}
	require.Len(t, s.Turns, 20)
	assert.Equal(t, "m5", s.Turns[0].Content)
	assert.Equal(t, "m24", s.Turns[19].Content)

	recent := s.Recent(6)
	require.Len(t, recent, 6)
	assert.Equal(t, "m19", recent[0].Content)
	assert.Empty(t, NewConversationState(0).Recent(6))
}

func TestQueryRewriter_Policy(t *testing.T) {
	history := []providers.Message{{Role: providers.RoleUser, Content: "Who is Name_ABCDEF?"}}
	ctx := context.Background()

	tests := []struct {
		name  string
		reply string
		err   error
		want  string
	}{
		{"accepted", "What is Name_ABCDEF's salary?", nil, "What is Name_ABCDEF's salary?"},
		{"empty", "   ", nil, "and Name_ABCDEF's salary?"},
		{"dropped placeholder", "What is his salary?", nil, "and Name_ABCDEF's salary?"},
		{"call error", "", errors.New("down"), "and Name_ABCDEF's salary?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedProvider{decision: tt.reply, decideErr: tt.err}
			got := NewQueryRewriter(p, nil).Rewrite(ctx, "and Name_ABCDEF's salary?", history)
			assert.Equal(t, tt.want, got)
		})
	}

	p := &scriptedProvider{decision: "unused"}
	assert.Equal(t, "q", NewQueryRewriter(p, nil).Rewrite(ctx, "q", nil))
	assert.Empty(t, p.requests, "no history means no rewrite call")
}
