// Package agents routes a masked user turn to the conversation agent or the
// document RAG agent and maintains the rolling conversation history.
package agents

import (
	"errors"
	"fmt"
)

// Step is a node of the turn state machine
type Step int

const (
	StepAnalyzeInput Step = iota
	StepRouteDecision
	StepConversationAgent
	StepRAGAgent
	StepProcessOutput
	StepEnd
)

var stepNames = map[Step]string{
	StepAnalyzeInput:      "analyze_input",
	StepRouteDecision:     "route_decision",
	StepConversationAgent: "conversation_agent",
	StepRAGAgent:          "rag_agent",
	StepProcessOutput:     "process_output",
	StepEnd:               "end",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return fmt.Sprintf("step(%d)", int(s))
}

var transitions = map[Step][]Step{
	StepAnalyzeInput:      {StepRouteDecision},
	StepRouteDecision:     {StepConversationAgent, StepRAGAgent},
	StepConversationAgent: {StepProcessOutput},
	StepRAGAgent:          {StepProcessOutput},
	StepProcessOutput:     {StepEnd},
}

var ErrInvalidTransition = errors.New("invalid state transition")

// machine tracks the current step of one turn and records its path
type machine struct {
	current Step
	trace   []Step
}

func newMachine() *machine {
	return &machine{current: StepAnalyzeInput, trace: []Step{StepAnalyzeInput}}
}

func (m *machine) advance(next Step) error {
	for _, allowed := range transitions[m.current] {
		if allowed == next {
			m.current = next
			m.trace = append(m.trace, next)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.current, next)
}

func (m *machine) done() bool {
	return m.current == StepEnd
}
