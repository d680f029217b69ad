// Package chat runs one conversational turn end to end: mask, rewrite,
// route, unmask and stream, serialized per session.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hannes/kiji-rag/src/backend/agents"
	"github.com/hannes/kiji-rag/src/backend/pii"
	"github.com/hannes/kiji-rag/src/backend/pii/detectors"
	"github.com/hannes/kiji-rag/src/backend/processor"
	"github.com/hannes/kiji-rag/src/backend/providers"
	"github.com/hannes/kiji-rag/src/backend/telemetry"
	"github.com/hannes/kiji-rag/src/backend/workers"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrEmptySessionID  = errors.New("session id is required")
)

// AuditLog records masked traffic. pii.SQLStore implements it.
type AuditLog interface {
	InsertLog(ctx context.Context, sessionID, direction, maskedMessage string, entities []detectors.Entity) error
}

// Deps are the collaborators of a Service. Rewriter, Audit and Pool are
// optional.
type Deps struct {
	Masker     *pii.MaskingService
	Unmasker   *pii.UnmaskingService
	Store      pii.MappingStore
	Transcript Transcript
	Rewriter   *agents.QueryRewriter
	Router     *agents.Router
	Audit      AuditLog
	Pool       *workers.Pool
	Locks      *workers.KeyedMutex
	Logging    processor.LoggingConfig
	Logger     *zap.Logger
	Reporter   *telemetry.Reporter
}

// Options tunes the turn pipeline
type Options struct {
	MaxHistory   int
	ContextTurns int
	// ContextMasking masks retrieved chunk text before generation
	ContextMasking bool
}

// TurnResult is the unmasked outcome of a turn
type TurnResult struct {
	SessionID        string   `json:"session_id"`
	Response         string   `json:"response"`
	MaskedQuery      string   `json:"masked_query"`
	MaskedResponse   string   `json:"masked_response"`
	Agent            string   `json:"agent"`
	RouteConfidence  float64  `json:"route_confidence"`
	Confidence       float64  `json:"retrieval_confidence"`
	InsufficientInfo bool     `json:"insufficient_info"`
	Sources          []string `json:"sources"`
	Pictures         []string `json:"pictures"`
	Unresolved       []string `json:"unresolved,omitempty"`
	Degraded         bool     `json:"degraded,omitempty"`
}

// PIIAlert summarizes what a detect-only call found
type PIIAlert struct {
	EntityTypes []string `json:"entity_types"`
	Message     string   `json:"message"`
}

type Service struct {
	deps Deps
	opts Options
	log  *zap.Logger
}

func NewService(deps Deps, opts Options) *Service {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Locks == nil {
		deps.Locks = workers.NewKeyedMutex()
	}
	if deps.Pool == nil {
		deps.Pool = workers.NewPool(0)
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = agents.DefaultMaxHistory
	}
	if opts.ContextTurns <= 0 {
		opts.ContextTurns = agents.DefaultContextTurns
	}
	return &Service{deps: deps, opts: opts, log: deps.Logger.Named("chat")}
}

// Turn processes one user message. onDelta receives restored text as it is
// produced and may be nil. Turns of one session run strictly one at a time.
func (s *Service) Turn(ctx context.Context, sessionID, message string, onDelta func(string) error) (TurnResult, error) {
	if sessionID == "" {
		return TurnResult{}, ErrEmptySessionID
	}
	unlock, err := s.deps.Locks.Lock(ctx, sessionID)
	if err != nil {
		return TurnResult{}, err
	}
	defer unlock()

	masked, err := s.mask(ctx, sessionID, message)
	if err != nil {
		return TurnResult{}, err
	}
	s.audit(ctx, sessionID, "request", masked.MaskedText, masked.Entities)

	tags := map[string]string{"session_id": sessionID}
	degraded := masked.Degraded

	history, err := s.deps.Transcript.History(ctx, sessionID, s.opts.MaxHistory)
	if err != nil {
		// the turn goes on without context
		s.deps.Reporter.Degraded(ctx, telemetry.ConditionHistoryReadFailed, err, tags)
		history, degraded = nil, true
	}
	state := agents.NewConversationState(s.opts.MaxHistory)
	state.Turns = history

	mapping, err := s.deps.Store.Get(ctx, sessionID)
	if err != nil {
		// only this message's pseudonyms can be restored
		s.deps.Reporter.Degraded(ctx, telemetry.ConditionMappingReadFailed, err, tags)
		mapping, degraded = nil, true
	}
	if mapping == nil {
		mapping = make(map[string]string)
	}
	// the store write may have failed, the delta is still needed to unmask
	for k, v := range masked.MaskedToOriginal {
		mapping[k] = v
	}

	stream := processor.NewStreamUnmasker(mapping, onDelta, s.deps.Logging, s.log)

	if err := ctx.Err(); err != nil {
		return TurnResult{}, err
	}
	retrievalQuery := s.deps.Rewriter.Rewrite(ctx, masked.MaskedText, state.Recent(s.opts.ContextTurns))

	turn := agents.Turn{
		SessionID:      sessionID,
		Query:          masked.MaskedText,
		RetrievalQuery: retrievalQuery,
		State:          state,
		OnDelta:        stream.Write,
	}
	if s.opts.ContextMasking {
		turn.Mask = func(ctx context.Context, text string) string {
			res := s.deps.Masker.MaskText(ctx, sessionID, text)
			stream.Extend(res.MaskedToOriginal)
			return res.MaskedText
		}
	}

	routed, runErr := s.deps.Router.Run(ctx, turn)
	if runErr == nil {
		runErr = stream.Flush()
	}

	// persisted even when the client went away mid-stream
	persistCtx := context.WithoutCancel(ctx)
	if err := s.deps.Transcript.Append(persistCtx, sessionID,
		providers.Message{Role: providers.RoleUser, Content: masked.MaskedText},
		providers.Message{Role: providers.RoleAssistant, Content: routed.Response},
	); err != nil {
		s.deps.Reporter.Degraded(persistCtx, telemetry.ConditionTranscriptFailed, err, tags)
	}
	s.audit(persistCtx, sessionID, "response", routed.Response, nil)

	restored := s.deps.Unmasker.Unmask(persistCtx, sessionID, routed.Response, mapping)

	result := TurnResult{
		SessionID:        sessionID,
		Response:         restored.Text,
		MaskedQuery:      masked.MaskedText,
		MaskedResponse:   routed.Response,
		Agent:            routed.Decision.Agent,
		RouteConfidence:  routed.Decision.Confidence,
		Confidence:       routed.Confidence,
		InsufficientInfo: routed.InsufficientInfo,
		Sources:          nonNil(routed.Sources),
		Pictures:         nonNil(routed.Pictures),
		Unresolved:       restored.Unresolved,
		Degraded:         degraded,
	}
	s.log.Info("turn completed",
		zap.String("session_id", sessionID),
		zap.String("agent", result.Agent),
		zap.Bool("insufficient_info", result.InsufficientInfo))
	return result, runErr
}

func (s *Service) mask(ctx context.Context, sessionID, text string) (pii.MaskedResult, error) {
	return workers.Do(ctx, s.deps.Pool, func(ctx context.Context) (pii.MaskedResult, error) {
		return s.deps.Masker.MaskText(ctx, sessionID, text), nil
	})
}

// Mask masks text and merges the delta into the session table
func (s *Service) Mask(ctx context.Context, sessionID, text string) (pii.MaskedResult, error) {
	if sessionID == "" {
		return s.mask(ctx, "", text)
	}
	unlock, err := s.deps.Locks.Lock(ctx, sessionID)
	if err != nil {
		return pii.MaskedResult{}, err
	}
	defer unlock()

	res, err := s.mask(ctx, sessionID, text)
	if err == nil {
		s.audit(ctx, sessionID, "mask", res.MaskedText, res.Entities)
	}
	return res, err
}

// Unmask restores text with the session table
func (s *Service) Unmask(ctx context.Context, sessionID, text string) (pii.UnmaskResult, error) {
	mapping, err := s.Mapping(ctx, sessionID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return pii.UnmaskResult{}, err
	}
	return s.deps.Unmasker.Unmask(ctx, sessionID, text, mapping), nil
}

// Mapping returns the session table, or ErrSessionNotFound when the session
// has neither mappings nor messages.
func (s *Service) Mapping(ctx context.Context, sessionID string) (map[string]string, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	mapping, err := s.deps.Store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load mapping: %w", err)
	}
	if len(mapping) > 0 {
		return mapping, nil
	}
	history, err := s.deps.Transcript.History(ctx, sessionID, 1)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if len(history) == 0 {
		return map[string]string{}, ErrSessionNotFound
	}
	return map[string]string{}, nil
}

// History returns the masked transcript
func (s *Service) History(ctx context.Context, sessionID string) ([]providers.Message, error) {
	return s.deps.Transcript.History(ctx, sessionID, s.opts.MaxHistory)
}

// DeleteSession destroys the mapping table and the transcript. It waits for
// a running turn of the session to finish.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	unlock, err := s.deps.Locks.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.deps.Store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	if err := s.deps.Transcript.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("delete transcript: %w", err)
	}
	s.log.Info("session deleted", zap.String("session_id", sessionID))
	return nil
}

// IdleSessions lists sessions with no mapping write and no message since
// before. Sessions without any PII are covered through their transcript.
func (s *Service) IdleSessions(ctx context.Context, before time.Time) ([]string, error) {
	last, err := s.deps.Store.LastActivity(ctx)
	if err != nil {
		return nil, fmt.Errorf("mapping activity: %w", err)
	}
	messages, err := s.deps.Transcript.LastActivity(ctx)
	if err != nil {
		return nil, fmt.Errorf("transcript activity: %w", err)
	}
	for id, at := range messages {
		if at.After(last[id]) {
			last[id] = at
		}
	}

	var idle []string
	for id, at := range last {
		if at.Before(before) {
			idle = append(idle, id)
		}
	}
	sort.Strings(idle)
	return idle, nil
}

// Validate runs detection only. It returns nil when no PII was found.
func (s *Service) Validate(ctx context.Context, text string) (*PIIAlert, error) {
	entities, err := workers.Do(ctx, s.deps.Pool, func(ctx context.Context) ([]detectors.Entity, error) {
		return s.deps.Masker.Detect(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool)
	var types []string
	for _, e := range entities {
		if !seen[e.Label] {
			seen[e.Label] = true
			types = append(types, e.Label)
		}
	}
	sort.Strings(types)
	return &PIIAlert{
		EntityTypes: types,
		Message:     fmt.Sprintf("Your message contains personal information (%d types detected). It will be pseudonymized before it leaves this server.", len(types)),
	}, nil
}

func (s *Service) audit(ctx context.Context, sessionID, direction, text string, entities []detectors.Entity) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.InsertLog(ctx, sessionID, direction, text, entities); err != nil {
		s.log.Warn("failed to write audit log", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func nonNil(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}
