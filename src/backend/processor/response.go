// Package processor restores original PII in model output as it streams.
package processor

import (
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/hannes/kiji-rag/src/backend/pii"
)

// LoggingConfig interface for logging configuration
type LoggingConfig interface {
	GetLogResponses() bool
	GetLogVerbose() bool
}

// StreamUnmasker restores pseudonyms in a stream of text deltas. Any tail
// that could still grow into a pseudonym is held back until the next Write
// or Flush, so pseudonyms split across deltas are restored too.
type StreamUnmasker struct {
	mapping map[string]string
	maxLen  int
	pending string
	emit    func(string) error
	logging LoggingConfig
	logger  *zap.Logger

	masked   strings.Builder
	restored strings.Builder
}

// NewStreamUnmasker creates a stream unmasker. emit receives restored text;
// logging may be nil.
func NewStreamUnmasker(mapping map[string]string, emit func(string) error, logging LoggingConfig, logger *zap.Logger) *StreamUnmasker {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxLen := 0
	for k := range mapping {
		maxLen = max(maxLen, len(k))
	}
	return &StreamUnmasker{
		mapping: mapping,
		maxLen:  maxLen,
		emit:    emit,
		logging: logging,
		logger:  logger.Named("stream_unmasker"),
	}
}

// Write accepts the next masked delta
func (s *StreamUnmasker) Write(delta string) error {
	if delta == "" {
		return nil
	}
	s.masked.WriteString(delta)
	s.pending += delta

	cut := s.safeCut(s.pending)
	if cut == 0 {
		return nil
	}
	ready := s.pending[:cut]
	s.pending = s.pending[cut:]
	return s.send(ready)
}

// Flush restores and emits whatever is still held back
func (s *StreamUnmasker) Flush() error {
	if s.pending == "" {
		return nil
	}
	ready := s.pending
	s.pending = ""
	if err := s.send(ready); err != nil {
		return err
	}
	if s.logging != nil && s.logging.GetLogResponses() && s.logging.GetLogVerbose() {
		s.logger.Debug("stream restored", zap.Int("masked_bytes", s.masked.Len()), zap.Int("restored_bytes", s.restored.Len()))
	}
	return nil
}

// Extend adds mapping entries minted while the stream is running
func (s *StreamUnmasker) Extend(delta map[string]string) {
	if len(delta) == 0 {
		return
	}
	if s.mapping == nil {
		s.mapping = make(map[string]string, len(delta))
	}
	for k, v := range delta {
		s.mapping[k] = v
		s.maxLen = max(s.maxLen, len(k))
	}
}

// Masked returns all masked text written so far
func (s *StreamUnmasker) Masked() string {
	return s.masked.String()
}

// Restored returns all restored text emitted so far
func (s *StreamUnmasker) Restored() string {
	return s.restored.String()
}

func (s *StreamUnmasker) send(masked string) error {
	out := pii.RestorePII(masked, s.mapping)
	s.restored.WriteString(out)
	if s.emit == nil {
		return nil
	}
	return s.emit(out)
}

// safeCut returns the length of the prefix of buf that can be restored now.
// The prefix never ends inside a pseudonym occurrence, never ends where the
// remainder could still become a pseudonym, and never splits a rune.
func (s *StreamUnmasker) safeCut(buf string) int {
	if s.maxLen == 0 {
		return len(buf)
	}

	cut := len(buf)
	for i := max(0, len(buf)-s.maxLen+1); i < len(buf); i++ {
		if s.isKeyPrefix(buf[i:]) {
			cut = i
			break
		}
	}

	// move the cut before any complete pseudonym that straddles it
	for moved := true; moved; {
		moved = false
		for key := range s.mapping {
			if key == "" {
				continue
			}
			end := min(len(buf), cut+len(key)-1)
			for pos := max(0, cut-len(key)+1); pos < end; {
				idx := strings.Index(buf[pos:end], key)
				if idx < 0 {
					break
				}
				start := pos + idx
				if start < cut && start+len(key) > cut {
					cut = start
					moved = true
					break
				}
				pos = start + 1
			}
		}
	}

	for cut > 0 && cut < len(buf) && !utf8.RuneStart(buf[cut]) {
		cut--
	}
	return cut
}

func (s *StreamUnmasker) isKeyPrefix(tail string) bool {
	for key := range s.mapping {
		if len(tail) < len(key) && strings.HasPrefix(key, tail) {
			return true
		}
	}
	return false
}
