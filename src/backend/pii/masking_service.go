package pii

import (
	"context"
	"errors"
	"sort"
	"unicode/utf8"

	"go.uber.org/zap"

	detectors "github.com/hannes/kiji-rag/src/backend/pii/detectors"
	"github.com/hannes/kiji-rag/src/backend/telemetry"
)

// MaskedResult represents the result of masking PII in text
type MaskedResult struct {
	MaskedText       string
	MaskedToOriginal map[string]string // delta produced by this call
	Entities         []detectors.Entity
	// Degraded is set when detection failed and the text passed through unmasked
	Degraded bool
	// StoreFailed is set when the delta could not be merged into the session table
	StoreFailed bool
}

// DetectorProvider is an interface for getting the current detector
// This allows MaskingService to always use the latest detector after hot reloads
type DetectorProvider interface {
	GetDetector() (detectors.Detector, error)
}

// MaskingOptions tunes a MaskingService
type MaskingOptions struct {
	Language   string
	LogVerbose bool // log original values next to their pseudonyms
}

// MaskingService handles PII detection and masking
type MaskingService struct {
	detectorProvider DetectorProvider
	generator        *GeneratorService
	store            MappingStore
	logger           *zap.Logger
	reporter         *telemetry.Reporter
	opts             MaskingOptions
}

// NewMaskingService creates a new masking service. store may be nil, in which
// case deltas are returned but not persisted.
func NewMaskingService(detectorProvider DetectorProvider, generator *GeneratorService, store MappingStore, logger *zap.Logger, reporter *telemetry.Reporter, opts MaskingOptions) *MaskingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MaskingService{
		detectorProvider: detectorProvider,
		generator:        generator,
		store:            store,
		logger:           logger.Named("masker"),
		reporter:         reporter,
		opts:             opts,
	}
}

func unmasked(text string) MaskedResult {
	return MaskedResult{
		MaskedText:       text,
		MaskedToOriginal: make(map[string]string),
		Entities:         []detectors.Entity{},
	}
}

// Detect runs the current detector without masking
func (s *MaskingService) Detect(ctx context.Context, text string) ([]detectors.Entity, error) {
	if text == "" {
		return []detectors.Entity{}, nil
	}
	detector, err := s.detectorProvider.GetDetector()
	if err != nil {
		return nil, err
	}
	out, err := detector.Detect(ctx, detectors.DetectorInput{Text: text, Language: s.opts.Language})
	if err != nil {
		return nil, err
	}
	return out.Entities, nil
}

// MaskText replaces detected PII spans with pseudonyms. It never fails: when
// detection is unavailable the text is returned unchanged with Degraded set.
// With a non-empty sessionID the delta is merged into that session's table.
func (s *MaskingService) MaskText(ctx context.Context, sessionID, text string) MaskedResult {
	if text == "" {
		return unmasked(text)
	}

	entities, err := s.Detect(ctx, text)
	if err != nil {
		s.reporter.Degraded(ctx, telemetry.ConditionDetectionFailed, err, map[string]string{"session_id": sessionID})
		result := unmasked(text)
		result.Degraded = true
		return result
	}
	if len(entities) == 0 {
		s.logger.Debug("no PII detected", zap.String("session_id", sessionID))
		return unmasked(text)
	}

	masked, delta, applied, entries := s.splice(ctx, sessionID, text, entities)

	s.logger.Info("PII masked",
		zap.String("session_id", sessionID),
		zap.Int("detected", len(entities)),
		zap.Int("masked", len(applied)))
	if s.opts.LogVerbose {
		for pseudonym, original := range delta {
			s.logger.Debug("pseudonym assigned", zap.String("pseudonym", pseudonym), zap.String("original", original))
		}
	}

	result := MaskedResult{
		MaskedText:       masked,
		MaskedToOriginal: delta,
		Entities:         applied,
	}

	if s.store != nil && sessionID != "" && len(entries) > 0 {
		if err := s.store.Merge(ctx, sessionID, entries); err != nil {
			result.StoreFailed = true
			s.reporter.Degraded(ctx, telemetry.ConditionMappingWriteFailed, err, map[string]string{"session_id": sessionID})
		}
	}
	return result
}

// splice applies pseudonyms from the end of the text backwards so offsets of
// the remaining entities stay valid. Invalid spans and spans overlapping an
// already replaced one are skipped.
func (s *MaskingService) splice(ctx context.Context, sessionID, text string, entities []detectors.Entity) (string, map[string]string, []detectors.Entity, []MappingEntry) {
	sorted := make([]detectors.Entity, len(entities))
	copy(sorted, entities)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].StartPos != sorted[j].StartPos {
			return sorted[i].StartPos > sorted[j].StartPos
		}
		return sorted[i].EndPos > sorted[j].EndPos
	})

	// pseudonyms already owned by an original, so a hash collision cannot
	// overwrite a historical entry
	taken := s.sessionTable(ctx, sessionID)
	delta := make(map[string]string)
	applied := make([]detectors.Entity, 0, len(sorted))
	entries := make([]MappingEntry, 0, len(sorted))
	masked := text
	lastStart := len(text)

	for _, entity := range sorted {
		if !validSpan(text, entity.StartPos, entity.EndPos) || entity.EndPos > lastStart {
			continue
		}
		original := text[entity.StartPos:entity.EndPos]
		pseudonym := s.generator.Pseudonymize(ctx, sessionID, entity.Label, original, taken)

		masked = masked[:entity.StartPos] + pseudonym + masked[entity.EndPos:]
		lastStart = entity.StartPos

		taken[pseudonym] = original
		delta[pseudonym] = original
		entity.Text = original
		applied = append(applied, entity)
		entries = append(entries, MappingEntry{Pseudonym: pseudonym, Original: original, EntityType: entity.Label})
	}

	// report entities in reading order
	for i, j := 0, len(applied)-1; i < j; i, j = i+1, j-1 {
		applied[i], applied[j] = applied[j], applied[i]
	}
	return masked, delta, applied, entries
}

// sessionTable returns a copy of the stored table, empty without a store or
// when the read fails
func (s *MaskingService) sessionTable(ctx context.Context, sessionID string) map[string]string {
	if s.store == nil || sessionID == "" {
		return make(map[string]string)
	}
	table, err := s.store.Get(ctx, sessionID)
	if err != nil {
		s.logger.Warn("session table unavailable, collision check limited to this message",
			zap.String("session_id", sessionID), zap.Error(err))
		return make(map[string]string)
	}
	taken := make(map[string]string, len(table))
	for p, o := range table {
		taken[p] = o
	}
	return taken
}

// validSpan reports whether [start, end) is a non-empty range on rune boundaries
func validSpan(text string, start, end int) bool {
	if start < 0 || end > len(text) || start >= end {
		return false
	}
	if !utf8.RuneStart(text[start]) {
		return false
	}
	return end == len(text) || utf8.RuneStart(text[end])
}

// ErrNoDetector is returned by providers that have no usable detector
var ErrNoDetector = errors.New("no detector available")

// StaticDetectorProvider always returns the same detector
type StaticDetectorProvider struct {
	Detector detectors.Detector
}

func (p StaticDetectorProvider) GetDetector() (detectors.Detector, error) {
	if p.Detector == nil {
		return nil, ErrNoDetector
	}
	return p.Detector, nil
}
