package pii

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	piiGenerators "github.com/hannes/kiji-rag/src/backend/pii/generators"
	"github.com/hannes/kiji-rag/src/backend/telemetry"
)

// UnmaskResult is the restored text plus any pseudonym-shaped tokens that had
// no mapping entry and were left verbatim.
type UnmaskResult struct {
	Text       string
	Unresolved []string
}

// UnmaskingService restores original values from a session mapping table
type UnmaskingService struct {
	logger   *zap.Logger
	reporter *telemetry.Reporter
}

func NewUnmaskingService(logger *zap.Logger, reporter *telemetry.Reporter) *UnmaskingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UnmaskingService{logger: logger.Named("unmasker"), reporter: reporter}
}

// Unmask replaces every pseudonym in text with its original value. Leftover
// pseudonym-shaped tokens are reported as a degraded condition.
func (u *UnmaskingService) Unmask(ctx context.Context, sessionID, text string, mapping map[string]string) UnmaskResult {
	restored := RestorePII(text, mapping)
	unresolved := UnresolvedPseudonyms(restored, mapping)
	if len(unresolved) > 0 {
		u.reporter.Degraded(ctx, telemetry.ConditionUnresolvedTokens, nil, map[string]string{
			"session_id": sessionID,
			"count":      strconv.Itoa(len(unresolved)),
		})
	}
	return UnmaskResult{Text: restored, Unresolved: unresolved}
}

// RestorePII replaces pseudonyms longest first, so a pseudonym that is a
// substring of another can never corrupt the longer one. Ties are broken
// lexically to keep the result deterministic.
func RestorePII(text string, mapping map[string]string) string {
	if text == "" || len(mapping) == 0 {
		return text
	}

	keys := SortedPseudonyms(mapping)
	for _, pseudonym := range keys {
		text = strings.ReplaceAll(text, pseudonym, mapping[pseudonym])
	}
	return text
}

// SortedPseudonyms returns the mapping keys by length descending
func SortedPseudonyms(mapping map[string]string) []string {
	keys := make([]string, 0, len(mapping))
	for k := range mapping {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

// UnresolvedPseudonyms lists distinct pseudonym-shaped tokens in text that are
// not keys of mapping. A token equal to some original value is not reported.
func UnresolvedPseudonyms(text string, mapping map[string]string) []string {
	matches := piiGenerators.PseudonymPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}

	originals := make(map[string]struct{}, len(mapping))
	for _, v := range mapping {
		originals[v] = struct{}{}
	}

	seen := make(map[string]struct{})
	var unresolved []string
	for _, m := range matches {
		if _, ok := mapping[m]; ok {
			continue
		}
		if _, ok := originals[m]; ok {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		unresolved = append(unresolved, m)
	}
	return unresolved
}
