package detectors

import (
	"context"
	"regexp"
	"sort"
)

// RegexDetector implements Detector using regular expressions
type RegexDetector struct {
	labels   []string
	patterns map[string]*regexp.Regexp
}

func NewRegexDetector(patterns map[string]string) *RegexDetector {
	regexMap := make(map[string]*regexp.Regexp)
	labels := make([]string, 0, len(patterns))
	for label, pattern := range patterns {
		regexMap[label] = regexp.MustCompile(pattern)
		labels = append(labels, label)
	}
	// map iteration order is random; keep output stable
	sort.Strings(labels)

	return &RegexDetector{
		labels:   labels,
		patterns: regexMap,
	}
}

// GetName returns the name of this detector
func (r *RegexDetector) GetName() string {
	return DetectorNameRegex
}

// Detect processes the input and returns detected entities ordered by position
func (r *RegexDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	entities := []Entity{}

	for _, label := range r.labels {
		if err := ctx.Err(); err != nil {
			return DetectorOutput{}, err
		}
		matches := r.patterns[label].FindAllStringIndex(input.Text, -1)
		for _, match := range matches {
			startPos := match[0]
			endPos := match[1]
			entities = append(entities, Entity{
				Text:       input.Text[startPos:endPos],
				Label:      label,
				StartPos:   startPos,
				EndPos:     endPos,
				Confidence: 1.0,
			})
		}
	}

	sort.SliceStable(entities, func(i, j int) bool {
		return entities[i].StartPos < entities[j].StartPos
	})

	return DetectorOutput{
		Text:     input.Text,
		Entities: entities,
	}, nil
}

// Close implements the Detector interface
func (r *RegexDetector) Close() error {
	// Regex detector doesn't need cleanup
	return nil
}
