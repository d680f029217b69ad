package detectors

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

const (
	DetectorNameRegex     = "regex_detector"
	DetectorNameONNX      = "onnx_model_detector"
	DetectorNameAnalyzer  = "analyzer_detector"
	DetectorNameComposite = "composite_detector"
)

// Detector finds PII spans in text. Implementations must accept empty and
// very long inputs.
type Detector interface {
	GetName() string
	Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error)
	Close() error
}

// CompositeDetector runs several detectors over the same text and returns the
// union of their entities. A failing member is skipped as long as at least one
// member succeeds.
type CompositeDetector struct {
	detectors []Detector
}

func NewCompositeDetector(detectors ...Detector) *CompositeDetector {
	return &CompositeDetector{detectors: detectors}
}

func (c *CompositeDetector) GetName() string {
	return DetectorNameComposite
}

func (c *CompositeDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	var perDetector [][]Entity
	var errs []error
	for _, d := range c.detectors {
		if err := ctx.Err(); err != nil {
			return DetectorOutput{}, err
		}
		out, err := d.Detect(ctx, input)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.GetName(), err))
			continue
		}
		perDetector = append(perDetector, out.Entities)
	}
	if len(errs) == len(c.detectors) && len(errs) > 0 {
		return DetectorOutput{}, errors.Join(errs...)
	}

	return DetectorOutput{
		Text:     input.Text,
		Entities: mergeChunkEntities(perDetector),
	}, nil
}

func (c *CompositeDetector) Close() error {
	var errs []error
	for _, d := range c.detectors {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// mergeChunkEntities flattens entity lists coming from overlapping windows or
// from several detectors. Overlapping spans collapse to the one with the higher
// confidence; the result is sorted by start position.
func mergeChunkEntities(chunks [][]Entity) []Entity {
	var all []Entity
	for _, c := range chunks {
		all = append(all, c...)
	}
	if len(all) == 0 {
		return []Entity{}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].StartPos != all[j].StartPos {
			return all[i].StartPos < all[j].StartPos
		}
		return all[i].EndPos > all[j].EndPos
	})

	merged := make([]Entity, 0, len(all))
	for _, e := range all {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if e.StartPos < last.EndPos {
				if e.Confidence > last.Confidence {
					*last = e
				}
				continue
			}
		}
		merged = append(merged, e)
	}
	return merged
}
