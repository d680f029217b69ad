package rag

import (
	"context"
	"fmt"
	"math"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hannes/kiji-rag/src/backend/index"
	"github.com/hannes/kiji-rag/src/backend/telemetry"
)

// SearchTypeSemantic is assigned to chunks arriving without a search type
const SearchTypeSemantic index.SearchType = "semantic"

// CrossEncoder scores (query, document) pairs. Scores are raw logits.
type CrossEncoder interface {
	Score(ctx context.Context, query string, docs []string) ([]float64, error)
	Close() error
}

var pictureCounter = regexp.MustCompile(`picture_counter_(\d+)`)

// Reranker rescores retrieved chunks with a cross encoder
type Reranker struct {
	encoder        CrossEncoder
	topK           int
	pictureBaseURL string
	logger         *zap.Logger
	reporter       *telemetry.Reporter
}

func NewReranker(encoder CrossEncoder, topK int, pictureBaseURL string, logger *zap.Logger, reporter *telemetry.Reporter) *Reranker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topK <= 0 {
		topK = DefaultRerankTopK
	}
	return &Reranker{
		encoder:        encoder,
		topK:           topK,
		pictureBaseURL: pictureBaseURL,
		logger:         logger.Named("reranker"),
		reporter:       reporter,
	}
}

// Rerank orders chunks by combined score and truncates to the configured
// top k. Without an encoder the retrieval order is kept and truncated. On
// encoder failure the input order is returned unchanged and nothing is
// dropped. The second result lists picture references found in the kept
// chunks.
func (r *Reranker) Rerank(ctx context.Context, query string, chunks []RetrievedChunk) ([]RerankedChunk, []string) {
	docs := withDefaults(chunks)
	if len(docs) == 0 {
		return []RerankedChunk{}, nil
	}

	passthrough := func() []RerankedChunk {
		out := make([]RerankedChunk, len(docs))
		for i, d := range docs {
			out[i] = RerankedChunk{RetrievedChunk: d, CombinedScore: NormalizeRetrievalScore(d.Score, d.SearchType)}
		}
		return out
	}

	if r.encoder == nil {
		out := passthrough()
		if len(out) > r.topK {
			out = out[:r.topK]
		}
		return out, r.pictureReferences(out)
	}

	contents := make([]string, len(docs))
	for i, d := range docs {
		contents[i] = d.Content
	}
	scores, err := r.encoder.Score(ctx, query, contents)
	if err == nil && len(scores) != len(docs) {
		err = fmt.Errorf("cross encoder returned %d scores for %d documents", len(scores), len(docs))
	}
	if err != nil {
		r.logger.Warn("reranking failed, keeping original order", zap.Error(err))
		r.reporter.Degraded(ctx, telemetry.ConditionRerankFallback, err, nil)
		return passthrough(), nil
	}

	out := make([]RerankedChunk, len(docs))
	for i, d := range docs {
		rerank := Sigmoid(scores[i])
		out[i] = RerankedChunk{
			RetrievedChunk: d,
			RerankScore:    rerank,
			CombinedScore:  (NormalizeRetrievalScore(d.Score, d.SearchType) + rerank) / 2,
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CombinedScore > out[j].CombinedScore })
	if len(out) > r.topK {
		out = out[:r.topK]
	}
	return out, r.pictureReferences(out)
}

// withDefaults fills missing fields: ID becomes the position, Content
// "Document i", Score 1.0 and SearchType semantic.
func withDefaults(chunks []RetrievedChunk) []RetrievedChunk {
	out := make([]RetrievedChunk, len(chunks))
	for i, c := range chunks {
		if c.ID == "" {
			c.ID = strconv.Itoa(i)
		}
		if c.Content == "" {
			c.Content = fmt.Sprintf("Document %d", i)
		}
		if c.SearchType == "" {
			c.SearchType = SearchTypeSemantic
			if c.Score == 0 {
				c.Score = 1.0
			}
		}
		out[i] = c
	}
	return out
}

// pictureReferences resolves picture_counter_N markers to
// <base>/<source stem>-picture-N.png
func (r *Reranker) pictureReferences(chunks []RerankedChunk) []string {
	var refs []string
	for _, c := range chunks {
		for _, m := range pictureCounter.FindAllStringSubmatch(c.Content, -1) {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			stem := strings.TrimSuffix(path.Base(c.Source), path.Ext(c.Source))
			ref := fmt.Sprintf("%s-picture-%d.png", stem, n)
			if r.pictureBaseURL != "" {
				ref = strings.TrimRight(r.pictureBaseURL, "/") + "/" + ref
			}
			refs = append(refs, ref)
		}
	}
	return refs
}

// NormalizeRetrievalScore maps a retrieval score onto a higher-is-better
// [0,1] scale. Vector distances d in [0,2] become 1 - d/2, similarities are
// clamped.
func NormalizeRetrievalScore(score float64, st index.SearchType) float64 {
	if st == index.SearchVector {
		return DistanceToConfidence(score)
	}
	return clamp01(score)
}

// DistanceToConfidence maps a cosine distance to max(0, 1 - d/2), capped at 1
func DistanceToConfidence(d float64) float64 {
	return math.Min(1, math.Max(0, 1-d/2))
}

// Sigmoid squashes a cross encoder logit into (0,1)
func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clamp01(x float64) float64 {
	return math.Min(1, math.Max(0, x))
}
