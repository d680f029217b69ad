// Package rag implements document grounded answering: retrieval, cross
// encoder reranking, the confidence gated generator and ingestion.
package rag

import (
	"github.com/hannes/kiji-rag/src/backend/index"
)

// Default pipeline constants
const (
	DefaultTopK                   = 8
	DefaultRerankTopK             = 5
	DefaultAlpha                  = 0.5
	DefaultMinRetrievalConfidence = 0.7
	DefaultChunkSize              = 512
	DefaultChunkOverlap           = 50
)

// RetrievedChunk is one retrieval hit. Score semantics follow SearchType:
// hybrid scores are similarities (higher is better), vector scores are
// cosine distances in [0,2] (lower is better). Distance is always the raw
// query to chunk cosine distance and feeds the confidence gate.
type RetrievedChunk struct {
	ID         string           `json:"id"`
	Content    string           `json:"content"`
	Source     string           `json:"source"`
	Score      float64          `json:"score"`
	Distance   float64          `json:"distance"`
	SearchType index.SearchType `json:"search_type"`
}

// RerankedChunk adds the cross encoder score. CombinedScore averages the
// normalized retrieval score with the normalized rerank score.
type RerankedChunk struct {
	RetrievedChunk
	RerankScore   float64 `json:"rerank_score"`
	CombinedScore float64 `json:"combined_score"`
}

// GenerationResult is the outcome of the confidence gate
type GenerationResult struct {
	Response         string   `json:"response"`
	Confidence       float64  `json:"confidence"`
	InsufficientInfo bool     `json:"insufficient_info"`
	Sources          []string `json:"sources"`
}

// Options tunes retrieval, reranking and the gate
type Options struct {
	Mode                   index.SearchType `json:"mode" yaml:"mode"`
	TopK                   int              `json:"top_k" yaml:"top_k"`
	Alpha                  float32          `json:"alpha" yaml:"alpha"`
	RerankTopK             int              `json:"rerank_top_k" yaml:"rerank_top_k"`
	MinRetrievalConfidence float64          `json:"min_retrieval_confidence" yaml:"min_retrieval_confidence"`
	ContextChunks          int              `json:"context_chunks" yaml:"context_chunks"`
	PictureBaseURL         string           `json:"picture_base_url" yaml:"picture_base_url"`
	ExpandQueries          bool             `json:"expand_queries" yaml:"expand_queries"`
}

func DefaultOptions() Options {
	return Options{
		Mode:                   index.SearchHybrid,
		TopK:                   DefaultTopK,
		Alpha:                  DefaultAlpha,
		RerankTopK:             DefaultRerankTopK,
		MinRetrievalConfidence: DefaultMinRetrievalConfidence,
		ContextChunks:          DefaultRerankTopK,
	}
}
