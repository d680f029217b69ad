// Package index stores document chunks with their vectors and answers hybrid
// and pure vector queries.
package index

import (
	"context"
	"errors"
)

// SearchType names the scoring scheme of a hit. Hybrid scores are
// similarities (higher is better), vector scores are cosine distances in
// [0,2] (lower is better). Scores of different types must not be compared.
type SearchType string

const (
	SearchHybrid SearchType = "hybrid"
	SearchVector SearchType = "vector"
)

// Document is one chunk as written to the index
type Document struct {
	ID      string
	Content string
	Source  string
	Vector  []float32
}

// Query selects hits by vector, by text or both
type Query struct {
	Mode   SearchType
	Vector []float32
	Text   string
	TopK   int
	// Alpha blends hybrid results: 0 is pure lexical, 1 pure vector
	Alpha float32
}

// Hit is one ranked result. Distance is the raw cosine distance between
// the query vector and the document vector in every mode, 2 when either is
// missing. Unlike a hybrid Score it is not relative to the other hits.
type Hit struct {
	ID         string
	Content    string
	Source     string
	Score      float64
	Distance   float64
	SearchType SearchType
}

// Index is the vector store contract used by retrieval and ingestion
type Index interface {
	Upsert(ctx context.Context, docs []Document) error
	Query(ctx context.Context, q Query) ([]Hit, error)
	// DeleteSource removes every document of one source and returns how
	// many were removed
	DeleteSource(ctx context.Context, source string) (int, error)
	Close() error
}

var ErrInvalidQuery = errors.New("invalid index query")

func validate(q Query) error {
	if q.TopK <= 0 {
		return errors.Join(ErrInvalidQuery, errors.New("top_k must be positive"))
	}
	if q.Alpha < 0 || q.Alpha > 1 {
		return errors.Join(ErrInvalidQuery, errors.New("alpha must be in [0,1]"))
	}
	switch q.Mode {
	case SearchHybrid:
		if q.Text == "" && len(q.Vector) == 0 {
			return errors.Join(ErrInvalidQuery, errors.New("hybrid query needs text or vector"))
		}
	case SearchVector:
		if len(q.Vector) == 0 {
			return errors.Join(ErrInvalidQuery, errors.New("vector query needs a vector"))
		}
	default:
		return errors.Join(ErrInvalidQuery, errors.New("unknown mode "+string(q.Mode)))
	}
	return nil
}
