package index

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// BM25 parameters
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// MemoryIndex is an in-process Index with BM25 lexical scoring and cosine
// vector distance. Hybrid results fuse both after min-max normalization.
type MemoryIndex struct {
	mu     sync.RWMutex
	docs   map[string]*memDoc
	order  []string
	df     map[string]int
	totLen int
}

type memDoc struct {
	Document
	tf     map[string]int
	length int
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		docs: make(map[string]*memDoc),
		df:   make(map[string]int),
	}
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func (m *MemoryIndex) Upsert(ctx context.Context, docs []Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if old, ok := m.docs[d.ID]; ok {
			m.removeStats(old)
		} else {
			m.order = append(m.order, d.ID)
		}

		tokens := tokenize(d.Content)
		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}
		for t := range tf {
			m.df[t]++
		}
		m.totLen += len(tokens)
		m.docs[d.ID] = &memDoc{Document: d, tf: tf, length: len(tokens)}
	}
	return nil
}

func (m *MemoryIndex) DeleteSource(ctx context.Context, source string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.order[:0]
	removed := 0
	for _, id := range m.order {
		d := m.docs[id]
		if d.Source != source {
			kept = append(kept, id)
			continue
		}
		m.removeStats(d)
		delete(m.docs, id)
		removed++
	}
	m.order = kept
	return removed, nil
}

func (m *MemoryIndex) removeStats(d *memDoc) {
	for t := range d.tf {
		m.df[t]--
		if m.df[t] == 0 {
			delete(m.df, t)
		}
	}
	m.totLen -= d.length
}

func (m *MemoryIndex) Query(ctx context.Context, q Query) ([]Hit, error) {
	if err := validate(q); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if q.Mode == SearchVector {
		return m.vectorQuery(q), nil
	}
	return m.hybridQuery(q), nil
}

func (m *MemoryIndex) vectorQuery(q Query) []Hit {
	hits := make([]Hit, 0, len(m.docs))
	for _, id := range m.order {
		d := m.docs[id]
		if len(d.Vector) == 0 {
			continue
		}
		dist := CosineDistance(q.Vector, d.Vector)
		hits = append(hits, m.hit(d, dist, dist, SearchVector))
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score < hits[j].Score })
	return truncate(hits, q.TopK)
}

func (m *MemoryIndex) hybridQuery(q Query) []Hit {
	n := len(m.order)
	lexical := make([]float64, n)
	semantic := make([]float64, n)
	distance := make([]float64, n)
	hasVector := make([]bool, n)
	terms := tokenize(q.Text)

	for i, id := range m.order {
		d := m.docs[id]
		lexical[i] = m.bm25(d, terms)
		distance[i] = 2
		if len(q.Vector) > 0 && len(d.Vector) > 0 {
			distance[i] = CosineDistance(q.Vector, d.Vector)
			// similarity in [0,1]
			semantic[i] = 1 - distance[i]/2
			hasVector[i] = true
		}
	}
	normalizeMinMax(lexical)
	normalizeMinMax(semantic)

	alpha := float64(q.Alpha)
	hits := make([]Hit, 0, n)
	for i, id := range m.order {
		score := (1 - alpha) * lexical[i]
		if hasVector[i] {
			score += alpha * semantic[i]
		}
		hits = append(hits, m.hit(m.docs[id], score, distance[i], SearchHybrid))
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return truncate(hits, q.TopK)
}

func (m *MemoryIndex) bm25(d *memDoc, terms []string) float64 {
	if len(terms) == 0 || d.length == 0 {
		return 0
	}
	n := float64(len(m.docs))
	avgLen := float64(m.totLen) / n
	var score float64
	for _, t := range terms {
		tf := float64(d.tf[t])
		if tf == 0 {
			continue
		}
		df := float64(m.df[t])
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		score += idf * tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*float64(d.length)/avgLen))
	}
	return score
}

func (m *MemoryIndex) hit(d *memDoc, score, distance float64, st SearchType) Hit {
	return Hit{ID: d.ID, Content: d.Content, Source: d.Source, Score: score, Distance: distance, SearchType: st}
}

func (m *MemoryIndex) Close() error {
	return nil
}

// Len returns the number of stored documents
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func truncate(hits []Hit, k int) []Hit {
	if len(hits) > k {
		return hits[:k]
	}
	return hits
}

// normalizeMinMax rescales xs to [0,1] in place. A constant non-zero slice
// becomes all ones, an all-zero slice stays zero.
func normalizeMinMax(xs []float64) {
	if len(xs) == 0 {
		return
	}
	lo, hi := xs[0], xs[0]
	for _, x := range xs {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	for i, x := range xs {
		switch {
		case hi > lo:
			xs[i] = (x - lo) / (hi - lo)
		case hi > 0:
			xs[i] = 1
		default:
			xs[i] = 0
		}
	}
}

// CosineDistance returns 1 - cos(a, b) in [0,2]. Mismatched or zero vectors
// are maximally distant.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 2
	}
	d := 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	return math.Max(0, math.Min(2, d))
}
