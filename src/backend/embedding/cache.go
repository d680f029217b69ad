package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	bolt "go.etcd.io/bbolt"
)

const cacheBucket = "embeddings"

// CachedEmbedder keeps vectors in an embedded bbolt database keyed by the
// backend name and the text, so re-ingesting unchanged chunks and repeated
// queries skip the remote call.
type CachedEmbedder struct {
	next  Embedder
	db    *bolt.DB
	owner bool
}

// NewCachedEmbedder opens (or creates) the bbolt database at path
func NewCachedEmbedder(next Embedder, path string) (*CachedEmbedder, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open embedding cache %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(cacheBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cache bucket: %w", err)
	}
	return &CachedEmbedder{next: next, db: db, owner: true}, nil
}

// With caches another embedder in the same database. Closing the returned
// embedder leaves the database open.
func (c *CachedEmbedder) With(next Embedder) *CachedEmbedder {
	return &CachedEmbedder{next: next, db: c.db}
}

func (c *CachedEmbedder) key(text string) []byte {
	sum := sha256.Sum256([]byte(c.next.Name() + "\x00" + text))
	return sum[:]
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch serves cached vectors and embeds only the misses
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cacheBucket))
		for i, text := range texts {
			if v := b.Get(c.key(text)); v != nil {
				out[i] = decodeVector(v)
				continue
			}
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, text)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read embedding cache: %w", err)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	fresh, err := c.next.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missTexts) {
		return nil, fmt.Errorf("%w: got %d for %d texts", ErrNoEmbeddings, len(fresh), len(missTexts))
	}

	err = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cacheBucket))
		for j, i := range missIdx {
			out[i] = fresh[j]
			if err := b.Put(c.key(missTexts[j]), encodeVector(fresh[j])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("write embedding cache: %w", err)
	}
	return out, nil
}

func (c *CachedEmbedder) Name() string {
	return c.next.Name()
}

func (c *CachedEmbedder) Close() error {
	if !c.owner {
		return nil
	}
	return c.db.Close()
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// decodeVector copies out of the bbolt page, which is only valid inside the
// transaction
func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
