package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEmbedder struct {
	name  string
	calls [][]string
	err   error
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls = append(c.calls, texts)
	if c.err != nil {
		return nil, c.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 0.5, -1.25}
	}
	return out, nil
}

func (c *countingEmbedder) Name() string {
	if c.name != "" {
		return c.name
	}
	return "counting"
}

func TestCachedEmbedder_ServesHitsAndEmbedsMisses(t *testing.T) {
	inner := &countingEmbedder{}
	c, err := NewCachedEmbedder(inner, filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	first, err := c.EmbedBatch(ctx, []string{"a", "bb"})
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 0.5, -1.25}, first[1])

	second, err := c.EmbedBatch(ctx, []string{"bb", "ccc", "a"})
	require.NoError(t, err)
	assert.Equal(t, first[1], second[0])
	assert.Equal(t, first[0], second[2])
	assert.Equal(t, []float32{3, 0.5, -1.25}, second[1])

	require.Len(t, inner.calls, 2)
	assert.Equal(t, []string{"ccc"}, inner.calls[1], "only the miss is embedded")
}

func TestCachedEmbedder_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	inner := &countingEmbedder{}

	c, err := NewCachedEmbedder(inner, path)
	require.NoError(t, err)
	_, err = c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c, err = NewCachedEmbedder(inner, path)
	require.NoError(t, err)
	defer c.Close()
	v, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, float32(5), v[0])
	assert.Len(t, inner.calls, 1)
}

func TestCachedEmbedder_PropagatesErrors(t *testing.T) {
	inner := &countingEmbedder{err: errors.New("quota")}
	c, err := NewCachedEmbedder(inner, filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Embed(context.Background(), "x")
	assert.Error(t, err)
}

func TestCachedEmbedder_WithSharesDatabaseByName(t *testing.T) {
	docs := &countingEmbedder{name: "m:RETRIEVAL_DOCUMENT"}
	queries := &countingEmbedder{name: "m:RETRIEVAL_QUERY"}
	c, err := NewCachedEmbedder(docs, filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer c.Close()
	q := c.With(queries)
	ctx := context.Background()

	_, err = c.Embed(ctx, "tax")
	require.NoError(t, err)
	_, err = q.Embed(ctx, "tax")
	require.NoError(t, err)
	_, err = q.Embed(ctx, "tax")
	require.NoError(t, err)

	assert.Len(t, docs.calls, 1)
	assert.Len(t, queries.calls, 1, "query vectors are cached apart from document vectors")
	require.NoError(t, q.Close())
	_, err = c.Embed(ctx, "tax")
	assert.NoError(t, err, "closing the view keeps the database open")
}

func TestNew_OpenAIUsesOneEmbedderForBoth(t *testing.T) {
	set, err := New(context.Background(), Config{Provider: "openai", BaseURL: "http://localhost:1", Model: "m"})
	require.NoError(t, err)
	defer set.Close()
	assert.Same(t, set.Documents, set.Queries)

	_, err = New(context.Background(), Config{Provider: "bogus"})
	assert.Error(t, err)
}

func TestValidTaskType(t *testing.T) {
	assert.Equal(t, "RETRIEVAL_DOCUMENT", validTaskType("RETRIEVAL_DOCUMENT"))
	assert.Equal(t, "RETRIEVAL_QUERY", validTaskType(""))
	assert.Equal(t, "RETRIEVAL_QUERY", validTaskType("nonsense"))
}

func TestOpenAIEmbedder_OrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"one", "two"}, req.Input)
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[2]},{"index":0,"embedding":[1]}]}`))
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(srv.URL, "", "m", 0)
	out, err := e.EmbedBatch(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}, {2}}, out)
}

func TestOpenAIEmbedder_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIEmbedder(srv.URL, "", "m", 0).Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoEmbeddings)
}

func TestVectorCodec(t *testing.T) {
	v := []float32{0, 1.5, -3.25, 1e-7}
	assert.Equal(t, v, decodeVector(encodeVector(v)))
}
