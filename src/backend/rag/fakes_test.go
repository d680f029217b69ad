package rag

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/hannes/kiji-rag/src/backend/providers"
)

type fakeProvider struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []providers.Request
}

func (f *fakeProvider) GetType() providers.ProviderType { return "fake" }
func (f *fakeProvider) GetName() string                 { return "fake" }
func (f *fakeProvider) ValidateConfig() error           { return nil }

func (f *fakeProvider) Complete(ctx context.Context, req providers.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.reply, f.err
}

func (f *fakeProvider) Stream(ctx context.Context, req providers.Request, onDelta func(string) error) error {
	out, err := f.Complete(ctx, req)
	if err != nil {
		return err
	}
	return onDelta(out)
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// fakeEmbedder maps text to a fixed vector, failing on texts containing FAIL
type fakeEmbedder struct{}

func (fakeEmbedder) Name() string { return "fake" }

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(text, "FAIL") {
		return nil, errors.New("embedding backend down")
	}
	return []float32{1, 0, 0}, nil
}

func (e fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// fixedEmbedder returns the same vector for every text
type fixedEmbedder []float32

func (fixedEmbedder) Name() string { return "fixed" }

func (f fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f, nil
}

func (f fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f
	}
	return out, nil
}

type fakeEncoder struct {
	scores []float64
	err    error
}

func (f fakeEncoder) Score(ctx context.Context, query string, docs []string) ([]float64, error) {
	return f.scores, f.err
}

func (f fakeEncoder) Close() error { return nil }
