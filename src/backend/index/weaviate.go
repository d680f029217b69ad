package index

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.uber.org/zap"
)

// WeaviateConfig locates the Weaviate instance and chunk class
type WeaviateConfig struct {
	Host      string `json:"host" yaml:"host"`
	Scheme    string `json:"scheme" yaml:"scheme"`
	APIKey    string `json:"-" yaml:"-"`
	ClassName string `json:"class_name" yaml:"class_name"`
}

// WeaviateIndex stores chunks as objects of one class with externally
// supplied vectors. The class is created by Weaviate's auto schema on first
// write.
type WeaviateIndex struct {
	client    *weaviate.Client
	className string
	logger    *zap.Logger
}

func NewWeaviateIndex(cfg WeaviateConfig, logger *zap.Logger) (*WeaviateIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.ClassName == "" {
		cfg.ClassName = "DocumentChunk"
	}
	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:    cfg.Host,
		Scheme:  cfg.Scheme,
		Headers: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return &WeaviateIndex{client: client, className: cfg.ClassName, logger: logger.Named("weaviate")}, nil
}

// Upsert creates or replaces each document. IDs must be UUIDs.
func (w *WeaviateIndex) Upsert(ctx context.Context, docs []Document) error {
	for _, d := range docs {
		props := map[string]interface{}{
			"content": d.Content,
			"source":  d.Source,
		}
		exists, err := w.client.Data().Checker().
			WithClassName(w.className).
			WithID(d.ID).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("check object %s: %w", d.ID, err)
		}

		if exists {
			err = w.client.Data().Updater().
				WithClassName(w.className).
				WithID(d.ID).
				WithProperties(props).
				WithVector(d.Vector).
				Do(ctx)
		} else {
			_, err = w.client.Data().Creator().
				WithClassName(w.className).
				WithID(d.ID).
				WithProperties(props).
				WithVector(d.Vector).
				Do(ctx)
		}
		if err != nil {
			return fmt.Errorf("upsert object %s: %w", d.ID, err)
		}
	}
	w.logger.Debug("objects upserted", zap.Int("count", len(docs)))
	return nil
}

// DeleteSource batch deletes the objects whose source property matches. A
// class that does not exist yet holds nothing to delete.
func (w *WeaviateIndex) DeleteSource(ctx context.Context, source string) (int, error) {
	exists, err := w.client.Schema().ClassExistenceChecker().
		WithClassName(w.className).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("check class %s: %w", w.className, err)
	}
	if !exists {
		return 0, nil
	}

	where := filters.Where().
		WithPath([]string{"source"}).
		WithOperator(filters.Equal).
		WithValueString(source)
	resp, err := w.client.Batch().ObjectsBatchDeleter().
		WithClassName(w.className).
		WithWhere(where).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete objects of %s: %w", source, err)
	}

	removed := 0
	if resp != nil && resp.Results != nil {
		removed = int(resp.Results.Successful)
	}
	w.logger.Debug("objects deleted", zap.String("source", source), zap.Int("count", removed))
	return removed, nil
}

func (w *WeaviateIndex) Query(ctx context.Context, q Query) ([]Hit, error) {
	if err := validate(q); err != nil {
		return nil, err
	}

	additional := []graphql.Field{{Name: "id"}, {Name: "distance"}, {Name: "score"}}
	if q.Mode == SearchHybrid && len(q.Vector) > 0 {
		// hybrid results carry no distance, it is recomputed from the vector
		additional = append(additional, graphql.Field{Name: "vector"})
	}
	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
		{Name: "_additional", Fields: additional},
	}

	get := w.client.GraphQL().Get().
		WithClassName(w.className).
		WithLimit(q.TopK).
		WithFields(fields...)

	if q.Mode == SearchHybrid {
		hybrid := w.client.GraphQL().HybridArgumentBuilder().
			WithQuery(q.Text).
			WithAlpha(q.Alpha)
		if len(q.Vector) > 0 {
			hybrid = hybrid.WithVector(q.Vector)
		}
		get = get.WithHybrid(hybrid)
	} else {
		nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(q.Vector)
		get = get.WithNearVector(nearVector)
	}

	result, err := get.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate query: %w", err)
	}
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("weaviate query: %s", strings.Join(msgs, "; "))
	}

	// Marshal to JSON and unmarshal to a typed struct
	raw, err := json.Marshal(result.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal weaviate response: %w", err)
	}
	return parseHits(raw, w.className, q)
}

func (w *WeaviateIndex) Close() error {
	return nil
}

type weaviateObject struct {
	Content    string `json:"content"`
	Source     string `json:"source"`
	Additional struct {
		ID       string          `json:"id"`
		Distance *float64        `json:"distance"`
		Score    json.RawMessage `json:"score"`
		Vector   []float32       `json:"vector"`
	} `json:"_additional"`
}

// parseHits decodes {"Get": {"<Class>": [...]}}. Hybrid scores arrive as
// strings, distances as numbers.
func parseHits(raw []byte, className string, q Query) ([]Hit, error) {
	var resp struct {
		Get map[string][]weaviateObject `json:"Get"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal weaviate response: %w", err)
	}

	objects := resp.Get[className]
	hits := make([]Hit, 0, len(objects))
	for _, o := range objects {
		h := Hit{
			ID:         o.Additional.ID,
			Content:    o.Content,
			Source:     o.Source,
			Distance:   2,
			SearchType: q.Mode,
		}
		switch {
		case o.Additional.Distance != nil:
			h.Distance = *o.Additional.Distance
		case len(o.Additional.Vector) > 0:
			h.Distance = CosineDistance(q.Vector, o.Additional.Vector)
		}
		if q.Mode == SearchVector {
			h.Score = h.Distance
		} else {
			h.Score = parseScore(o.Additional.Score)
		}
		hits = append(hits, h)
	}
	return hits, nil
}

func parseScore(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return 0
}
