package rag

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hannes/kiji-rag/src/backend/embedding"
	"github.com/hannes/kiji-rag/src/backend/index"
)

const (
	embedBatchSize   = 32
	embedConcurrency = 4
)

// chunkNamespace seeds the UUIDv5 chunk ids so re-ingesting a file
// overwrites its previous chunks.
var chunkNamespace = uuid.MustParse("6f1c2d3e-9a4b-5c6d-8e7f-0a1b2c3d4e5f")

// FileReport is the outcome for one ingested file
type FileReport struct {
	Path   string `json:"path"`
	Chunks int    `json:"chunks"`
	Error  string `json:"error,omitempty"`
}

// IngestReport summarizes a directory ingestion
type IngestReport struct {
	Ingested       int           `json:"documents_ingested"`
	Failed         int           `json:"failed_documents"`
	Chunks         int           `json:"chunks_processed"`
	Files          []FileReport  `json:"files"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// Ingestor chunks pre-extracted text, embeds it and writes it to the index
type Ingestor struct {
	chunker  Chunker
	embedder embedding.Embedder
	index    index.Index
	logger   *zap.Logger
}

func NewIngestor(chunker Chunker, embedder embedding.Embedder, idx index.Index, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{chunker: chunker, embedder: embedder, index: idx, logger: logger.Named("ingestor")}
}

// ChunkID derives a stable id from the source and chunk position
func ChunkID(source string, n int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(source+"#"+strconv.Itoa(n))).String()
}

// IngestDirectory ingests every .txt file directly under dir. A failing
// file is reported and does not stop the others.
func (in *Ingestor) IngestDirectory(ctx context.Context, dir string) (IngestReport, error) {
	start := time.Now()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return IngestReport{}, fmt.Errorf("read directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".txt") {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		in.logger.Warn("no text files found", zap.String("dir", dir))
	}

	report := IngestReport{Files: []FileReport{}}
	for i, p := range paths {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		in.logger.Info("ingesting file", zap.Int("n", i+1), zap.Int("total", len(paths)), zap.String("path", p))

		fr := FileReport{Path: p}
		data, err := os.ReadFile(p)
		if err == nil {
			fr.Chunks, err = in.IngestText(ctx, string(data), p)
		}
		if err != nil {
			in.logger.Error("failed to ingest file", zap.String("path", p), zap.Error(err))
			fr.Error = err.Error()
			report.Failed++
		} else {
			report.Ingested++
			report.Chunks += fr.Chunks
		}
		report.Files = append(report.Files, fr)
	}
	report.ProcessingTime = time.Since(start)
	return report, nil
}

// IngestText chunks, embeds and upserts one document. The previous chunks
// of the source are deleted first so a shorter revision leaves no stale
// tail. It returns the number of chunks written.
func (in *Ingestor) IngestText(ctx context.Context, text, source string) (int, error) {
	chunks := in.chunker.Split(text)

	vectors := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for lo := 0; lo < len(chunks); lo += embedBatchSize {
		lo := lo
		hi := min(lo+embedBatchSize, len(chunks))
		g.Go(func() error {
			vecs, err := in.embedder.EmbedBatch(gctx, chunks[lo:hi])
			if err != nil {
				return fmt.Errorf("embed chunks %d-%d: %w", lo, hi, err)
			}
			if len(vecs) != hi-lo {
				return fmt.Errorf("embed chunks %d-%d: got %d vectors", lo, hi, len(vecs))
			}
			copy(vectors[lo:hi], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	removed, err := in.index.DeleteSource(ctx, source)
	if err != nil {
		return 0, fmt.Errorf("delete previous chunks: %w", err)
	}
	if removed > len(chunks) {
		in.logger.Debug("dropped stale chunks", zap.String("source", source), zap.Int("stale", removed-len(chunks)))
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	docs := make([]index.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = index.Document{ID: ChunkID(source, i), Content: c, Source: source, Vector: vectors[i]}
	}
	if err := in.index.Upsert(ctx, docs); err != nil {
		return 0, fmt.Errorf("upsert chunks: %w", err)
	}
	return len(docs), nil
}
