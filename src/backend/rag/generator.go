package rag

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/hannes/kiji-rag/src/backend/providers"
)

// InsufficientInfoMessage replaces the draft answer when the gate fails
const InsufficientInfoMessage = "I don't have enough reliable information to answer this question accurately. " +
	"Please try rephrasing your question or provide more context."

const generatorSystemPrompt = `You are a precise assistant answering questions from the provided document excerpts.
Use only the information in the excerpts. If they do not contain the answer, say so.
Placeholders such as Name_1A2B3C or Email_1A2B3C@example.com stand for real values; copy them verbatim and never invent new ones.
Cite the source file names you used.`

// Generator drafts an answer from reranked chunks and applies the
// confidence gate.
type Generator struct {
	provider      providers.Provider
	minConfidence float64
	contextChunks int
	logger        *zap.Logger
}

func NewGenerator(provider providers.Provider, opts Options, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ContextChunks <= 0 {
		opts.ContextChunks = DefaultRerankTopK
	}
	return &Generator{
		provider:      provider,
		minConfidence: opts.MinRetrievalConfidence,
		contextChunks: opts.ContextChunks,
		logger:        logger.Named("generator"),
	}
}

// BestDistance returns the smallest raw cosine distance among the chunks.
// Fused hybrid scores are ignored since they only rank hits against each
// other. An empty slice yields the maximum distance 2.
func BestDistance(chunks []RerankedChunk) float64 {
	best := 2.0
	for _, c := range chunks {
		best = math.Min(best, c.Distance)
	}
	return math.Max(0, best)
}

// Gate reports whether confidence is too low to present an answer.
// Confidence equal to the minimum passes.
func (g *Generator) Gate(confidence float64) bool {
	return confidence < g.minConfidence
}

// Generate drafts an answer and gates it. Provider errors are returned so
// the caller can substitute its own error text.
func (g *Generator) Generate(ctx context.Context, query string, chunks []RerankedChunk, history []providers.Message) (GenerationResult, error) {
	confidence := DistanceToConfidence(BestDistance(chunks))
	sources := uniqueSources(chunks)

	result := GenerationResult{Confidence: confidence, Sources: sources}
	if g.Gate(confidence) {
		g.logger.Info("retrieval confidence below threshold",
			zap.Float64("confidence", confidence), zap.Float64("min", g.minConfidence))
		result.Response = InsufficientInfoMessage
		result.InsufficientInfo = true
		return result, nil
	}

	used := chunks
	if len(used) > g.contextChunks {
		used = used[:g.contextChunks]
	}
	messages := make([]providers.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, providers.Message{Role: providers.RoleUser, Content: BuildPrompt(query, used)})

	answer, err := g.provider.Complete(ctx, providers.Request{
		System:      generatorSystemPrompt,
		Messages:    messages,
		Temperature: 0.1,
	})
	if err != nil {
		return result, fmt.Errorf("generate answer: %w", err)
	}
	result.Response = strings.TrimSpace(answer)
	return result, nil
}

// BuildPrompt formats excerpts followed by the question
func BuildPrompt(query string, chunks []RerankedChunk) string {
	var b strings.Builder
	b.WriteString("Document excerpts:\n")
	for i, c := range chunks {
		fmt.Fprintf(&b, "\n[%d] (source: %s)\n%s\n", i+1, c.Source, c.Content)
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(query)
	return b.String()
}

func uniqueSources(chunks []RerankedChunk) []string {
	seen := make(map[string]bool, len(chunks))
	sources := []string{}
	for _, c := range chunks {
		if c.Source == "" || seen[c.Source] {
			continue
		}
		seen[c.Source] = true
		sources = append(sources, c.Source)
	}
	return sources
}
