//go:build integration && onnx

package detectors

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

var testModelDir = getEnvOrDefault("ONNX_MODEL_DIR", "../../../../model/quantized")

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func newTestONNXDetector(t *testing.T) *ONNXModelDetector {
	t.Helper()
	cfg := ONNXConfig{
		ModelPath:     filepath.Join(testModelDir, "model_quantized.onnx"),
		TokenizerPath: filepath.Join(testModelDir, "tokenizer.json"),
		LabelMapPath:  filepath.Join(testModelDir, "label_mappings.json"),
	}
	for _, p := range []string{cfg.ModelPath, cfg.TokenizerPath, cfg.LabelMapPath} {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			t.Skipf("Skipping: model artifact not found at %s", p)
		}
	}

	detector, err := NewONNXModelDetector(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}
	t.Cleanup(func() { _ = detector.Close() })
	return detector
}

func TestONNXModelDetector_NewDetector(t *testing.T) {
	detector := newTestONNXDetector(t)

	if detector.tokenizer == nil {
		t.Error("Expected tokenizer to be initialized")
	}
	if detector.numLabels == 0 {
		t.Error("Expected numLabels > 0")
	}
}

func TestONNXModelDetector_Detect_LongText(t *testing.T) {
	detector := newTestONNXDetector(t)

	longText := "Contact John Doe at john.doe@example.com. " +
		strings.Repeat("This is some filler text to make the input very long. ", 100) +
		"Also reach out to Jane Smith at jane@test.org."

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	output, err := detector.Detect(ctx, DetectorInput{Text: longText})
	if err != nil {
		t.Fatalf("Detect failed on long text: %v", err)
	}
	if len(output.Entities) == 0 {
		t.Error("Expected to detect entities in long text")
	}
	for _, e := range output.Entities {
		if longText[e.StartPos:e.EndPos] != e.Text {
			t.Errorf("Entity %q does not match its offsets [%d:%d]", e.Text, e.StartPos, e.EndPos)
		}
	}
}

func TestONNXModelDetector_Detect_ContextCancellation(t *testing.T) {
	detector := newTestONNXDetector(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := detector.Detect(ctx, DetectorInput{Text: strings.Repeat("This is test text with name John Doe. ", 200)})
	if err == nil {
		t.Error("Expected error for cancelled context")
	}
}

func TestONNXModelDetector_EmptyText(t *testing.T) {
	detector := newTestONNXDetector(t)

	output, err := detector.Detect(context.Background(), DetectorInput{Text: ""})
	if err != nil {
		t.Fatalf("Detect failed on empty text: %v", err)
	}
	if len(output.Entities) != 0 {
		t.Errorf("Expected 0 entities for empty text, got %d", len(output.Entities))
	}
}
