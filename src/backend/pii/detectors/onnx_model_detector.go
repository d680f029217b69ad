package detectors

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/daulet/tokenizers"
	onnxruntime "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

const (
	maxSeqLen    = 512 // max_position_embeddings of the NER model
	chunkOverlap = 64
	minTokenProb = 0.5
)

var onnxEnvMu sync.Mutex

// EnsureONNXRuntime initializes the shared ONNX Runtime environment once per
// process. An empty libPath falls back to ONNXRUNTIME_SHARED_LIBRARY_PATH and
// a few conventional locations.
func EnsureONNXRuntime(libPath string) error {
	onnxEnvMu.Lock()
	defer onnxEnvMu.Unlock()

	if onnxruntime.IsInitialized() {
		return nil
	}

	if libPath == "" {
		libPath = os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")
	}
	if libPath == "" {
		candidates := []string{
			"./libonnxruntime.so",
			"./build/libonnxruntime.so",
			"/usr/lib/libonnxruntime.so",
			"./libonnxruntime.dylib",
			"./build/libonnxruntime.dylib",
		}
		for _, path := range candidates {
			if _, err := os.Stat(path); err == nil {
				libPath = path
				break
			}
		}
	}
	if libPath != "" {
		onnxruntime.SetSharedLibraryPath(libPath)
	}

	if err := onnxruntime.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
	}
	return nil
}

// ShutdownONNXRuntime releases the shared ONNX Runtime environment.
func ShutdownONNXRuntime() error {
	onnxEnvMu.Lock()
	defer onnxEnvMu.Unlock()

	if !onnxruntime.IsInitialized() {
		return nil
	}
	return onnxruntime.DestroyEnvironment()
}

// ONNXConfig holds paths to the NER model artifacts
type ONNXConfig struct {
	ModelPath         string
	TokenizerPath     string
	LabelMapPath      string
	SharedLibraryPath string
	OutputName        string
}

// ONNXModelDetector implements Detector with a token-classification model
// exported to ONNX. Inference shares one set of tensors, so calls are
// serialized.
type ONNXModelDetector struct {
	mu           sync.Mutex
	tokenizer    *tokenizers.Tokenizer
	session      *onnxruntime.AdvancedSession
	inputTensor  *onnxruntime.Tensor[int64]
	maskTensor   *onnxruntime.Tensor[int64]
	outputTensor *onnxruntime.Tensor[float32]
	id2label     map[string]string
	numLabels    int
	modelPath    string
	outputName   string
	logger       *zap.Logger
}

// tokenChunk is one model-sized window over the tokenized input
type tokenChunk struct {
	tokenIDs        []uint32
	offsets         []tokenizers.Offset
	startTokenIndex int
	isFirst         bool
	isLast          bool
}

// safeUintToInt converts a uint to int, clamping on overflow
func safeUintToInt(val uint) int {
	const maxInt = int(^uint(0) >> 1)
	if val <= uint(maxInt) {
		// #nosec G115 - Safe conversion with bounds checking
		return int(val)
	}
	return maxInt
}

// NewONNXModelDetector loads the tokenizer and label map. The inference session
// is created lazily on first use.
func NewONNXModelDetector(cfg ONNXConfig, logger *zap.Logger) (*ONNXModelDetector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := EnsureONNXRuntime(cfg.SharedLibraryPath); err != nil {
		return nil, err
	}

	tk, err := tokenizers.FromFile(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	// #nosec G304 - label map path comes from the model directory
	configData, err := os.ReadFile(cfg.LabelMapPath)
	if err != nil {
		_ = tk.Close()
		return nil, fmt.Errorf("failed to read label mappings: %w", err)
	}

	id2label, numLabels, err := parseLabelMappings(configData)
	if err != nil {
		_ = tk.Close()
		return nil, err
	}

	outputName := cfg.OutputName
	if outputName == "" {
		outputName = "pii_logits"
	}

	logger.Info("loaded NER label map", zap.Int("labels", numLabels), zap.String("model", cfg.ModelPath))

	return &ONNXModelDetector{
		tokenizer:  tk,
		id2label:   id2label,
		numLabels:  numLabels,
		modelPath:  cfg.ModelPath,
		outputName: outputName,
		logger:     logger,
	}, nil
}

// parseLabelMappings reads {"pii": {"id2label": {...}}} or a flat
// {"id2label": {...}} document and returns the label table and its width.
func parseLabelMappings(data []byte) (map[string]string, int, error) {
	var config struct {
		PII struct {
			ID2Label map[string]string `json:"id2label"`
			Label2ID map[string]int    `json:"label2id"`
		} `json:"pii"`
		ID2Label map[string]string `json:"id2label"`
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, 0, fmt.Errorf("failed to parse label mappings: %w", err)
	}

	id2label := config.PII.ID2Label
	if len(id2label) == 0 {
		id2label = config.ID2Label
	}

	numLabels := 0
	for idStr := range id2label {
		// -100 is the IGNORE label used during training
		if idStr == "-100" {
			continue
		}
		if id, err := strconv.Atoi(idStr); err == nil && id >= numLabels {
			numLabels = id + 1
		}
	}
	if numLabels == 0 {
		numLabels = len(config.PII.Label2ID)
	}
	if numLabels == 0 {
		return nil, 0, fmt.Errorf("label mappings contain no labels")
	}
	return id2label, numLabels, nil
}

// GetName returns the name of this detector
func (d *ONNXModelDetector) GetName() string {
	return DetectorNameONNX
}

// Detect tokenizes the input, runs the model over overlapping windows and
// merges the per-window entities.
func (d *ONNXModelDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	if input.Text == "" {
		return DetectorOutput{Text: input.Text, Entities: []Entity{}}, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session == nil {
		if err := d.initializeSession(); err != nil {
			return DetectorOutput{}, fmt.Errorf("failed to initialize session: %w", err)
		}
	}

	encoding := d.tokenizer.EncodeWithOptions(input.Text, true, tokenizers.WithReturnOffsets())
	chunks := chunkTokens(encoding.IDs, encoding.Offsets)

	perChunk := make([][]Entity, 0, len(chunks))
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return DetectorOutput{}, err
		}

		inputIDs := make([]int64, len(chunk.tokenIDs))
		attentionMask := make([]int64, len(chunk.tokenIDs))
		for i := range chunk.tokenIDs {
			inputIDs[i] = int64(chunk.tokenIDs[i])
			attentionMask[i] = 1
		}
		d.updateInputTensors(inputIDs, attentionMask)

		if err := d.session.Run(); err != nil {
			return DetectorOutput{}, fmt.Errorf("failed to run inference: %w", err)
		}

		perChunk = append(perChunk, d.decodeChunk(input.Text, chunk))
	}

	entities := mergeChunkEntities(perChunk)
	d.logger.Debug("model detection finished", zap.Int("entities", len(entities)), zap.Int("windows", len(chunks)))

	return DetectorOutput{
		Text:     input.Text,
		Entities: entities,
	}, nil
}

// chunkTokens splits a token sequence into windows of at most maxSeqLen tokens
// overlapping by chunkOverlap, so entities on a window boundary are seen whole
// by at least one window.
func chunkTokens(tokenIDs []uint32, offsets []tokenizers.Offset) []tokenChunk {
	n := len(tokenIDs)
	if len(offsets) < n {
		n = len(offsets)
	}
	if n <= maxSeqLen {
		return []tokenChunk{{
			tokenIDs:        tokenIDs[:n],
			offsets:         offsets[:n],
			startTokenIndex: 0,
			isFirst:         true,
			isLast:          true,
		}}
	}

	stride := maxSeqLen - chunkOverlap
	var chunks []tokenChunk
	for start := 0; start < n; start += stride {
		end := start + maxSeqLen
		if end > n {
			end = n
		}
		chunks = append(chunks, tokenChunk{
			tokenIDs:        tokenIDs[start:end],
			offsets:         offsets[start:end],
			startTokenIndex: start,
			isFirst:         start == 0,
			isLast:          end == n,
		})
		if end == n {
			break
		}
	}
	return chunks
}

// decodeChunk converts the logits of one window into BIO-grouped entities
func (d *ONNXModelDetector) decodeChunk(originalText string, chunk tokenChunk) []Entity {
	outputData := d.outputTensor.GetData()
	entities := []Entity{}

	var current *Entity
	var currentTokens []int

	flush := func() {
		if current != nil {
			d.finalizeEntity(current, currentTokens, originalText, chunk.offsets)
			if current.Text != "" {
				entities = append(entities, *current)
			}
			current = nil
			currentTokens = nil
		}
	}

	for i := range chunk.tokenIDs {
		startIdx := i * d.numLabels
		endIdx := (i + 1) * d.numLabels
		if endIdx > len(outputData) {
			break
		}

		// Special tokens carry an empty offset range
		if chunk.offsets[i][0] == chunk.offsets[i][1] {
			flush()
			continue
		}

		bestClass, confidence := softmaxArgmax(outputData[startIdx:endIdx])
		label, ok := d.id2label[strconv.Itoa(bestClass)]
		if !ok || confidence < minTokenProb {
			label = "O"
		}

		isInside := strings.HasPrefix(label, "I-")
		baseLabel := NormalizeLabel(strings.TrimPrefix(strings.TrimPrefix(label, "B-"), "I-"))

		switch {
		case label != "O" && isInside && current != nil && current.Label == baseLabel:
			currentTokens = append(currentTokens, i)
			current.Confidence = (current.Confidence + confidence) / 2
		case label != "O":
			flush()
			current = &Entity{Label: baseLabel, Confidence: confidence}
			currentTokens = []int{i}
		default:
			flush()
		}
	}
	flush()

	return entities
}

// softmaxArgmax returns the index and softmax probability of the largest logit
func softmaxArgmax(logits []float32) (int, float64) {
	best := 0
	maxLogit := float64(-math.MaxFloat64)
	for j, logit := range logits {
		if float64(logit) > maxLogit {
			maxLogit = float64(logit)
			best = j
		}
	}
	var sum float64
	for _, logit := range logits {
		sum += math.Exp(float64(logit) - maxLogit)
	}
	if sum == 0 {
		return best, 0
	}
	return best, 1 / sum
}

// finalizeEntity extracts the span text from the original string using token offsets
func (d *ONNXModelDetector) finalizeEntity(entity *Entity, tokenIndices []int, originalText string, offsets []tokenizers.Offset) {
	if len(tokenIndices) == 0 {
		return
	}

	startOffset := offsets[tokenIndices[0]]
	endOffset := offsets[tokenIndices[len(tokenIndices)-1]]
	start := safeUintToInt(startOffset[0])
	end := safeUintToInt(endOffset[1])
	if start < 0 || end > len(originalText) || start >= end {
		return
	}

	entity.Text = originalText[start:end]
	entity.StartPos = start
	entity.EndPos = end
}

// initializeSession creates the ONNX session and its fixed-size tensors
func (d *ONNXModelDetector) initializeSession() error {
	batchSize := int64(1)

	inputShape := onnxruntime.NewShape(batchSize, maxSeqLen)
	inputTensor, err := onnxruntime.NewTensor(inputShape, make([]int64, maxSeqLen))
	if err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}

	maskTensor, err := onnxruntime.NewTensor(inputShape, make([]int64, maxSeqLen))
	if err != nil {
		_ = inputTensor.Destroy()
		return fmt.Errorf("failed to create mask tensor: %w", err)
	}

	outputShape := onnxruntime.NewShape(batchSize, maxSeqLen, int64(d.numLabels))
	outputTensor, err := onnxruntime.NewEmptyTensor[float32](outputShape)
	if err != nil {
		_ = inputTensor.Destroy()
		_ = maskTensor.Destroy()
		return fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := onnxruntime.NewAdvancedSession(d.modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{d.outputName},
		[]onnxruntime.Value{inputTensor, maskTensor},
		[]onnxruntime.Value{outputTensor},
		nil)
	if err != nil {
		_ = inputTensor.Destroy()
		_ = maskTensor.Destroy()
		_ = outputTensor.Destroy()
		return fmt.Errorf("failed to create session: %w", err)
	}

	d.session = session
	d.inputTensor = inputTensor
	d.maskTensor = maskTensor
	d.outputTensor = outputTensor
	return nil
}

// updateInputTensors zero-pads and copies a window into the input tensors
func (d *ONNXModelDetector) updateInputTensors(inputIDs, attentionMask []int64) {
	inputData := d.inputTensor.GetData()
	maskData := d.maskTensor.GetData()

	for i := range inputData {
		inputData[i] = 0
		maskData[i] = 0
	}

	copy(inputData, inputIDs)
	copy(maskData, attentionMask)
}

// Close releases the session, tensors and tokenizer. The shared runtime
// environment is left to ShutdownONNXRuntime.
func (d *ONNXModelDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	if d.session != nil {
		if err := d.session.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy session: %w", err))
		}
		d.session = nil
	}
	if d.inputTensor != nil {
		if err := d.inputTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy input tensor: %w", err))
		}
	}
	if d.maskTensor != nil {
		if err := d.maskTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy mask tensor: %w", err))
		}
	}
	if d.outputTensor != nil {
		if err := d.outputTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy output tensor: %w", err))
		}
	}
	d.inputTensor, d.maskTensor, d.outputTensor = nil, nil, nil

	if d.tokenizer != nil {
		if err := d.tokenizer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close tokenizer: %w", err))
		}
		d.tokenizer = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}
	return nil
}
