package rag

import (
	"context"
	"fmt"
	"sync"

	"github.com/daulet/tokenizers"
	onnxruntime "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/hannes/kiji-rag/src/backend/pii/detectors"
)

const crossEncoderMaxLen = 512

// ONNXCrossEncoderConfig points at a sequence classification model with a
// single relevance logit, such as ms-marco-MiniLM exported to ONNX.
type ONNXCrossEncoderConfig struct {
	ModelPath         string `json:"model_path" yaml:"model_path"`
	TokenizerPath     string `json:"tokenizer_path" yaml:"tokenizer_path"`
	SharedLibraryPath string `json:"shared_library_path" yaml:"shared_library_path"`
	OutputName        string `json:"output_name" yaml:"output_name"`
	ClsID             uint32 `json:"cls_id" yaml:"cls_id"`
	SepID             uint32 `json:"sep_id" yaml:"sep_id"`
}

// ONNXCrossEncoder scores pairs one at a time on shared tensors, so calls
// are serialized.
type ONNXCrossEncoder struct {
	mu           sync.Mutex
	tokenizer    *tokenizers.Tokenizer
	session      *onnxruntime.AdvancedSession
	inputTensor  *onnxruntime.Tensor[int64]
	maskTensor   *onnxruntime.Tensor[int64]
	typeTensor   *onnxruntime.Tensor[int64]
	outputTensor *onnxruntime.Tensor[float32]
	clsID, sepID uint32
	logger       *zap.Logger
}

func NewONNXCrossEncoder(cfg ONNXCrossEncoderConfig, logger *zap.Logger) (*ONNXCrossEncoder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "logits"
	}
	if cfg.ClsID == 0 && cfg.SepID == 0 {
		cfg.ClsID, cfg.SepID = 101, 102
	}
	if err := detectors.EnsureONNXRuntime(cfg.SharedLibraryPath); err != nil {
		return nil, err
	}

	tk, err := tokenizers.FromFile(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	e := &ONNXCrossEncoder{tokenizer: tk, clsID: cfg.ClsID, sepID: cfg.SepID, logger: logger.Named("cross_encoder")}
	if err := e.initializeSession(cfg.ModelPath, cfg.OutputName); err != nil {
		_ = tk.Close()
		return nil, err
	}
	return e, nil
}

func (e *ONNXCrossEncoder) initializeSession(modelPath, outputName string) error {
	shape := onnxruntime.NewShape(1, crossEncoderMaxLen)
	var err error
	if e.inputTensor, err = onnxruntime.NewTensor(shape, make([]int64, crossEncoderMaxLen)); err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}
	if e.maskTensor, err = onnxruntime.NewTensor(shape, make([]int64, crossEncoderMaxLen)); err != nil {
		e.destroyTensors()
		return fmt.Errorf("failed to create mask tensor: %w", err)
	}
	if e.typeTensor, err = onnxruntime.NewTensor(shape, make([]int64, crossEncoderMaxLen)); err != nil {
		e.destroyTensors()
		return fmt.Errorf("failed to create token type tensor: %w", err)
	}
	if e.outputTensor, err = onnxruntime.NewEmptyTensor[float32](onnxruntime.NewShape(1, 1)); err != nil {
		e.destroyTensors()
		return fmt.Errorf("failed to create output tensor: %w", err)
	}

	e.session, err = onnxruntime.NewAdvancedSession(modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{outputName},
		[]onnxruntime.Value{e.inputTensor, e.maskTensor, e.typeTensor},
		[]onnxruntime.Value{e.outputTensor},
		nil)
	if err != nil {
		e.destroyTensors()
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// encodePair builds [CLS] query [SEP] doc [SEP], truncating the document
// first and then the query to fit maxLen.
func encodePair(query, doc []uint32, cls, sep uint32, maxLen int) (ids, typeIDs []int64) {
	budget := maxLen - 3
	if budget < 0 {
		budget = 0
	}
	if len(query)+len(doc) > budget {
		keep := budget - len(query)
		if keep < 0 {
			keep = 0
		}
		if keep < len(doc) {
			doc = doc[:keep]
		}
		if len(query) > budget {
			query = query[:budget]
		}
	}

	ids = make([]int64, 0, len(query)+len(doc)+3)
	typeIDs = make([]int64, 0, cap(ids))
	ids = append(ids, int64(cls))
	for _, t := range query {
		ids = append(ids, int64(t))
	}
	ids = append(ids, int64(sep))
	for len(typeIDs) < len(ids) {
		typeIDs = append(typeIDs, 0)
	}
	for _, t := range doc {
		ids = append(ids, int64(t))
	}
	ids = append(ids, int64(sep))
	for len(typeIDs) < len(ids) {
		typeIDs = append(typeIDs, 1)
	}
	return ids, typeIDs
}

func (e *ONNXCrossEncoder) Score(ctx context.Context, query string, docs []string) ([]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		return nil, fmt.Errorf("cross encoder is closed")
	}

	queryIDs, _ := e.tokenizer.Encode(query, false)
	scores := make([]float64, len(docs))
	for i, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		docIDs, _ := e.tokenizer.Encode(doc, false)
		ids, typeIDs := encodePair(queryIDs, docIDs, e.clsID, e.sepID, crossEncoderMaxLen)

		inputData := e.inputTensor.GetData()
		maskData := e.maskTensor.GetData()
		typeData := e.typeTensor.GetData()
		for j := range inputData {
			inputData[j], maskData[j], typeData[j] = 0, 0, 0
		}
		copy(inputData, ids)
		copy(typeData, typeIDs)
		for j := range ids {
			maskData[j] = 1
		}

		if err := e.session.Run(); err != nil {
			return nil, fmt.Errorf("cross encoder inference failed: %w", err)
		}
		scores[i] = float64(e.outputTensor.GetData()[0])
	}
	return scores, nil
}

func (e *ONNXCrossEncoder) destroyTensors() {
	if e.inputTensor != nil {
		_ = e.inputTensor.Destroy()
	}
	if e.maskTensor != nil {
		_ = e.maskTensor.Destroy()
	}
	if e.typeTensor != nil {
		_ = e.typeTensor.Destroy()
	}
	if e.outputTensor != nil {
		_ = e.outputTensor.Destroy()
	}
	e.inputTensor, e.maskTensor, e.typeTensor, e.outputTensor = nil, nil, nil, nil
}

func (e *ONNXCrossEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	if e.session != nil {
		err = e.session.Destroy()
		e.session = nil
	}
	e.destroyTensors()
	if e.tokenizer != nil {
		if cerr := e.tokenizer.Close(); cerr != nil && err == nil {
			err = cerr
		}
		e.tokenizer = nil
	}
	return err
}
