package pii

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	detectors "github.com/hannes/kiji-rag/src/backend/pii/detectors"
)

// Required files of a model directory
const (
	ModelFileName     = "model_quantized.onnx"
	TokenizerFileName = "tokenizer.json"
	LabelMapFileName  = "label_mappings.json"
)

// DetectorFactory builds a detector from a validated model directory
type DetectorFactory func(cfg ModelConfig) (detectors.Detector, error)

// ModelManager manages PII model lifecycle with thread-safe hot reload capability
type ModelManager struct {
	mu              sync.RWMutex
	currentDetector detectors.Detector
	modelDirectory  string
	isHealthy       bool
	lastError       error
	factory         DetectorFactory
	logger          *zap.Logger
}

// ModelConfig holds paths to required model files
type ModelConfig struct {
	ModelPath     string
	TokenizerPath string
	LabelMapPath  string
}

// NewModelManager creates a manager and performs the initial load. A failed
// load leaves the manager unhealthy rather than failing startup.
func NewModelManager(directory string, factory DetectorFactory, logger *zap.Logger) *ModelManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	mm := &ModelManager{
		modelDirectory: directory,
		factory:        factory,
		logger:         logger.Named("model_manager"),
	}

	if err := mm.ReloadModel(directory); err != nil {
		mm.logger.Warn("initial model load failed, manager is unhealthy", zap.Error(err))
	}
	return mm
}

// GetDetector returns the current detector in a thread-safe manner
func (mm *ModelManager) GetDetector() (detectors.Detector, error) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	if !mm.isHealthy {
		return nil, fmt.Errorf("model is unhealthy: %w", mm.lastError)
	}
	if mm.currentDetector == nil {
		return nil, ErrNoDetector
	}
	return mm.currentDetector, nil
}

// ReloadModel validates the directory, loads a new detector, runs a validation
// inference and swaps it in. The previous detector stays active on failure.
func (mm *ModelManager) ReloadModel(newDirectory string) error {
	mm.logger.Info("reloading model", zap.String("directory", newDirectory))

	config, err := validateModelDirectory(newDirectory)
	if err != nil {
		mm.markUnhealthy(err)
		return fmt.Errorf("validation failed: %w", err)
	}

	newDetector, err := mm.factory(*config)
	if err != nil {
		mm.markUnhealthy(err)
		return fmt.Errorf("failed to load model: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := newDetector.Detect(ctx, detectors.DetectorInput{Text: "Test with John Smith"}); err != nil {
		if closeErr := newDetector.Close(); closeErr != nil {
			mm.logger.Warn("failed to close rejected detector", zap.Error(closeErr))
		}
		mm.markUnhealthy(err)
		return fmt.Errorf("model validation failed: %w", err)
	}

	mm.mu.Lock()
	oldDetector := mm.currentDetector
	mm.currentDetector = newDetector
	mm.modelDirectory = newDirectory
	mm.isHealthy = true
	mm.lastError = nil
	mm.mu.Unlock()

	if oldDetector != nil {
		if err := oldDetector.Close(); err != nil {
			mm.logger.Warn("failed to close old detector", zap.Error(err))
		}
	}

	mm.logger.Info("model reload complete", zap.String("directory", newDirectory))
	return nil
}

// markUnhealthy records err. A detector that is already serving keeps serving,
// only the first load failure turns the manager unhealthy.
func (mm *ModelManager) markUnhealthy(err error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.lastError = err
	if mm.currentDetector == nil {
		mm.isHealthy = false
	}
}

// IsHealthy returns whether the current model is healthy
func (mm *ModelManager) IsHealthy() bool {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.isHealthy
}

// GetInfo returns information about the current model state
func (mm *ModelManager) GetInfo() map[string]interface{} {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	info := map[string]interface{}{
		"directory": mm.modelDirectory,
		"healthy":   mm.isHealthy,
		"error":     nil,
	}
	if mm.currentDetector != nil {
		info["detector"] = mm.currentDetector.GetName()
	}
	if mm.lastError != nil {
		info["error"] = mm.lastError.Error()
	}
	return info
}

// Watch reloads the model whenever a file in the model directory changes.
// Bursts of events are coalesced over debounce. It returns when ctx is done.
func (mm *ModelManager) Watch(ctx context.Context, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	mm.mu.RLock()
	dir := mm.modelDirectory
	mm.mu.RUnlock()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	mm.logger.Info("watching model directory", zap.String("directory", dir))

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			mm.logger.Warn("watcher error", zap.Error(err))
		case <-fire:
			fire = nil
			if err := mm.ReloadModel(dir); err != nil {
				mm.logger.Warn("hot reload failed", zap.Error(err))
			}
		}
	}
}

// validateModelDirectory checks that the directory exists and contains all required files
func validateModelDirectory(dir string) (*ModelConfig, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory does not exist: %s", dir)
		}
		return nil, fmt.Errorf("failed to access directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", dir)
	}

	var missingFiles []string
	for _, filename := range []string{ModelFileName, TokenizerFileName, LabelMapFileName} {
		if _, err := os.Stat(filepath.Join(dir, filename)); errors.Is(err, os.ErrNotExist) {
			missingFiles = append(missingFiles, filename)
		}
	}
	if len(missingFiles) > 0 {
		return nil, fmt.Errorf("missing required files in directory: %v", missingFiles)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		absDir = dir
	}
	return &ModelConfig{
		ModelPath:     filepath.Join(absDir, ModelFileName),
		TokenizerPath: filepath.Join(absDir, TokenizerFileName),
		LabelMapPath:  filepath.Join(absDir, LabelMapFileName),
	}, nil
}

// Close closes the current detector and cleans up resources
func (mm *ModelManager) Close() error {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if mm.currentDetector != nil {
		if err := mm.currentDetector.Close(); err != nil {
			return fmt.Errorf("failed to close detector: %w", err)
		}
		mm.currentDetector = nil
	}
	mm.isHealthy = false
	return nil
}
