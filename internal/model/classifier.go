package model

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXClassifier serves a frozen ONNX classifier. The session is created once
// and shared read-only; every Infer call owns its own input and output tensors.
type ONNXClassifier struct {
	session  *ort.DynamicAdvancedSession
	metadata Metadata
	device   string
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Load reads the metadata and weights and builds an inference session on the
// configured device. Every failure wraps ErrModelLoad.
func Load(cfg *Config, logger *slog.Logger) (*ONNXClassifier, error) {
	logger = logger.With("system", "model")

	metadata, err := readMetadata(cfg.MetadataPath)
	if err != nil {
		return nil, err
	}
	if err := metadata.Validate(cfg.ClassCount); err != nil {
		return nil, err
	}

	info, err := os.Stat(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrModelLoad, cfg.ModelPath, err)
	}
	if info.IsDir() || info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is not a model file", ErrModelLoad, cfg.ModelPath)
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("%w: initialize onnx environment: %v", ErrModelLoad, err)
		}
	}

	if err := checkGraph(cfg.ModelPath, metadata); err != nil {
		return nil, err
	}

	session, device, err := newSession(cfg, metadata, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("model loaded",
		"path", cfg.ModelPath,
		"device", device,
		"classes", len(metadata.Classes),
		"input_shape", metadata.InputShape,
	)

	return &ONNXClassifier{
		session:  session,
		metadata: metadata,
		device:   device,
		logger:   logger,
	}, nil
}

func (c *ONNXClassifier) Classes() []string   { return c.metadata.Classes }
func (c *ONNXClassifier) InputShape() []int64 { return c.metadata.InputShape }
func (c *ONNXClassifier) Device() string      { return c.device }

// Metadata returns the classifier's exported metadata.
func (c *ONNXClassifier) Metadata() Metadata { return c.metadata }

// Infer runs one forward pass and returns the raw logits.
func (c *ONNXClassifier) Infer(ctx context.Context, input []float32) ([]float32, error) {
	if err := CheckInput(c.metadata.InputShape, input); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrModelClosed
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(c.metadata.InputShape...), input)
	if err != nil {
		return nil, fmt.Errorf("%w: create input tensor: %v", ErrInferenceFault, err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(c.metadata.OutputShape...))
	if err != nil {
		return nil, fmt.Errorf("%w: create output tensor: %v", ErrInferenceFault, err)
	}
	defer outputTensor.Destroy()

	if err := c.session.Run(
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
	); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInferenceFault, err)
	}

	logits := make([]float32, len(c.metadata.Classes))
	copy(logits, outputTensor.GetData())
	return logits, nil
}

// Close destroys the session and the onnx runtime environment. In-flight
// Infer calls finish first.
func (c *ONNXClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	if c.session != nil {
		if err := c.session.Destroy(); err != nil {
			firstErr = fmt.Errorf("destroy session: %w", err)
		}
	}
	if err := ort.DestroyEnvironment(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("destroy environment: %w", err)
	}
	c.logger.Info("model closed")
	return firstErr
}

func readMetadata(path string) (Metadata, error) {
	var metadata Metadata

	raw, err := os.ReadFile(path)
	if err != nil {
		return metadata, fmt.Errorf("%w: read metadata: %v", ErrModelLoad, err)
	}
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return metadata, fmt.Errorf("%w: parse metadata: %v", ErrModelLoad, err)
	}
	return metadata, nil
}

// checkGraph compares the graph's declared output width with the class list.
func checkGraph(modelPath string, metadata Metadata) error {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return fmt.Errorf("%w: inspect graph: %v", ErrModelLoad, err)
	}
	if !hasName(inputs, metadata.InputName) {
		return fmt.Errorf("%w: graph has no input named %q", ErrModelLoad, metadata.InputName)
	}
	for _, output := range outputs {
		if output.Name != metadata.OutputName {
			continue
		}
		dims := output.Dimensions
		if len(dims) == 0 {
			return fmt.Errorf("%w: output %q has no dimensions", ErrModelLoad, output.Name)
		}
		width := dims[len(dims)-1]
		if width > 0 && int(width) != len(metadata.Classes) {
			return fmt.Errorf("%w: graph outputs %d logits, metadata lists %d classes",
				ErrModelLoad, width, len(metadata.Classes))
		}
		return nil
	}
	return fmt.Errorf("%w: graph has no output named %q", ErrModelLoad, metadata.OutputName)
}

func hasName(infos []ort.InputOutputInfo, name string) bool {
	for _, info := range infos {
		if info.Name == name {
			return true
		}
	}
	return false
}

// newSession selects the device once. "auto" tries CUDA and falls back to CPU.
func newSession(cfg *Config, metadata Metadata, logger *slog.Logger) (*ort.DynamicAdvancedSession, string, error) {
	if cfg.Device != DeviceCPU {
		session, err := createSession(cfg, metadata, true)
		if err == nil {
			return session, DeviceCUDA, nil
		}
		if cfg.Device == DeviceCUDA {
			return nil, "", fmt.Errorf("%w: cuda session: %v", ErrModelLoad, err)
		}
		logger.Warn("cuda unavailable, using cpu", "error", err)
	}

	session, err := createSession(cfg, metadata, false)
	if err != nil {
		return nil, "", fmt.Errorf("%w: create session: %v", ErrModelLoad, err)
	}
	return session, DeviceCPU, nil
}

func createSession(cfg *Config, metadata Metadata, cuda bool) (*ort.DynamicAdvancedSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer options.Destroy()

	if cfg.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}

	if cuda {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("cuda options: %w", err)
		}
		defer cudaOptions.Destroy()

		if err := cudaOptions.Update(map[string]string{
			"device_id": fmt.Sprint(cfg.CUDADeviceID),
		}); err != nil {
			return nil, fmt.Errorf("update cuda options: %w", err)
		}
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return nil, fmt.Errorf("append cuda provider: %w", err)
		}
	}

	return ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		options)
}
