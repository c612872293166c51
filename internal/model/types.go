package model

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrModelLoad      = errors.New("model load failed")
	ErrShapeMismatch  = errors.New("tensor shape mismatch")
	ErrModelClosed    = errors.New("model is closed")
	ErrInferenceFault = errors.New("model inference failed")
)

const (
	DefaultInputName  = "input"
	DefaultOutputName = "output"
)

// Metadata describes the exported classifier. Classes is ordered by output
// logit index and must never be re-sorted.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	InputName   string   `json:"input_name,omitempty"`
	OutputName  string   `json:"output_name,omitempty"`
}

// ClassCount is the classifier's output dimensionality.
func (m Metadata) ClassCount() int {
	if len(m.OutputShape) == 0 {
		return 0
	}
	return int(m.OutputShape[len(m.OutputShape)-1])
}

// Validate checks the metadata against itself and an optional expected class count.
func (m *Metadata) Validate(classCount int) error {
	if m.InputName == "" {
		m.InputName = DefaultInputName
	}
	if m.OutputName == "" {
		m.OutputName = DefaultOutputName
	}
	if len(m.Classes) == 0 {
		return fmt.Errorf("%w: metadata lists no classes", ErrModelLoad)
	}
	if len(m.InputShape) != 4 {
		return fmt.Errorf("%w: input shape %v is not NCHW", ErrModelLoad, m.InputShape)
	}
	if m.InputShape[0] != 1 || m.InputShape[1] != 3 {
		return fmt.Errorf("%w: input shape %v must be [1 3 H W]", ErrModelLoad, m.InputShape)
	}
	if m.ImageSize == 0 {
		m.ImageSize = int(m.InputShape[3])
	}
	if int64(m.ImageSize) != m.InputShape[2] || int64(m.ImageSize) != m.InputShape[3] {
		return fmt.Errorf("%w: image size %d does not match input shape %v", ErrModelLoad, m.ImageSize, m.InputShape)
	}
	if m.ClassCount() != len(m.Classes) {
		return fmt.Errorf("%w: output shape %v does not match %d classes", ErrModelLoad, m.OutputShape, len(m.Classes))
	}
	if classCount > 0 && classCount != len(m.Classes) {
		return fmt.Errorf("%w: expected %d classes, metadata lists %d", ErrModelLoad, classCount, len(m.Classes))
	}
	return nil
}

// Classifier is a frozen network with a fixed input contract.
// Infer must be safe for concurrent use.
type Classifier interface {
	Classes() []string
	InputShape() []int64
	Device() string
	Infer(ctx context.Context, input []float32) ([]float32, error)
	Close() error
}

// CheckInput reports ErrShapeMismatch when input does not fill shape exactly.
func CheckInput(shape []int64, input []float32) error {
	want := 1
	for _, dim := range shape {
		want *= int(dim)
	}
	if len(input) != want {
		return fmt.Errorf("%w: expected %d values for shape %v, got %d", ErrShapeMismatch, want, shape, len(input))
	}
	return nil
}
