// Package inference runs the prediction pipeline: preprocess, forward pass,
// softmax, top-k selection and breed id resolution.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/Brownie44l1/breed-api/internal/model"
	"github.com/Brownie44l1/breed-api/internal/preprocess"
)

const DefaultTopK = 3

// Resolver maps a class label to the store's breed id, nil when unknown.
type Resolver interface {
	Resolve(name string) *string
}

type Config struct {
	TopK    int
	Timeout time.Duration
}

type Prediction struct {
	BreedName  string  `json:"breed"`
	BreedID    *string `json:"breed_id"`
	Confidence float64 `json:"confidence"`
}

type Timing struct {
	PreprocessMillis float64 `json:"preprocess_ms"`
	InferenceMillis  float64 `json:"inference_ms"`
	TotalMillis      float64 `json:"total_ms"`
}

type Result struct {
	Predictions []Prediction `json:"predictions"`
	Timing      Timing       `json:"timing"`
}

// Engine is safe for concurrent use. It holds no per-request state.
type Engine struct {
	classifier   model.Classifier
	preprocessor *preprocess.Preprocessor
	resolver     Resolver
	topK         int
	timeout      time.Duration
	metrics      *Metrics
	logger       *slog.Logger
}

func New(
	classifier model.Classifier,
	preprocessor *preprocess.Preprocessor,
	resolver Resolver,
	cfg Config,
	logger *slog.Logger,
) (*Engine, error) {
	shape := classifier.InputShape()
	size := int64(preprocessor.Size())
	if len(shape) != 4 || shape[1] != preprocess.Channels || shape[2] != size || shape[3] != size {
		return nil, fmt.Errorf("%w: model expects %v, preprocessor produces %dx%d",
			ErrShapeMismatch, shape, size, size)
	}

	classes := len(classifier.Classes())
	topK := cfg.TopK
	if topK == 0 {
		topK = DefaultTopK
	}
	if topK < 0 || topK > classes {
		return nil, fmt.Errorf("default top-k %d outside [1, %d]", topK, classes)
	}

	return &Engine{
		classifier:   classifier,
		preprocessor: preprocessor,
		resolver:     resolver,
		topK:         topK,
		timeout:      cfg.Timeout,
		metrics:      &Metrics{},
		logger:       logger.With("system", "inference"),
	}, nil
}

func (e *Engine) DefaultTopK() int  { return e.topK }
func (e *Engine) ClassCount() int   { return len(e.classifier.Classes()) }
func (e *Engine) Metrics() *Metrics { return e.metrics }
func (e *Engine) Device() string    { return e.classifier.Device() }

type outcome struct {
	probs      []float64
	preprocess time.Duration
	inference  time.Duration
	err        error
}

// Predict returns exactly k predictions ordered by descending confidence, or
// a *PredictionFailedError. A zero k returns an empty result without running
// the model.
func (e *Engine) Predict(ctx context.Context, image []byte, k int) (Result, error) {
	start := time.Now()
	e.metrics.RecordRequestStart()

	result, err := e.predict(ctx, image, k, start)
	if err != nil {
		err = &PredictionFailedError{Cause: err}
	}
	e.metrics.RecordRequestDone(time.Since(start), err)
	return result, err
}

func (e *Engine) predict(ctx context.Context, image []byte, k int, start time.Time) (Result, error) {
	classes := e.classifier.Classes()
	if k < 0 || k > len(classes) {
		return Result{}, fmt.Errorf("%w: k=%d must be within [0, %d]", ErrInvalidRequest, k, len(classes))
	}
	if len(image) == 0 {
		return Result{}, fmt.Errorf("%w: image is empty", ErrInvalidRequest)
	}
	if k == 0 {
		return Result{
			Predictions: []Prediction{},
			Timing:      Timing{TotalMillis: sinceMillis(start)},
		}, nil
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	// run releases its own buffers, also when abandoned after a timeout.
	done := make(chan outcome, 1)
	go func() {
		done <- e.run(ctx, image)
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.metrics.RecordTimeout()
			return Result{}, fmt.Errorf("%w after %s", ErrTimeout, e.timeout)
		}
		return Result{}, ctx.Err()
	}
	if out.err != nil {
		return Result{}, out.err
	}

	top := TopK(out.probs, k)
	selected := make([]float64, len(top))
	for i, idx := range top {
		selected[i] = out.probs[idx]
	}
	percents := roundPercents(selected)

	predictions := make([]Prediction, len(top))
	for i, idx := range top {
		name := classes[idx]
		predictions[i] = Prediction{
			BreedName:  name,
			BreedID:    e.resolver.Resolve(name),
			Confidence: percents[i],
		}
	}

	e.metrics.RecordPrediction(out.preprocess, out.inference)
	timing := Timing{
		PreprocessMillis: durationMillis(out.preprocess),
		InferenceMillis:  durationMillis(out.inference),
		TotalMillis:      sinceMillis(start),
	}
	e.logger.Debug("prediction complete",
		"top", predictions[0].BreedName,
		"confidence", predictions[0].Confidence,
		"preprocess_ms", timing.PreprocessMillis,
		"inference_ms", timing.InferenceMillis,
		"total_ms", timing.TotalMillis,
	)

	return Result{Predictions: predictions, Timing: timing}, nil
}

func (e *Engine) run(ctx context.Context, image []byte) outcome {
	var out outcome

	phase := time.Now()
	tensor, err := e.preprocessor.Transform(image)
	out.preprocess = time.Since(phase)
	if err != nil {
		out.err = err
		return out
	}
	defer tensor.Release()

	if err := ctx.Err(); err != nil {
		out.err = err
		return out
	}

	phase = time.Now()
	logits, err := e.classifier.Infer(ctx, tensor.Data)
	out.inference = time.Since(phase)
	if err != nil {
		out.err = err
		return out
	}
	if len(logits) != len(e.classifier.Classes()) {
		out.err = fmt.Errorf("%w: model returned %d logits for %d classes",
			model.ErrInferenceFault, len(logits), len(e.classifier.Classes()))
		return out
	}
	for i, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			out.err = fmt.Errorf("%w: logit %d is %v", model.ErrInferenceFault, i, v)
			return out
		}
	}

	out.probs = Softmax(logits)
	return out
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func sinceMillis(start time.Time) float64 {
	return durationMillis(time.Since(start))
}
