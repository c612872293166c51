package inference

import (
	"errors"

	"github.com/Brownie44l1/breed-api/internal/model"
	"github.com/Brownie44l1/breed-api/internal/preprocess"
)

var (
	ErrInvalidRequest = errors.New("invalid prediction request")
	ErrTimeout        = errors.New("prediction timed out")

	ErrDecode        = preprocess.ErrDecode
	ErrShapeMismatch = model.ErrShapeMismatch
)

// PredictionFailedError is the single error type Predict returns. Cause
// carries the specific kind and is reachable through errors.Is.
type PredictionFailedError struct {
	Cause error
}

func (e *PredictionFailedError) Error() string {
	return "prediction failed: " + e.Cause.Error()
}

func (e *PredictionFailedError) Unwrap() error {
	return e.Cause
}

// IsClientError reports whether err was caused by the request itself rather
// than by a fault in the service.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrDecode) ||
		errors.Is(err, ErrShapeMismatch)
}
