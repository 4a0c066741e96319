package generate

import (
	"context"
	"fmt"

	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/models"
)

// Generator produces a PNG image from validated generation parameters. Calls
// are independent per job; implementations manage any shared state (model
// handles, HTTP clients) internally.
type Generator interface {
	Generate(ctx context.Context, params models.GenerationParams) ([]byte, error)
}

// BackendError is a generation failure reported by the inference backend.
type BackendError struct {
	Message string
	// ResourceExhausted marks out-of-memory style failures.
	ResourceExhausted bool
}

func (e *BackendError) Error() string {
	if e.ResourceExhausted {
		return fmt.Sprintf("insufficient GPU memory, try a smaller image size: %s", e.Message)
	}
	return e.Message
}
