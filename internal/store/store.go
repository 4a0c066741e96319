package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no artifact exists for a job ID, either
// because the job never completed or because the sweep evicted it.
var ErrNotFound = errors.New("artifact not found")

// ArtifactStore persists generated images keyed by job ID.
//
// Put is an idempotent overwrite and returns a reference string suitable for
// the job record. Sweep deletes artifacts older than ttl (measured from
// creation, not last access) and is safe to run concurrently with Put/Get:
// a reader never observes a partially written artifact.
type ArtifactStore interface {
	Put(ctx context.Context, jobID string, data []byte) (string, error)
	Get(ctx context.Context, jobID string) ([]byte, error)
	Sweep(ctx context.Context, ttl time.Duration) (int, error)
}
