// Package store defines the persistence surface for producer
// checkpoints.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that no record matches the requested key.
var ErrNotFound = errors.New("store: not found")

// Checkpoint records how far a producer run has published. RunKey
// identifies the run by model name, version, seed, and scenario count,
// so a restarted producer only resumes its own run.
type Checkpoint struct {
	RunKey    string
	ModeloID  string
	Published int
	Total     int
	UpdatedAt time.Time
}

// Done reports whether every scenario of the run was published.
func (c *Checkpoint) Done() bool {
	return c.Published >= c.Total
}

// CheckpointStore manages producer checkpoint records.
type CheckpointStore interface {
	Save(ctx context.Context, c *Checkpoint) error
	Get(ctx context.Context, runKey string) (*Checkpoint, error)
	Delete(ctx context.Context, runKey string) error
	Close() error
}
