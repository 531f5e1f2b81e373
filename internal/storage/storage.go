package storage

import (
	"context"

	"covdev/internal/model"
)

// Sink receives whole timeline snapshots.
type Sink interface {
	PutTimeline(ctx context.Context, snapshot model.Snapshot) error
}
