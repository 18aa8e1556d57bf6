// package services defines interface Service for remote sync endpoints reached over HTTP
//
// Realtime (REST snapshots + websocket changes)
package services

import (
	"context"

	"github.com/desertthunder/livesync/internal/feed"
	"github.com/desertthunder/livesync/internal/models"
)

// Service defines the interface for remote endpoints that serve table snapshots and change
// streams and accept row writes.
type Service interface {
	feed.Snapshotter
	feed.Source

	// Insert creates a row and returns it as stored.
	Insert(ctx context.Context, table string, row models.Row) (models.Row, error)

	// Update shallow-merges patch into the row with the given id and returns the result.
	Update(ctx context.Context, table, id string, patch models.Row) (models.Row, error)

	// Delete removes the row with the given id.
	Delete(ctx context.Context, table, id string) error

	// Name returns the name of the service (e.g., "Realtime")
	Name() string
}
