package reconcile

import (
	"context"
	"fmt"

	"github.com/desertthunder/livesync/internal/models"
)

// Params identifies what a session tracks.
type Params struct {
	Table    string
	TenantID string // empty tracks every school
	OrderBy  models.OrderBy
}

// Query converts the params to a store query.
func (p Params) Query() models.Query {
	return models.Query{Table: p.Table, SchoolID: p.TenantID, OrderBy: p.OrderBy}
}

func (p Params) String() string {
	s := p.Table
	if p.TenantID != "" {
		s += fmt.Sprintf("[school_id=%s]", p.TenantID)
	}
	if !p.OrderBy.IsZero() {
		s += " order by " + p.OrderBy.String()
	}
	return s
}

// Snapshot is a loaded set of rows plus the change-log sequence it reflects (0 when unknown).
type Snapshot[T Entity[T]] struct {
	Items []T
	Seq   uint64
}

// SnapshotSource reads all rows of a table, filtered by tenant and ordered.
type SnapshotSource[T Entity[T]] interface {
	Query(ctx context.Context, p Params) (Snapshot[T], error)
}

// Status is the kind of a [Message].
type Status int

const (
	StatusSubscribed Status = iota + 1 // the changefeed confirmed (or re-confirmed) the subscription
	StatusEvent                        // Event carries a change
	StatusFailed                       // the changefeed failed; it may recover and confirm again
)

// Message is one delivery from a changefeed.
type Message[T Entity[T]] struct {
	Status Status
	Event  ChangeEvent[T]
	Err    error
}

// Subscription is a live changefeed subscription. Close is synchronous and idempotent.
type Subscription[T Entity[T]] interface {
	Messages() <-chan Message[T]
	Close() error
}

// Changefeed opens subscriptions to row changes of one table and tenant.
//
// Implementations deliver [StatusSubscribed] before any event and retry failed connections
// themselves, reporting each failure as [StatusFailed].
type Changefeed[T Entity[T]] interface {
	Subscribe(ctx context.Context, p Params) (Subscription[T], error)
}
