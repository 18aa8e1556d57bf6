package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/desertthunder/livesync/internal/shared"
	"github.com/samber/lo"
)

// FetchResult is the outcome of one [FetchOrchestrator.Fetch] call.
//
// Current is false when a newer fetch was started before this one completed; such results are
// stale and must not replace the collection.
type FetchResult[T Entity[T]] struct {
	Snapshot Snapshot[T]
	Err      error
	Ticket   uint64
	Current  bool
}

// FetchOrchestrator loads snapshots and tracks which load is the latest.
//
// It is safe for concurrent use. Failed loads are not retried.
type FetchOrchestrator[T Entity[T]] struct {
	source SnapshotSource[T]
	diag   Diagnostics

	mu       sync.Mutex
	latest   uint64
	inflight int
}

// NewFetchOrchestrator creates an orchestrator over source. diag may be nil.
func NewFetchOrchestrator[T Entity[T]](source SnapshotSource[T], diag Diagnostics) *FetchOrchestrator[T] {
	if diag == nil {
		diag = discardDiagnostics()
	}
	return &FetchOrchestrator[T]{source: source, diag: diag}
}

// Loading reports whether any fetch is in flight.
func (f *FetchOrchestrator[T]) Loading() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight > 0
}

// Latest returns the most recently issued ticket.
func (f *FetchOrchestrator[T]) Latest() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest
}

// Fetch loads a snapshot for p. Rows outside the tenant are dropped and logged; errors are wrapped
// with [shared.ErrFetchFailed].
func (f *FetchOrchestrator[T]) Fetch(ctx context.Context, p Params) FetchResult[T] {
	ticket := f.begin()

	snap, err := f.source.Query(ctx, p)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", shared.ErrFetchFailed, p.Table, err)
	} else {
		snap.Items = f.admit(p, snap.Items)
	}

	return FetchResult[T]{Snapshot: snap, Err: err, Ticket: ticket, Current: f.finish(ticket)}
}

func (f *FetchOrchestrator[T]) begin() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest++
	f.inflight++
	return f.latest
}

func (f *FetchOrchestrator[T]) finish(ticket uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight--
	return ticket == f.latest
}

func (f *FetchOrchestrator[T]) admit(p Params, items []T) []T {
	filter := TenantFilter{TenantID: p.TenantID}
	admitted, rejected := lo.FilterReject(items, func(e T, _ int) bool {
		return filter.Accepts(e)
	})
	for _, e := range rejected {
		sid, _ := e.SchoolID()
		f.diag.Warn(
			"rejected snapshot row outside tenant",
			"table", p.Table, "id", e.ID(), "school_id", sid, "tenant", p.TenantID,
			"error", shared.ErrTenantViolation,
		)
	}
	return admitted
}
