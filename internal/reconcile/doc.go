// Package reconcile keeps an ordered, tenant-scoped collection of rows consistent with a snapshot
// source and a live changefeed.
//
// # Components
//
// The [Reconciler] applies [ChangeEvent] values (Insert, Update, Delete) to a [Collection] under the
// state machine Idle -> Connecting -> Live -> Closed. Inserts are idempotent, updates shallow-merge
// into the stored entity, deletes of unknown ids are no-ops.
//
// The [TenantFilter] guards every snapshot row and every event: with a tenant set, only entities
// whose school_id equals it are admitted. Rejections are dropped and logged, never surfaced.
//
// The [FetchOrchestrator] loads snapshots. Every call takes a ticket; a completion whose ticket is
// no longer the latest is stale and discarded by the caller.
//
// The [Session] composes the three for one (table, tenant, order) triple. It owns at most one
// changefeed subscription, the current collection, the loading flag and the last error, and
// notifies subscribers of every change in order.
//
// # Early events
//
// While a snapshot load is in flight, live events are buffered. When the load lands they are
// replayed on top of it, skipping events whose change-log sequence is already covered by the
// snapshot. When it fails they are replayed onto the existing collection.
//
// A changefeed that recovers from a failure confirms the subscription again; the session then
// clears the error and reloads the snapshot, since changes may have been lost in between.
//
// # Concurrency
//
// Loads and changefeed pumps run on their own goroutines. All mutation happens under the session
// lock, and subscriber callbacks run on a single dispatcher goroutine so they may call back into
// the session.
package reconcile
