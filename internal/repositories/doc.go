// Package repositories implements the local record store and its change log over SQLite or
// Postgres.
//
// Records of every logical table live in one records table as JSON documents keyed by
// (table_name, id), with the school_id column extracted for tenant filtering. Database triggers
// append every insert, update and delete to record_changes; its seq column is the changefeed
// cursor.
//
// Key Implementations:
//   - [RecordRepository] : row writes and ordered, tenant-scoped snapshots with their change-log sequence
//   - [ChangeLog] : reads of the trigger-populated change log
//   - [PollingFeed] : a feed.Source that tails the change log at a fixed rate
//
// The [NextSequence] function increments per-table sequence counters in dedicated sequence tables.
package repositories
