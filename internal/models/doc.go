// Package models defines the row and wire types shared by the livesync stores, transports and sessions.
//
// The package contains two categories of types:
//
// 1. Rows: schemaless table records keyed by id and scoped to a school
//   - [Row] : a record of any logical table (lessons, practice_sessions, students, ...)
//   - [OrderBy] : the sort column and direction a collection is kept in
//   - [Query] and [Snapshot] : a tenant-scoped read and its result
//
// 2. Wire types: what stores and transports exchange
//   - [Envelope] : one committed change (INSERT, UPDATE or DELETE) with its change-log sequence
//   - [Frame] : one element of a realtime stream (subscribed, change or error)
//
// Rows satisfy reconcile.Entity, so the generic reconciliation engine works on them directly.
package models
