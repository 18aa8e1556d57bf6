// Package feed defines the envelope-level contracts between change producers (the local store's
// change log, Postgres notifications, the realtime websocket) and the row sessions that consume
// them.
//
// A [Source] opens a [Stream] of [models.Frame] values for one table and school. A [Snapshotter]
// reads the matching rows. [Rows] adapts a pair of them to the reconcile package's
// SnapshotSource and Changefeed, decoding envelopes into change events and dropping malformed
// ones.
package feed
