// Package tasks runs bulk row operations against a store with real-time progress reporting.
//
// # Operations
//
//  1. [Engine.BulkImport] : Load rows into a table
//     - Rows come from a JSON or CSV file via [ReadRows]
//     - A worker pool inserts them under a shared rate limit
//     - Failed rows are collected in input order; the rest of the import continues
//
//  2. [Engine.BulkExport] : Export several tables at once
//     - Each table is loaded through a fetch orchestrator, scoped to one school if requested
//     - Files are written with the formatter package, one per table
//     - An export_manifest.json records row counts, change-log sequences and failures
//
// # Progress Reporting
//
// Both operations send [ProgressUpdate] values on an optional channel. Sends use select with
// default, so a slow or absent reader never stalls the operation.
//
// Inserts go through an [InsertFunc], so the same engine imports into the local database or a
// remote livesync server.
package tasks
