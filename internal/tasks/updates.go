package tasks

import (
	"fmt"
)

// ProgressUpdate represents a progress event during a long-running operation.
//
// Used to send real-time updates to the CLI or UI layer for display.
type ProgressUpdate struct {
	Phase   Phase  // Operation phase
	Step    int    // Current step number within phase
	Total   int    // Total steps in this phase
	Message string // Human-readable message for display
	Data    any    // Optional phase-specific data for advanced UIs
}

// Operation phase enumeration
type Phase int

const (
	InsertRows Phase = iota
	FetchSnapshot
	WriteExport
	WriteManifest
)

func (p Phase) String() string {
	switch p {
	case InsertRows:
		return "insert_rows"
	case FetchSnapshot:
		return "fetch_snapshot"
	case WriteExport:
		return "write_export"
	case WriteManifest:
		return "write_manifest"
	default:
		return "unknown"
	}
}

// sendProgress sends a progress update through the channel without blocking.
// Uses select with default so progress reporting never blocks execution.
func sendProgress(progress chan<- ProgressUpdate, update ProgressUpdate) {
	if progress == nil {
		return
	}
	select {
	case progress <- update:
	default:
	}
}

func rowInsertedUpdate(step, total int, res RowResult) ProgressUpdate {
	msg := fmt.Sprintf("Inserted %s", res.ID)
	if res.Error != nil {
		msg = fmt.Sprintf("Failed row %d: %v", res.Index+1, res.Error)
	}
	return ProgressUpdate{Phase: InsertRows, Step: step, Total: total, Message: msg, Data: res}
}

func fetchSnapshotUpdate(step, total int, table string) ProgressUpdate {
	return ProgressUpdate{
		Phase:   FetchSnapshot,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("Fetching %s...", table),
	}
}

func tableExportedUpdate(step, total int, res TableExportResult) ProgressUpdate {
	msg := fmt.Sprintf("Exported %s (%d rows) to %s", res.Table, res.Rows, res.File)
	if res.Error != nil {
		msg = fmt.Sprintf("Failed to export %s: %v", res.Table, res.Error)
	}
	return ProgressUpdate{Phase: WriteExport, Step: step, Total: total, Message: msg, Data: res}
}

func manifestUpdate(path string) ProgressUpdate {
	return ProgressUpdate{
		Phase:   WriteManifest,
		Step:    1,
		Total:   1,
		Message: fmt.Sprintf("Wrote manifest %s", path),
	}
}
