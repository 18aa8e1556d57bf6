package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/desertthunder/livesync/internal/feed"
	"github.com/desertthunder/livesync/internal/formatter"
	"github.com/desertthunder/livesync/internal/models"
	"github.com/desertthunder/livesync/internal/reconcile"
	"github.com/desertthunder/livesync/internal/shared"
)

// ExportOpts contains configuration for bulk table exports.
type ExportOpts struct {
	Tables    []string         // Tables to export
	SchoolID  string           // Restrict every table to one school; empty exports all schools
	OrderBy   models.OrderBy   // Ordering applied to every table
	Format    formatter.Format // Export format (default: json)
	OutputDir string           // Base output directory (default: livesync_export_{epoch})
}

// TableExportResult is the outcome of exporting one table.
type TableExportResult struct {
	Table string `json:"table"`
	File  string `json:"file,omitempty"`
	Rows  int    `json:"rows"`
	Seq   uint64 `json:"seq"`
	Error error  `json:"-"`
}

// BulkExportResult summarizes a bulk export.
type BulkExportResult struct {
	OutputDirectory string
	ManifestPath    string
	Successful      int
	Failed          int
	Results         []TableExportResult
}

type manifestEntry struct {
	TableExportResult
	Error string `json:"error,omitempty"`
}

type manifest struct {
	ExportedAt time.Time       `json:"exported_at"`
	SchoolID   string          `json:"school_id,omitempty"`
	OrderBy    string          `json:"order_by,omitempty"`
	Format     string          `json:"format"`
	Tables     []manifestEntry `json:"tables"`
}

// BulkExport snapshots each table and writes it to its own file, followed by a manifest.
//
// Snapshots go through a [reconcile.FetchOrchestrator], so rows outside SchoolID are dropped as
// they would be by a live session. A failed table is recorded and the export continues.
func (e *Engine) BulkExport(ctx context.Context, prog chan<- ProgressUpdate, opts ExportOpts) (*BulkExportResult, error) {
	if e.snapshots == nil {
		return nil, fmt.Errorf("%w: no store to export from", shared.ErrServiceUnavailable)
	}
	if len(opts.Tables) == 0 {
		return nil, fmt.Errorf("%w: no tables to export", shared.ErrMissingArgument)
	}
	if opts.Format == "" {
		opts.Format = formatter.FormatJSON
	}
	if opts.OutputDir == "" {
		opts.OutputDir = fmt.Sprintf("livesync_export_%d", time.Now().Unix())
	}

	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	fetch := reconcile.NewFetchOrchestrator(feed.NewRows(e.snapshots, nil, e.diag), e.diag)
	result := &BulkExportResult{OutputDirectory: opts.OutputDir}

	for i, table := range opts.Tables {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("export interrupted: %w", err)
		}

		sendProgress(prog, fetchSnapshotUpdate(i+1, len(opts.Tables), table))
		res := e.exportTable(ctx, fetch, table, opts)
		result.Results = append(result.Results, res)

		if res.Error != nil {
			result.Failed++
			e.diag.Warn("failed to export table", "table", table, "error", res.Error)
		} else {
			result.Successful++
		}
		sendProgress(prog, tableExportedUpdate(i+1, len(opts.Tables), res))
	}

	manifestPath := filepath.Join(opts.OutputDir, "export_manifest.json")
	if err := writeManifest(result, opts, manifestPath); err != nil {
		return result, fmt.Errorf("export completed but failed to write manifest: %w", err)
	}
	result.ManifestPath = manifestPath
	sendProgress(prog, manifestUpdate(manifestPath))

	return result, nil
}

func (e *Engine) exportTable(ctx context.Context, fetch *reconcile.FetchOrchestrator[models.Row], table string, opts ExportOpts) TableExportResult {
	res := TableExportResult{Table: table}

	out := fetch.Fetch(ctx, reconcile.Params{Table: table, TenantID: opts.SchoolID, OrderBy: opts.OrderBy})
	if out.Err != nil {
		res.Error = out.Err
		return res
	}

	path := filepath.Join(opts.OutputDir, fmt.Sprintf("%s.%s", table, opts.Format))
	file, err := formatter.WriteExport(opts.Format, table, out.Snapshot.Items, path)
	if err != nil {
		res.Error = err
		return res
	}

	res.File = file
	res.Rows = len(out.Snapshot.Items)
	res.Seq = out.Snapshot.Seq
	return res
}

func writeManifest(result *BulkExportResult, opts ExportOpts, path string) error {
	m := manifest{
		ExportedAt: time.Now().UTC(),
		SchoolID:   opts.SchoolID,
		OrderBy:    opts.OrderBy.Param(),
		Format:     string(opts.Format),
	}
	for _, r := range result.Results {
		entry := manifestEntry{TableExportResult: r}
		if r.Error != nil {
			entry.Error = r.Error.Error()
		}
		m.Tables = append(m.Tables, entry)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
