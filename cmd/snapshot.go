package main

import (
	"context"
	"fmt"

	"github.com/desertthunder/livesync/internal/feed"
	"github.com/desertthunder/livesync/internal/formatter"
	"github.com/desertthunder/livesync/internal/models"
	"github.com/desertthunder/livesync/internal/reconcile"
	"github.com/desertthunder/livesync/internal/shared"
	"github.com/desertthunder/livesync/internal/tasks"
	"github.com/urfave/cli/v3"
)

// params builds the view parameters shared by snapshot, export and watch.
func params(cmd *cli.Command, table string) (reconcile.Params, error) {
	order, err := models.ParseOrderBy(cmd.String("order"))
	if err != nil {
		return reconcile.Params{}, fmt.Errorf("%w: --order: %v", shared.ErrInvalidFlag, err)
	}
	p := reconcile.Params{Table: table, TenantID: cmd.String("school"), OrderBy: order}
	if err := p.Query().Validate(); err != nil {
		return reconcile.Params{}, fmt.Errorf("%w: %v", shared.ErrInvalidArgument, err)
	}
	return p, nil
}

// Snapshot fetches one snapshot of a table and prints it, or writes it to --output.
func (r *Runner) Snapshot(ctx context.Context, cmd *cli.Command) error {
	table, err := requireArg(cmd, "table")
	if err != nil {
		return err
	}
	p, err := params(cmd, table)
	if err != nil {
		return err
	}
	format, err := formatter.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}

	svc, err := r.service(cmd.Bool("remote"))
	if err != nil {
		return err
	}

	fetch := reconcile.NewFetchOrchestrator(feed.NewRows(svc, nil, r.diag), r.diag)
	res := fetch.Fetch(ctx, p)
	if res.Err != nil {
		return res.Err
	}
	r.logger.Debug("fetched snapshot", "params", p, "rows", len(res.Snapshot.Items), "seq", res.Snapshot.Seq)

	if out := cmd.String("output"); out != "" {
		path, err := formatter.WriteExport(format, table, res.Snapshot.Items, out)
		if err != nil {
			return err
		}
		return r.writePlain("✓ Wrote %d rows to %s (seq %d)\n", len(res.Snapshot.Items), path, res.Snapshot.Seq)
	}

	data, err := formatter.Export(format, table, res.Snapshot.Items)
	if err != nil {
		return err
	}
	if _, err := r.output.Write(data); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

// Export writes each table to its own file and a manifest to the output directory.
func (r *Runner) Export(ctx context.Context, cmd *cli.Command) error {
	order, err := models.ParseOrderBy(cmd.String("order"))
	if err != nil {
		return fmt.Errorf("%w: --order: %v", shared.ErrInvalidFlag, err)
	}
	format, err := formatter.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}

	svc, err := r.service(cmd.Bool("remote"))
	if err != nil {
		return err
	}

	opts := tasks.ExportOpts{
		Tables:    cmd.StringSlice("tables"),
		SchoolID:  cmd.String("school"),
		OrderBy:   order,
		Format:    format,
		OutputDir: cmd.String("dir"),
	}

	engine := tasks.NewEngine(nil, svc, r.diag)
	progressCh := make(chan tasks.ProgressUpdate, 50)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for update := range progressCh {
			if update.Phase == tasks.FetchSnapshot {
				r.writePlain("📥 %s\n", update.Message)
			} else {
				r.writePlain("   %s\n", update.Message)
			}
		}
	}()

	result, err := engine.BulkExport(ctx, progressCh, opts)
	close(progressCh)
	<-done

	if result == nil {
		return err
	}

	r.writePlainHeader("Export Complete")
	r.writePlain("Directory: %s\n", result.OutputDirectory)
	r.writePlain("Tables: %d exported, %d failed\n", result.Successful, result.Failed)
	if result.ManifestPath != "" {
		r.writePlain("Manifest: %s\n", result.ManifestPath)
	}
	return err
}
