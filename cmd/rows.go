package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/desertthunder/livesync/internal/models"
	"github.com/desertthunder/livesync/internal/shared"
	"github.com/desertthunder/livesync/internal/tasks"
	"github.com/urfave/cli/v3"
)

func parseRow(data string) (models.Row, error) {
	var row models.Row
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		return nil, fmt.Errorf("%w: --data must be a JSON object: %v", shared.ErrInvalidFlag, err)
	}
	if row == nil {
		return nil, fmt.Errorf("%w: --data must be a JSON object", shared.ErrInvalidFlag)
	}
	return row, nil
}

func requireArg(cmd *cli.Command, name string) (string, error) {
	v := cmd.StringArg(name)
	if v == "" {
		return "", fmt.Errorf("%w: %s", shared.ErrMissingArgument, name)
	}
	return v, nil
}

// RowsInsert inserts one row and prints it as stored.
func (r *Runner) RowsInsert(ctx context.Context, cmd *cli.Command) error {
	table, err := requireArg(cmd, "table")
	if err != nil {
		return err
	}
	row, err := parseRow(cmd.String("data"))
	if err != nil {
		return err
	}

	svc, err := r.service(cmd.Bool("remote"))
	if err != nil {
		return err
	}

	stored, err := svc.Insert(ctx, table, row)
	if err != nil {
		return err
	}
	r.logger.Debug("inserted row", "service", svc.Name(), "table", table, "id", stored.ID())
	return r.writeJSON(stored, false)
}

// RowsUpdate merges --data into a row and prints the result.
func (r *Runner) RowsUpdate(ctx context.Context, cmd *cli.Command) error {
	table, err := requireArg(cmd, "table")
	if err != nil {
		return err
	}
	id, err := requireArg(cmd, "id")
	if err != nil {
		return err
	}
	patch, err := parseRow(cmd.String("data"))
	if err != nil {
		return err
	}

	svc, err := r.service(cmd.Bool("remote"))
	if err != nil {
		return err
	}

	updated, err := svc.Update(ctx, table, id, patch)
	if err != nil {
		return err
	}
	return r.writeJSON(updated, false)
}

// RowsDelete deletes a row.
func (r *Runner) RowsDelete(ctx context.Context, cmd *cli.Command) error {
	table, err := requireArg(cmd, "table")
	if err != nil {
		return err
	}
	id, err := requireArg(cmd, "id")
	if err != nil {
		return err
	}

	svc, err := r.service(cmd.Bool("remote"))
	if err != nil {
		return err
	}

	if err := svc.Delete(ctx, table, id); err != nil {
		return err
	}
	return r.writePlain("✓ Deleted %s/%s\n", table, id)
}

// RowsImport inserts every row of a file, reporting progress as it goes.
func (r *Runner) RowsImport(ctx context.Context, cmd *cli.Command) error {
	path, err := requireArg(cmd, "file")
	if err != nil {
		return err
	}

	rows, err := tasks.ReadRows(path)
	if err != nil {
		return err
	}

	svc, err := r.service(cmd.Bool("remote"))
	if err != nil {
		return err
	}

	opts := tasks.ImportOpts{
		Table:      cmd.String("table"),
		NumWorkers: int(cmd.Int("workers")),
		RateLimit:  cmd.Float("rate"),
	}
	r.logger.Info("starting import", "file", path, "table", opts.Table, "rows", len(rows), "service", svc.Name())

	engine := tasks.NewEngine(svc.Insert, nil, r.diag)
	progressCh := make(chan tasks.ProgressUpdate, 50)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for update := range progressCh {
			if res, ok := update.Data.(tasks.RowResult); ok && res.Error != nil {
				r.writePlain("   ✗ %s\n", update.Message)
			}
		}
	}()

	result, err := engine.BulkImport(ctx, progressCh, rows, opts)
	close(progressCh)
	<-done

	if result == nil {
		return err
	}

	r.writePlainHeader("Import Complete")
	r.writePlain("Table: %s\n", result.Table)
	r.writePlain("Inserted: %d/%d\n", result.Inserted, result.Total)
	if result.Failed > 0 {
		r.writePlain("\nFailed %d rows:\n", result.Failed)
		for _, f := range result.Failures {
			r.writePlain("  row %d: %v\n", f.Index+1, f.Error)
		}
	}
	return err
}
