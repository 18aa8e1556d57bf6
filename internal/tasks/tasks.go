package tasks

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/livesync/internal/feed"
	"github.com/desertthunder/livesync/internal/models"
	"github.com/desertthunder/livesync/internal/reconcile"
	"github.com/desertthunder/livesync/internal/shared"
)

// InsertFunc writes one row to a table. Both the local store and remote services provide one.
type InsertFunc func(ctx context.Context, table string, row models.Row) (models.Row, error)

// Engine runs bulk row operations against a store.
type Engine struct {
	insert    InsertFunc
	snapshots feed.Snapshotter
	diag      reconcile.Diagnostics
}

// NewEngine creates an [Engine]. Either dependency may be nil when the matching operation is not used.
func NewEngine(insert InsertFunc, snapshots feed.Snapshotter, diag reconcile.Diagnostics) *Engine {
	if diag == nil {
		diag = log.New(io.Discard)
	}
	return &Engine{insert: insert, snapshots: snapshots, diag: diag}
}

// ReadRows loads rows from a .json file (an array of objects) or a .csv file (a header row of
// field names). Empty CSV cells are omitted from their row.
func ReadRows(path string) ([]models.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return readJSONRows(f)
	case ".csv":
		return readCSVRows(f)
	default:
		return nil, fmt.Errorf("%w: unsupported file type %q", shared.ErrInvalidArgument, filepath.Ext(path))
	}
}

func readJSONRows(r io.Reader) ([]models.Row, error) {
	var rows []models.Row
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, fmt.Errorf("%w: failed to parse JSON rows: %v", shared.ErrInvalidInput, err)
	}
	for i, row := range rows {
		if row == nil {
			return nil, fmt.Errorf("%w: row %d is not an object", shared.ErrInvalidInput, i+1)
		}
	}
	return rows, nil
}

func readCSVRows(r io.Reader) ([]models.Row, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	var rows []models.Row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read CSV record: %v", shared.ErrInvalidInput, err)
		}

		row := make(models.Row, len(header))
		for i, field := range header {
			if record[i] != "" {
				row[field] = record[i]
			}
		}
		rows = append(rows, row)
	}
}
