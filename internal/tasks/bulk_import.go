package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/desertthunder/livesync/internal/models"
	"github.com/desertthunder/livesync/internal/shared"
	"golang.org/x/time/rate"
)

// ImportOpts contains configuration for bulk row imports.
type ImportOpts struct {
	Table      string  // Destination table
	NumWorkers int     // Concurrent workers (default: 4, max: 16)
	RateLimit  float64 // Inserts per second (default: 50)
}

// RowResult is the outcome of inserting one row.
type RowResult struct {
	Index int    // Position in the input
	ID    string // Id of the stored row
	Error error
}

// ImportResult summarizes a bulk import.
type ImportResult struct {
	Table    string
	Total    int
	Inserted int
	Failed   int
	Failures []RowResult // Failed rows in input order
}

type importJob struct {
	index int
	row   models.Row
}

// BulkImport inserts rows concurrently with rate limiting and progress tracking.
//
// Rows that fail are recorded in the result and do not stop the import. Cancelling ctx stops
// dispatching; the partial result is returned with the context error.
func (e *Engine) BulkImport(ctx context.Context, prog chan<- ProgressUpdate, rows []models.Row, opts ImportOpts) (*ImportResult, error) {
	if e.insert == nil {
		return nil, fmt.Errorf("%w: no store to import into", shared.ErrServiceUnavailable)
	}
	if err := models.ValidateIdentifier(opts.Table); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}

	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 4
	}
	if opts.NumWorkers > 16 {
		opts.NumWorkers = 16
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 50
	}

	result := &ImportResult{Table: opts.Table, Total: len(rows)}
	limiter := rate.NewLimiter(rate.Limit(opts.RateLimit), opts.NumWorkers)

	jobs := make(chan importJob)
	results := make(chan RowResult, len(rows))

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go e.importWorker(ctx, &wg, opts.Table, jobs, results)
	}

	var dispatchErr error
	go func() {
		defer close(jobs)
		for i, row := range rows {
			if err := limiter.Wait(ctx); err != nil {
				dispatchErr = err
				return
			}
			select {
			case jobs <- importJob{index: i, row: row}:
			case <-ctx.Done():
				dispatchErr = ctx.Err()
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	failures := map[int]RowResult{}
	completed := 0
	for res := range results {
		completed++
		if res.Error != nil {
			result.Failed++
			failures[res.Index] = res
			e.diag.Warn("failed to import row", "table", opts.Table, "row", res.Index+1, "error", res.Error)
		} else {
			result.Inserted++
		}
		sendProgress(prog, rowInsertedUpdate(completed, len(rows), res))
	}

	for i := range rows {
		if f, ok := failures[i]; ok {
			result.Failures = append(result.Failures, f)
		}
	}

	if dispatchErr != nil {
		return result, fmt.Errorf("import interrupted after %d of %d rows: %w", completed, len(rows), dispatchErr)
	}
	return result, nil
}

// importWorker inserts rows from the jobs channel.
func (e *Engine) importWorker(ctx context.Context, wg *sync.WaitGroup, table string, jobs <-chan importJob, results chan<- RowResult) {
	defer wg.Done()

	for job := range jobs {
		res := RowResult{Index: job.index}
		stored, err := e.insert(ctx, table, job.row)
		if err != nil {
			res.Error = err
			res.ID = job.row.ID()
		} else {
			res.ID = stored.ID()
		}
		results <- res
	}
}
