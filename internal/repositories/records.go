package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/livesync/internal/models"
	"github.com/desertthunder/livesync/internal/shared"
	"github.com/jmoiron/sqlx"
)

// RecordRepository stores the rows of every logical table as JSON documents.
//
// Writes go through the records table only; the database triggers record each change in the
// change log, so the changefeed sees exactly what was committed.
type RecordRepository struct {
	db *sqlx.DB
}

// NewRecordRepository creates a new RecordRepository with the given database connection
func NewRecordRepository(db *sqlx.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

type record struct {
	Table     string         `db:"table_name"`
	ID        string         `db:"id"`
	Sequence  int64          `db:"sequence"`
	SchoolID  sql.NullString `db:"school_id"`
	Data      string         `db:"data"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (r record) row() (models.Row, error) {
	return decodeRow(r.Data)
}

func decodeRow(data string) (models.Row, error) {
	var row models.Row
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		return nil, fmt.Errorf("failed to decode record data: %w", err)
	}
	return row, nil
}

func encodeRow(row models.Row) (string, sql.NullString, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("failed to encode record data: %w", err)
	}
	school, ok := row.SchoolID()
	return string(data), sql.NullString{String: school, Valid: ok}, nil
}

// Create inserts row into table, assigning an id when it has none and the next sequence.
// It returns the stored row.
func (r *RecordRepository) Create(ctx context.Context, table string, row models.Row) (models.Row, error) {
	if err := models.ValidateIdentifier(table); err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrInvalidInput, err)
	}

	row = row.Clone()
	if row.ID() == "" {
		row[models.IDField] = shared.GenerateID()
	}

	data, school, err := encodeRow(row)
	if err != nil {
		return nil, err
	}

	query := r.db.Rebind(`
		INSERT INTO records (table_name, id, sequence, school_id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)

	err = withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		sequence, err := NextSequence(ctx, tx, "records")
		if err != nil {
			return fmt.Errorf("failed to generate sequence: %w", err)
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, query, table, row.ID(), sequence, school, data, now, now); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s/%s", shared.ErrRecordExists, table, row.ID())
			}
			return fmt.Errorf("failed to insert record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return row, nil
}

// Get retrieves a row by id.
func (r *RecordRepository) Get(ctx context.Context, table, id string) (models.Row, error) {
	rec, err := r.get(ctx, r.db, table, id)
	if err != nil {
		return nil, err
	}
	return rec.row()
}

func (r *RecordRepository) get(ctx context.Context, q sqlx.QueryerContext, table, id string) (record, error) {
	query := r.db.Rebind(`
		SELECT table_name, id, sequence, school_id, data, created_at, updated_at
		FROM records
		WHERE table_name = ? AND id = ?
	`)

	var rec record
	if err := sqlx.GetContext(ctx, q, &rec, query, table, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return record{}, fmt.Errorf("%w: %s/%s", shared.ErrRecordNotFound, table, id)
		}
		return record{}, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// Update shallow-merges patch into the stored row and returns the result. The id cannot change.
func (r *RecordRepository) Update(ctx context.Context, table, id string, patch models.Row) (models.Row, error) {
	var merged models.Row

	err := withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		rec, err := r.get(ctx, tx, table, id)
		if err != nil {
			return err
		}

		current, err := rec.row()
		if err != nil {
			return err
		}

		merged = current.Merge(patch)
		merged[models.IDField] = id

		data, school, err := encodeRow(merged)
		if err != nil {
			return err
		}

		query := r.db.Rebind(`
			UPDATE records
			SET data = ?, school_id = ?, updated_at = ?
			WHERE table_name = ? AND id = ?
		`)
		if _, err := tx.ExecContext(ctx, query, data, school, time.Now().UTC(), table, id); err != nil {
			return fmt.Errorf("failed to update record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return merged, nil
}

// Delete removes a row.
func (r *RecordRepository) Delete(ctx context.Context, table, id string) error {
	query := r.db.Rebind(`DELETE FROM records WHERE table_name = ? AND id = ?`)

	result, err := r.db.ExecContext(ctx, query, table, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s/%s", shared.ErrRecordNotFound, table, id)
	}

	return nil
}

// Snapshot reads the rows matching q in order, together with the change-log sequence they reflect.
//
// Rows without the sort column come last in ascending order and first in descending order. Equal
// keys keep insertion order. Without a sort column the newest rows come first.
func (r *RecordRepository) Snapshot(ctx context.Context, q models.Query) (models.Snapshot, error) {
	if err := q.Validate(); err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: %w", shared.ErrInvalidInput, err)
	}

	query, args := r.snapshotQuery(q)
	var snap models.Snapshot

	err := withTx(ctx, r.db, snapshotTxOptions(r.db), func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &snap.Seq, `SELECT COALESCE(MAX(seq), 0) FROM record_changes`); err != nil {
			return fmt.Errorf("failed to read change log head: %w", err)
		}

		var data []string
		if err := tx.SelectContext(ctx, &data, query, args...); err != nil {
			return fmt.Errorf("failed to query records: %w", err)
		}

		snap.Rows = make([]models.Row, 0, len(data))
		for _, d := range data {
			row, err := decodeRow(d)
			if err != nil {
				return err
			}
			snap.Rows = append(snap.Rows, row)
		}
		return nil
	})
	if err != nil {
		return models.Snapshot{}, err
	}

	return snap, nil
}

func (r *RecordRepository) snapshotQuery(q models.Query) (string, []any) {
	query := `SELECT data FROM records WHERE table_name = ?`
	args := []any{q.Table}

	if q.SchoolID != "" {
		query += ` AND school_id = ?`
		args = append(args, q.SchoolID)
	}

	if q.OrderBy.IsZero() {
		query += ` ORDER BY sequence DESC`
	} else {
		dir := "ASC NULLS LAST"
		if !q.OrderBy.Ascending {
			dir = "DESC NULLS FIRST"
		}
		query += fmt.Sprintf(` ORDER BY %s %s, sequence ASC`, jsonField(r.db.DriverName(), q.OrderBy.Column), dir)
	}

	return r.db.Rebind(query), args
}

// jsonField returns the SQL expression reading column from the data document. column must be a
// validated identifier.
func jsonField(driver, column string) string {
	if driver == shared.DriverPostgres {
		return fmt.Sprintf(`NULLIF(data->'%s', 'null'::jsonb)`, column)
	}
	return fmt.Sprintf(`json_extract(data, '$.%s')`, column)
}
