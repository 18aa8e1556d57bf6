package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/desertthunder/livesync/internal/models"
	"github.com/jmoiron/sqlx"
)

// Change is one entry of the change log.
type Change struct {
	Seq         uint64         `db:"seq"`
	Table       string         `db:"table_name"`
	RecordID    string         `db:"record_id"`
	SchoolID    sql.NullString `db:"school_id"`
	OldSchoolID sql.NullString `db:"old_school_id"`
	Op          string         `db:"op"`
	NewData     sql.NullString `db:"new_data"`
	OldData     sql.NullString `db:"old_data"`
	CreatedAt   time.Time      `db:"created_at"`
}

// Envelope converts the change to its wire form.
func (c Change) Envelope() (models.Envelope, error) {
	env := models.Envelope{
		Type:            models.ChangeType(c.Op),
		Table:           c.Table,
		Seq:             c.Seq,
		CommitTimestamp: c.CreatedAt,
	}

	if c.NewData.Valid {
		row, err := decodeRow(c.NewData.String)
		if err != nil {
			return models.Envelope{}, fmt.Errorf("change %d: %w", c.Seq, err)
		}
		env.Record = row
	}

	if c.OldData.Valid {
		row, err := decodeRow(c.OldData.String)
		if err != nil {
			return models.Envelope{}, fmt.Errorf("change %d: %w", c.Seq, err)
		}
		env.OldRecord = row
	}

	return env, nil
}

// ChangeLog reads the trigger-populated record_changes table.
type ChangeLog struct {
	db *sqlx.DB
}

// NewChangeLog creates a new ChangeLog with the given database connection
func NewChangeLog(db *sqlx.DB) *ChangeLog {
	return &ChangeLog{db: db}
}

// Head returns the sequence of the latest change, or 0 when the log is empty.
func (l *ChangeLog) Head(ctx context.Context) (uint64, error) {
	var seq uint64
	if err := l.db.GetContext(ctx, &seq, `SELECT COALESCE(MAX(seq), 0) FROM record_changes`); err != nil {
		return 0, fmt.Errorf("failed to read change log head: %w", err)
	}
	return seq, nil
}

// Since returns up to limit changes of q.Table after seq, oldest first.
//
// With q.SchoolID set, a change is included when the row belonged to the school before or after
// it, so rows moving out of the school are seen by its subscribers.
func (l *ChangeLog) Since(ctx context.Context, q models.Query, after uint64, limit int) ([]Change, error) {
	query := `
		SELECT seq, table_name, record_id, school_id, old_school_id, op, new_data, old_data, created_at
		FROM record_changes
		WHERE table_name = ? AND seq > ?`
	args := []any{q.Table, after}

	if q.SchoolID != "" {
		query += ` AND (school_id = ? OR old_school_id = ?)`
		args = append(args, q.SchoolID, q.SchoolID)
	}

	query += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, limit)

	var changes []Change
	if err := l.db.SelectContext(ctx, &changes, l.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to read change log: %w", err)
	}
	return changes, nil
}
