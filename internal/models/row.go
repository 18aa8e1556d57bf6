package models

import (
	"maps"

	"github.com/spf13/cast"
)

const (
	IDField     = "id"        // IDField is the primary key of every row
	TenantField = "school_id" // TenantField scopes a row to a school
)

// Row is a record of a logical table: an id, an optional school_id and any other fields.
type Row map[string]any

// ID returns the row's id coerced to a string, or "" when the row has none.
func (r Row) ID() string {
	v, ok := r[IDField]
	if !ok || v == nil {
		return ""
	}
	return cast.ToString(v)
}

// SchoolID returns the tenant the row belongs to. The second value is false for untenanted rows.
func (r Row) SchoolID() (string, bool) {
	v, ok := r[TenantField]
	if !ok || v == nil {
		return "", false
	}
	return cast.ToString(v), true
}

// Value returns the named field.
func (r Row) Value(column string) (any, bool) {
	v, ok := r[column]
	return v, ok
}

// Merge returns a new row with the fields of patch laid over r. Neither input is modified.
func (r Row) Merge(patch Row) Row {
	merged := make(Row, len(r)+len(patch))
	maps.Copy(merged, r)
	maps.Copy(merged, patch)
	return merged
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// String reads a field as a string, returning "" for missing or null values.
func (r Row) String(column string) string {
	v, ok := r[column]
	if !ok || v == nil {
		return ""
	}
	return cast.ToString(v)
}
