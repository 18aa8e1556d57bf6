package models

import (
	"fmt"
	"regexp"
	"strings"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// OrderBy is the column and direction a collection is sorted by. The zero value means unordered.
type OrderBy struct {
	Column    string
	Ascending bool
}

// IsZero reports whether no sort column is set.
func (o OrderBy) IsZero() bool {
	return o.Column == ""
}

// String formats the ordering as an SQL ORDER BY fragment, e.g. "created_at DESC".
func (o OrderBy) String() string {
	if o.IsZero() {
		return ""
	}
	if o.Ascending {
		return o.Column + " ASC"
	}
	return o.Column + " DESC"
}

// Param formats the ordering as a query parameter, e.g. "created_at.desc".
func (o OrderBy) Param() string {
	if o.IsZero() {
		return ""
	}
	if o.Ascending {
		return o.Column + ".asc"
	}
	return o.Column + ".desc"
}

// ParseOrderBy parses "column", "column.asc" or "column.desc". A bare column sorts ascending.
func ParseOrderBy(s string) (OrderBy, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return OrderBy{}, nil
	}

	column, dir, found := strings.Cut(s, ".")
	if err := ValidateIdentifier(column); err != nil {
		return OrderBy{}, err
	}

	if !found {
		return OrderBy{Column: column, Ascending: true}, nil
	}

	switch strings.ToLower(dir) {
	case "asc":
		return OrderBy{Column: column, Ascending: true}, nil
	case "desc":
		return OrderBy{Column: column, Ascending: false}, nil
	default:
		return OrderBy{}, fmt.Errorf("invalid order direction %q", dir)
	}
}

// ValidateIdentifier rejects table and column names that are not plain identifiers.
func ValidateIdentifier(name string) error {
	if !identifier.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// Query selects the rows of one table, optionally scoped to a school and ordered.
type Query struct {
	Table    string
	SchoolID string
	OrderBy  OrderBy
}

// Validate checks the table and order column names.
func (q Query) Validate() error {
	if err := ValidateIdentifier(q.Table); err != nil {
		return fmt.Errorf("table: %w", err)
	}
	if !q.OrderBy.IsZero() {
		if err := ValidateIdentifier(q.OrderBy.Column); err != nil {
			return fmt.Errorf("order: %w", err)
		}
	}
	return nil
}

// Snapshot is the result of a [Query]: ordered rows plus the change-log sequence they reflect.
//
// Seq is 0 when the store does not track one.
type Snapshot struct {
	Rows []Row  `json:"rows"`
	Seq  uint64 `json:"seq"`
}
