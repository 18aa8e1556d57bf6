package reconcile

import (
	"cmp"
	"encoding/json"
	"time"

	"github.com/desertthunder/livesync/internal/models"
	"github.com/spf13/cast"
)

// compareBy orders a and b by the column in o. Missing and null values sort last ascending and
// first descending, matching the database default.
func compareBy[T Entity[T]](o models.OrderBy, a, b T) int {
	av, _ := a.Value(o.Column)
	bv, _ := b.Value(o.Column)

	c := compareValues(av, bv)
	if !o.Ascending {
		c = -c
	}
	return c
}

func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}

	if isNumber(a) && isNumber(b) {
		return cmp.Compare(cast.ToFloat64(a), cast.ToFloat64(b))
	}

	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Compare(bt)
		}
	}

	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case !ab:
				return -1
			default:
				return 1
			}
		}
	}

	return cmp.Compare(cast.ToString(a), cast.ToString(b))
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return true
	default:
		return false
	}
}

// sameSortKey reports whether a and b hold the same value in the sort column.
func sameSortKey[T Entity[T]](o models.OrderBy, a, b T) bool {
	return compareBy(o, a, b) == 0
}
