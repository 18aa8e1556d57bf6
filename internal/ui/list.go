package ui

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	"github.com/desertthunder/livesync/internal/models"
	"github.com/samber/lo"
	"github.com/spf13/cast"
)

var _ list.Item = rowItem{}

// rowItem wraps [models.Row] to implement [list.Item].
//
// The title is the row id, followed by the sort column's value when the collection is ordered.
type rowItem struct {
	row    models.Row
	column string
}

func (i rowItem) FilterValue() string { return i.Title() + " " + i.Description() }

func (i rowItem) Title() string {
	if i.column == "" {
		return i.row.ID()
	}
	return fmt.Sprintf("%s • %s", i.row.ID(), i.row.String(i.column))
}

func (i rowItem) Description() string {
	keys := lo.Without(lo.Keys(map[string]any(i.row)), models.IDField, i.column)
	slices.Sort(keys)

	fields := lo.Map(keys, func(k string, _ int) string {
		return fmt.Sprintf("%s=%s", k, cast.ToString(i.row[k]))
	})
	return strings.Join(fields, " ")
}

func rowItems(rows []models.Row, column string) []list.Item {
	return lo.Map(rows, func(r models.Row, _ int) list.Item { return rowItem{row: r, column: column} })
}
