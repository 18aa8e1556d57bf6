// package formatter exports table rows to various formats (CSV, Markdown, plain text, JSON)
package formatter

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/desertthunder/livesync/internal/models"
	"github.com/desertthunder/livesync/internal/shared"
	"github.com/samber/lo"
	"github.com/spf13/cast"
)

// Format names an export format.
type Format string

const (
	FormatCSV      Format = "csv"
	FormatMarkdown Format = "md"
	FormatText     Format = "txt"
	FormatJSON     Format = "json"
)

// ParseFormat accepts a format name or its common aliases ("markdown", "text").
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "csv":
		return FormatCSV, nil
	case "md", "markdown":
		return FormatMarkdown, nil
	case "txt", "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: unknown format %q", shared.ErrInvalidFlag, s)
	}
}

// Columns returns the union of the rows' keys: id and school_id first, the rest sorted.
func Columns(rows []models.Row) []string {
	keys := lo.Uniq(lo.FlatMap(rows, func(r models.Row, _ int) []string { return lo.Keys(map[string]any(r)) }))
	rest := lo.Without(keys, models.IDField, models.TenantField)
	slices.Sort(rest)

	cols := []string{models.IDField}
	if slices.Contains(keys, models.TenantField) {
		cols = append(cols, models.TenantField)
	}
	return append(cols, rest...)
}

// cell renders a field for tabular output. Nested values are written as JSON.
func cell(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case map[string]any, []any, models.Row:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	default:
		s, err := cast.ToStringE(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return s
	}
}

// Export renders rows in the given format. Title heads the Markdown and text output.
func Export(format Format, title string, rows []models.Row) ([]byte, error) {
	switch format {
	case FormatCSV:
		return ExportToCSV(rows)
	case FormatMarkdown:
		return ExportToMarkdown(title, rows)
	case FormatText:
		return ExportToText(title, rows)
	case FormatJSON:
		return ExportToJSON(rows)
	default:
		return nil, fmt.Errorf("%w: unknown format %q", shared.ErrInvalidFlag, format)
	}
}

// ExportToCSV converts rows to CSV with a header of [Columns].
func ExportToCSV(rows []models.Row) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	cols := Columns(rows)
	if err := writer.Write(cols); err != nil {
		return nil, fmt.Errorf("failed to write CSV headers: %w", err)
	}

	for _, row := range rows {
		record := lo.Map(cols, func(c string, _ int) string { return cell(row[c]) })
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// ExportToMarkdown converts rows to a Markdown document with a table of [Columns].
func ExportToMarkdown(title string, rows []models.Row) ([]byte, error) {
	var buf bytes.Buffer

	if title != "" {
		fmt.Fprintf(&buf, "# %s\n\n", title)
	}
	fmt.Fprintf(&buf, "**Rows**: %d\n\n", len(rows))

	if len(rows) == 0 {
		return buf.Bytes(), nil
	}

	cols := Columns(rows)
	fmt.Fprintf(&buf, "| %s |\n", strings.Join(cols, " | "))
	fmt.Fprintf(&buf, "|%s\n", strings.Repeat(" --- |", len(cols)))
	for _, row := range rows {
		cells := lo.Map(cols, func(c string, _ int) string { return escapeMarkdown(cell(row[c])) })
		fmt.Fprintf(&buf, "| %s |\n", strings.Join(cells, " | "))
	}

	return buf.Bytes(), nil
}

func escapeMarkdown(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

// ExportToText converts rows to plain text, one numbered line per row.
func ExportToText(title string, rows []models.Row) ([]byte, error) {
	var buf bytes.Buffer

	if title != "" {
		fmt.Fprintf(&buf, "Table: %s\n", title)
	}
	fmt.Fprintf(&buf, "Rows: %d\n\n", len(rows))

	cols := Columns(rows)
	for i, row := range rows {
		fields := lo.FilterMap(cols[1:], func(c string, _ int) (string, bool) {
			v, ok := row[c]
			return fmt.Sprintf("%s=%s", c, cell(v)), ok
		})
		fmt.Fprintf(&buf, "%d. %s", i+1, row.ID())
		if len(fields) > 0 {
			fmt.Fprintf(&buf, " %s", strings.Join(fields, " "))
		}
		buf.WriteString("\n")
	}

	return buf.Bytes(), nil
}

// ExportToJSON converts rows to an indented JSON array.
func ExportToJSON(rows []models.Row) ([]byte, error) {
	if rows == nil {
		rows = []models.Row{}
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rows: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteExport renders rows and writes them to path.
//
// Defaults to {title}.{format} as the filename.
func WriteExport(format Format, title string, rows []models.Row, path string) (string, error) {
	if path == "" {
		name := title
		if name == "" {
			name = "export"
		}
		path = fmt.Sprintf("%s.%s", name, format)
	}

	data, err := Export(format, title, rows)
	if err != nil {
		return "", fmt.Errorf("failed to generate %s: %w", format, err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write export file: %w", err)
	}

	return path, nil
}
