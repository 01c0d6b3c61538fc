// Package reference materializes operator-uploaded lookup data as
// persistent engine relations that transform queries can join against.
package reference

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tjfontaine/webhook-gateway/internal/core/domain"
	"github.com/tjfontaine/webhook-gateway/internal/engine"
)

// Parse reads an upload, choosing the format from the file extension.
func Parse(filename string, r io.Reader) (*engine.Table, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return ParseCSV(r)
	case ".json":
		return ParseJSON(r)
	default:
		return nil, domain.Invalid("Unsupported file type. Please upload CSV or JSON.")
	}
}

// ParseCSV reads a CSV document with a header row. Each column is typed by
// the values of all its non-empty cells; empty cells become NULL.
func ParseCSV(r io.Reader) (*engine.Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, domain.Invalid("CSV file is empty")
	}
	if err != nil {
		return nil, domain.Invalid("invalid CSV: %v", err)
	}

	table := &engine.Table{Columns: headerColumns(header)}
	var cells [][]string
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.Invalid("invalid CSV: %v", err)
		}
		cells = append(cells, record)
	}

	kinds := make([]string, len(table.Columns))
	for col := range table.Columns {
		kinds[col] = inferColumn(cells, col)
		table.Columns[col].Type = kinds[col]
	}

	table.Rows = make([][]any, len(cells))
	for i, record := range cells {
		row := make([]any, len(table.Columns))
		for col := range table.Columns {
			if col < len(record) {
				row[col] = cellValue(record[col], kinds[col])
			}
		}
		table.Rows[i] = row
	}
	return table, nil
}

// ParseJSON reads a JSON object or array of objects.
func ParseJSON(r io.Reader) (*engine.Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	table, err := engine.FromJSON(data)
	if err != nil {
		return nil, domain.Invalid("invalid JSON table: %v", err)
	}
	for col := range table.Columns {
		table.Columns[col].Type = inferValues(table.Rows, col)
	}
	return table, nil
}

func headerColumns(header []string) []engine.Column {
	seen := make(map[string]int)
	cols := make([]engine.Column, len(header))
	for i, h := range header {
		name := strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if name == "" {
			name = fmt.Sprintf("col_%d", i)
		}
		key := strings.ToLower(name)
		if n := seen[key]; n > 0 {
			name = fmt.Sprintf("%s_%d", name, n+1)
		}
		seen[key]++
		cols[i] = engine.Column{Name: name}
	}
	return cols
}

func inferColumn(cells [][]string, col int) string {
	kind := ""
	for _, record := range cells {
		if col >= len(record) || strings.TrimSpace(record[col]) == "" {
			continue
		}
		kind = widen(kind, classify(strings.TrimSpace(record[col])))
		if kind == "TEXT" {
			break
		}
	}
	if kind == "" {
		return "TEXT"
	}
	return kind
}

func inferValues(rows [][]any, col int) string {
	kind := ""
	for _, row := range rows {
		switch row[col].(type) {
		case nil:
			continue
		case int64:
			kind = widen(kind, "INTEGER")
		case float64:
			kind = widen(kind, "REAL")
		default:
			kind = "TEXT"
		}
		if kind == "TEXT" {
			break
		}
	}
	if kind == "" {
		return "TEXT"
	}
	return kind
}

func classify(s string) string {
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return "INTEGER"
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return "REAL"
	}
	return "TEXT"
}

func widen(current, next string) string {
	switch {
	case current == "" || current == next:
		return next
	case current == "TEXT" || next == "TEXT":
		return "TEXT"
	default:
		return "REAL"
	}
}

func cellValue(s, kind string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	switch kind {
	case "INTEGER":
		i, _ := strconv.ParseInt(s, 10, 64)
		return i
	case "REAL":
		f, _ := strconv.ParseFloat(s, 64)
		return f
	default:
		return s
	}
}
