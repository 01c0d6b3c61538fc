package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tjfontaine/webhook-gateway/internal/core/domain"
	"github.com/tjfontaine/webhook-gateway/internal/engine"
)

// ResultsKey holds the row list of a multi-row transform result.
const ResultsKey = "results"

// Transformer runs transform queries against payloads.
type Transformer struct {
	gate   *engine.Gate
	logger *slog.Logger
}

// NewTransformer creates a transform executor.
func NewTransformer(gate *engine.Gate, logger *slog.Logger) *Transformer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transformer{gate: gate, logger: logger}
}

// Transform substitutes the payload relation for every {{payload}} in
// transformQuery, executes it and shapes the rows: no rows give an empty
// record, one row a flat record, several rows {"results": [...]}.
func (t *Transformer) Transform(ctx context.Context, transformQuery string, payload any) (map[string]any, error) {
	var (
		columns []string
		colErr  error
		rows    [][]any
	)
	err := t.gate.Do(ctx, "transform", func(ctx context.Context, s *engine.Session) error {
		return engine.WithEphemeralRelation(ctx, s, payload, func(rel engine.Relation) error {
			q := strings.ReplaceAll(transformQuery, domain.PayloadPlaceholder, rel.Name)
			res, err := s.QueryxContext(ctx, q)
			if err != nil {
				return err
			}
			defer res.Close()

			columns, colErr = res.Columns()
			rows, err = scanRows(res)
			return err
		})
	})
	if err != nil {
		return nil, executionError("transform query failed", err)
	}

	if colErr != nil {
		t.logger.Warn("transform column names unavailable, using positional names",
			slog.String("error", colErr.Error()))
	}
	return shapeRows(columns, colErr, rows), nil
}

// shapeRows shapes rows under their column names. When names are
// unavailable, the first row alone is returned keyed col_0, col_1, ...
func shapeRows(names []string, err error, rows [][]any) map[string]any {
	columns, positional := resolveColumns(names, err, rows)
	if positional && len(rows) > 0 {
		return record(columns, rows[0])
	}
	return shape(columns, rows)
}

// resolveColumns returns the result column names, falling back to col_0,
// col_1, ... sized by the first row when names are unavailable.
func resolveColumns(names []string, err error, rows [][]any) (columns []string, positional bool) {
	if err == nil && (len(rows) == 0 || len(names) == len(rows[0])) {
		return names, false
	}
	width := len(names)
	if len(rows) > 0 {
		width = len(rows[0])
	}
	fallback := make([]string, width)
	for i := range fallback {
		fallback[i] = fmt.Sprintf("col_%d", i)
	}
	return fallback, true
}

func shape(columns []string, rows [][]any) map[string]any {
	switch len(rows) {
	case 0:
		return map[string]any{}
	case 1:
		return record(columns, rows[0])
	default:
		results := make([]map[string]any, len(rows))
		for i, row := range rows {
			results[i] = record(columns, row)
		}
		return map[string]any{ResultsKey: results}
	}
}

func record(columns []string, row []any) map[string]any {
	rec := make(map[string]any, len(columns))
	for i, name := range columns {
		if i < len(row) {
			rec[name] = row[i]
		}
	}
	return rec
}
