// Package query evaluates operator-supplied filter and transform queries
// against webhook payloads and serves the read-only ad-hoc console.
package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// outputValue converts an engine value into its JSON-ready form. Text that
// holds a JSON object or array is emitted as nested JSON.
func outputValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		return textValue(string(x))
	case string:
		return textValue(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return x
	}
}

func textValue(s string) any {
	trimmed := bytes.TrimSpace([]byte(s))
	if len(trimmed) > 1 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	return s
}

// scanRows reads all rows as slices of output values.
func scanRows(rows *sqlx.Rows) ([][]any, error) {
	var out [][]any
	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range vals {
			vals[i] = outputValue(v)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
