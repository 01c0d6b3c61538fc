package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
)

// ErrUnsupportedPayload is returned for payloads that are neither an object
// nor an array of objects.
var ErrUnsupportedPayload = errors.New("payload must be a JSON object or an array of objects")

// EmptyColumn is the placeholder column of a relation built from rows without
// any fields.
const EmptyColumn = "_empty"

// maxVariables bounds the bind parameters of one insert statement.
const maxVariables = 999

// Column is a relation column. An empty Type leaves the column untyped.
type Column struct {
	Name string
	Type string
}

// Table is tabular data ready to be materialized in the engine. Row values
// are engine values: int64, float64, string, nil.
type Table struct {
	Columns []Column
	Rows    [][]any
}

// ColumnNames returns the column names in order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// tableBuilder accumulates records whose keys may differ, folding column
// names case-insensitively and keeping the first spelling.
type tableBuilder struct {
	index   map[string]int
	columns []Column
	records []map[int]any
}

func newTableBuilder() *tableBuilder {
	return &tableBuilder{index: make(map[string]int)}
}

func (b *tableBuilder) column(name string) int {
	if name == "" {
		name = "_"
	}
	key := strings.ToLower(name)
	if i, ok := b.index[key]; ok {
		return i
	}
	b.index[key] = len(b.columns)
	b.columns = append(b.columns, Column{Name: name})
	return len(b.columns) - 1
}

func (b *tableBuilder) add(record map[int]any) {
	b.records = append(b.records, record)
}

func (b *tableBuilder) build() *Table {
	t := &Table{Columns: b.columns}
	if len(t.Columns) == 0 {
		t.Columns = []Column{{Name: EmptyColumn}}
	}
	t.Rows = make([][]any, len(b.records))
	for i, rec := range b.records {
		row := make([]any, len(t.Columns))
		for col, v := range rec {
			row[col] = v
		}
		t.Rows[i] = row
	}
	return t
}

// FromPayload converts a webhook payload into a Table. Raw JSON
// (json.RawMessage, []byte or string) keeps the key order of the document.
// Already decoded values (map[string]any or []any) are accepted too; their
// keys are ordered alphabetically.
func FromPayload(payload any) (*Table, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return FromJSON(p)
	case []byte:
		return FromJSON(p)
	case string:
		return FromJSON([]byte(p))
	case map[string]any:
		b := newTableBuilder()
		b.add(decodedRecord(b, p))
		return b.build(), nil
	case []any:
		b := newTableBuilder()
		for _, item := range p {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, ErrUnsupportedPayload
			}
			b.add(decodedRecord(b, obj))
		}
		return b.build(), nil
	default:
		return nil, ErrUnsupportedPayload
	}
}

// FromJSON parses a JSON object or array of objects into a Table.
func FromJSON(data []byte) (*Table, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrUnsupportedPayload
	}

	b := newTableBuilder()
	switch data[0] {
	case '{':
		rec, err := parseObject(b, data)
		if err != nil {
			return nil, err
		}
		b.add(rec)
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("invalid JSON payload: %w", err)
		}
		for _, item := range items {
			item = bytes.TrimSpace(item)
			if len(item) == 0 || item[0] != '{' {
				return nil, ErrUnsupportedPayload
			}
			rec, err := parseObject(b, item)
			if err != nil {
				return nil, err
			}
			b.add(rec)
		}
	default:
		if !json.Valid(data) {
			return nil, fmt.Errorf("invalid JSON payload")
		}
		return nil, ErrUnsupportedPayload
	}
	return b.build(), nil
}

func parseObject(b *tableBuilder, data []byte) (map[int]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	rec := make(map[int]any)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("invalid JSON payload: %w", err)
		}
		key, _ := tok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("invalid JSON payload: %w", err)
		}
		v, err := rawValue(raw)
		if err != nil {
			return nil, err
		}
		rec[b.column(key)] = v
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	return rec, nil
}

func rawValue(raw json.RawMessage) (any, error) {
	raw = bytes.TrimSpace(raw)
	switch raw[0] {
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, fmt.Errorf("invalid JSON payload: %w", err)
		}
		return buf.String(), nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("invalid JSON payload: %w", err)
		}
		return s, nil
	case 't':
		return int64(1), nil
	case 'f':
		return int64(0), nil
	case 'n':
		return nil, nil
	default:
		return numberValue(json.Number(raw)), nil
	}
}

func decodedRecord(b *tableBuilder, obj map[string]any) map[int]any {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rec := make(map[int]any, len(keys))
	for _, k := range keys {
		rec[b.column(k)] = decodedValue(obj[k])
	}
	return rec
}

func decodedValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case string:
		return x
	case json.Number:
		return numberValue(x)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
		return x
	case int:
		return int64(x)
	case int64:
		return x
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	}
}

func numberValue(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// QuoteIdent quotes an identifier for use in engine statements.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// CreateTable materializes t under name. temp creates a connection-local
// temporary table.
func CreateTable(ctx context.Context, exec sqlx.ExecerContext, name string, temp bool, t *Table) error {
	defs := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		defs[i] = QuoteIdent(c.Name)
		if c.Type != "" {
			defs[i] += " " + c.Type
		}
	}

	kind := "TABLE"
	if temp {
		kind = "TEMP TABLE"
	}
	stmt := fmt.Sprintf("CREATE %s %s (%s)", kind, QuoteIdent(name), strings.Join(defs, ", "))
	if _, err := exec.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create relation %s: %w", name, err)
	}
	return InsertRows(ctx, exec, name, t)
}

// InsertRows appends the rows of t to the relation name using multi-row
// inserts.
func InsertRows(ctx context.Context, exec sqlx.ExecerContext, name string, t *Table) error {
	if len(t.Rows) == 0 {
		return nil
	}

	cols := len(t.Columns)
	quoted := make([]string, cols)
	for i, c := range t.Columns {
		quoted[i] = QuoteIdent(c.Name)
	}
	rowPlaceholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", cols), ", ") + ")"
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", QuoteIdent(name), strings.Join(quoted, ", "))

	batch := maxVariables / cols
	if batch < 1 {
		batch = 1
	}
	for start := 0; start < len(t.Rows); start += batch {
		end := min(start+batch, len(t.Rows))
		placeholders := make([]string, 0, end-start)
		args := make([]any, 0, (end-start)*cols)
		for _, row := range t.Rows[start:end] {
			placeholders = append(placeholders, rowPlaceholder)
			args = append(args, row...)
		}
		if _, err := exec.ExecContext(ctx, prefix+strings.Join(placeholders, ", "), args...); err != nil {
			return fmt.Errorf("failed to fill relation %s: %w", name, err)
		}
	}
	return nil
}
