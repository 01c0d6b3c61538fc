package query

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/tjfontaine/webhook-gateway/internal/core/domain"
	"github.com/tjfontaine/webhook-gateway/internal/engine"
)

var writeKeywords = regexp.MustCompile(`(?i)\b(DROP|DELETE|TRUNCATE|INSERT|UPDATE|ALTER|CREATE|REPLACE|ATTACH|DETACH|PRAGMA|VACUUM)\b`)

var errRollback = errors.New("rollback")

// ConsoleResult is the outcome of an ad-hoc query.
type ConsoleResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"result"`
}

// Console runs operator ad-hoc queries. Statements naming a write keyword are
// rejected, and everything runs in a transaction that is always rolled back.
type Console struct {
	gate *engine.Gate
}

// NewConsole creates an ad-hoc query console.
func NewConsole(gate *engine.Gate) *Console {
	return &Console{gate: gate}
}

// CheckReadOnly rejects queries that contain a write keyword as a whole word.
func CheckReadOnly(query string) error {
	if strings.TrimSpace(query) == "" {
		return domain.Invalid("query is required")
	}
	if kw := writeKeywords.FindString(query); kw != "" {
		return domain.Invalid("write operations not allowed in ad-hoc queries (%s)", strings.ToUpper(kw))
	}
	return nil
}

// Run executes query and returns its columns and rows.
func (c *Console) Run(ctx context.Context, query string) (*ConsoleResult, error) {
	if err := CheckReadOnly(query); err != nil {
		return nil, err
	}

	result := &ConsoleResult{Columns: []string{}, Rows: [][]any{}}
	err := c.gate.Do(ctx, "console", func(ctx context.Context, s *engine.Session) error {
		return s.WithTx(ctx, func(tx *sqlx.Tx) error {
			rows, err := tx.QueryxContext(ctx, query)
			if err != nil {
				return err
			}
			defer rows.Close()

			if result.Columns, err = rows.Columns(); err != nil {
				return err
			}
			scanned, err := scanRows(rows)
			if err != nil {
				return err
			}
			if scanned != nil {
				result.Rows = scanned
			}
			return errRollback
		})
	})
	if err != nil && !errors.Is(err, errRollback) {
		return nil, executionError("query failed", err)
	}
	return result, nil
}
