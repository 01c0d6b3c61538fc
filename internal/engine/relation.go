package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// Relation is a named ephemeral relation holding one payload.
type Relation struct {
	Name     string
	Columns  []string
	RowCount int
}

// NewRelationName returns a collision-resistant relation name with prefix.
func NewRelationName(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// WithEphemeralRelation registers payload as a temporary relation, calls fn
// with it and releases the relation on every exit path. It must run inside a
// gated operation. A release failure is logged and never replaces the error
// returned by fn.
func WithEphemeralRelation(ctx context.Context, s *Session, payload any, fn func(rel Relation) error) error {
	table, err := FromPayload(payload)
	if err != nil {
		return err
	}

	rel := Relation{
		Name:     NewRelationName("temp_payload_"),
		Columns:  table.ColumnNames(),
		RowCount: len(table.Rows),
	}

	if err := CreateTable(ctx, s, rel.Name, true, table); err != nil {
		// Creation may have succeeded before the insert failed.
		dropTemp(ctx, s, rel.Name)
		return err
	}
	defer dropTemp(ctx, s, rel.Name)

	return fn(rel)
}

func dropTemp(ctx context.Context, s *Session, name string) {
	_, err := s.ExecContext(ctx, "DROP TABLE temp."+QuoteIdent(name))
	if err == nil {
		return
	}

	_, fallbackErr := s.ExecContext(context.WithoutCancel(ctx), "DROP TABLE IF EXISTS temp."+QuoteIdent(name))
	if fallbackErr != nil {
		s.logger.Error("failed to release ephemeral relation",
			slog.String("relation", name),
			slog.String("error", err.Error()),
			slog.String("fallback_error", fallbackErr.Error()))
		return
	}
	s.logger.Debug("ephemeral relation released by fallback",
		slog.String("relation", name),
		slog.String("error", err.Error()))
}

// TempRelations lists the temporary relations currently registered with
// prefix. It is used to verify that no payload relation outlives its scope.
func TempRelations(ctx context.Context, s *Session, prefix string) ([]string, error) {
	var names []string
	err := s.SelectContext(ctx, &names,
		"SELECT name FROM sqlite_temp_master WHERE type = 'table' AND name LIKE ? ESCAPE '\\'",
		strings.ReplaceAll(prefix, "_", `\_`)+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list temp relations: %w", err)
	}
	return names, nil
}
