package reference

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/tjfontaine/webhook-gateway/internal/core/domain"
	"github.com/tjfontaine/webhook-gateway/internal/engine"
	"github.com/tjfontaine/webhook-gateway/internal/storage"
)

// Store uploads and removes reference relations.
type Store struct {
	gate   *engine.Gate
	logger *slog.Logger
}

// NewStore creates a reference relation store.
func NewStore(gate *engine.Gate, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{gate: gate, logger: logger}
}

// Upload materializes table as the endpoint's reference relation called
// name, replacing any previous contents. The relation and its metadata
// change in one transaction, so a failed upload leaves nothing behind.
func (s *Store) Upload(ctx context.Context, endpointID, name, description string, table *engine.Table) (*domain.ReferenceTable, error) {
	name = domain.Sanitize(strings.TrimSpace(name))
	if endpointID == "" {
		return nil, domain.Invalid("webhook_id is required")
	}
	if strings.Trim(name, "_") == "" {
		return nil, domain.Invalid("table_name is required")
	}
	if table == nil || len(table.Columns) == 0 {
		return nil, domain.Invalid("uploaded table has no columns")
	}

	storageName := domain.ReferenceStorageName(endpointID, name)
	var rt *domain.ReferenceTable

	err := s.gate.Do(ctx, "upload_reference", func(ctx context.Context, sess *engine.Session) error {
		staging := engine.NewRelationName("temp_stage_")

		err := sess.WithTx(ctx, func(tx *sqlx.Tx) error {
			existing, err := storage.FindReferenceTable(ctx, tx, endpointID, storageName)
			if err != nil {
				return err
			}

			if err := engine.CreateTable(ctx, tx, staging, true, table); err != nil {
				return err
			}
			stmts := []string{
				"DROP TABLE IF EXISTS main." + engine.QuoteIdent(storageName),
				"CREATE TABLE main." + engine.QuoteIdent(storageName) + " AS SELECT * FROM temp." + engine.QuoteIdent(staging),
				"DROP TABLE temp." + engine.QuoteIdent(staging),
			}
			for _, stmt := range stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("failed to materialize %s: %w", storageName, err)
				}
			}

			rt = existing
			if rt == nil {
				rt = &domain.ReferenceTable{EndpointID: endpointID, StorageName: storageName}
			}
			rt.Name = name
			rt.Description = description
			rt.RowCount = int64(len(table.Rows))
			return storage.SaveReferenceTable(ctx, tx, rt)
		})
		if err != nil {
			s.dropStaging(ctx, sess, staging)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("reference table uploaded",
		slog.String("webhook_id", endpointID),
		slog.String("storage_name", storageName),
		slog.Int64("row_count", rt.RowCount))
	return rt, nil
}

func (s *Store) dropStaging(ctx context.Context, sess *engine.Session, staging string) {
	_, err := sess.ExecContext(context.WithoutCancel(ctx), "DROP TABLE IF EXISTS temp."+engine.QuoteIdent(staging))
	if err != nil {
		s.logger.Warn("failed to drop staging relation",
			slog.String("relation", staging),
			slog.String("error", err.Error()))
	}
}

// Delete drops every reference relation of the endpoint with its metadata.
func (s *Store) Delete(ctx context.Context, endpointID string) error {
	return s.gate.Do(ctx, "delete_references", func(ctx context.Context, sess *engine.Session) error {
		return sess.WithTx(ctx, func(tx *sqlx.Tx) error {
			tables, err := storage.ReferenceTables(ctx, tx, endpointID)
			if err != nil {
				return err
			}
			for _, rt := range tables {
				if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS main."+engine.QuoteIdent(rt.StorageName)); err != nil {
					return fmt.Errorf("failed to drop %s: %w", rt.StorageName, err)
				}
			}
			return storage.DeleteReferenceTables(ctx, tx, endpointID)
		})
	})
}
