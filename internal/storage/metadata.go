package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tjfontaine/webhook-gateway/internal/core/domain"
)

// The helpers in this file take a query handle instead of using the gate so
// they can join a larger gated operation or transaction.

const referenceColumns = `id, webhook_id, table_name, storage_name, description, row_count, created_at, updated_at`

// FindReferenceTable returns the metadata of a reference relation, or nil
// when none is recorded.
func FindReferenceTable(ctx context.Context, q sqlx.QueryerContext, endpointID, storageName string) (*domain.ReferenceTable, error) {
	var rt domain.ReferenceTable
	err := sqlx.GetContext(ctx, q, &rt, `SELECT `+referenceColumns+` FROM reference_tables
		WHERE webhook_id = ? AND storage_name = ?`, endpointID, storageName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reference table: %w", err)
	}
	return &rt, nil
}

// SaveReferenceTable inserts rt, or updates it when rt.ID is already set.
func SaveReferenceTable(ctx context.Context, db sqlx.ExecerContext, rt *domain.ReferenceTable) error {
	ts := now()
	rt.UpdatedAt = ts

	if rt.ID != "" {
		_, err := db.ExecContext(ctx, `UPDATE reference_tables
			SET description = ?, row_count = ?, table_name = ?, updated_at = ?
			WHERE id = ?`, rt.Description, rt.RowCount, rt.Name, rt.UpdatedAt, rt.ID)
		if err != nil {
			return fmt.Errorf("failed to update reference table: %w", err)
		}
		return nil
	}

	rt.ID = uuid.NewString()
	rt.CreatedAt = ts
	_, err := db.ExecContext(ctx, `INSERT INTO reference_tables (`+referenceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rt.ID, rt.EndpointID, rt.Name, rt.StorageName, rt.Description, rt.RowCount, rt.CreatedAt, rt.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert reference table: %w", err)
	}
	return nil
}

// ReferenceTables lists reference metadata, for one endpoint when endpointID
// is not empty.
func ReferenceTables(ctx context.Context, q sqlx.QueryerContext, endpointID string) ([]domain.ReferenceTable, error) {
	tables := []domain.ReferenceTable{}
	query := `SELECT ` + referenceColumns + ` FROM reference_tables`
	var args []any
	if endpointID != "" {
		query += ` WHERE webhook_id = ?`
		args = append(args, endpointID)
	}
	if err := sqlx.SelectContext(ctx, q, &tables, query+` ORDER BY updated_at DESC`, args...); err != nil {
		return nil, fmt.Errorf("failed to list reference tables: %w", err)
	}
	return tables, nil
}

// DeleteReferenceTables removes the reference metadata of an endpoint.
func DeleteReferenceTables(ctx context.Context, db sqlx.ExecerContext, endpointID string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM reference_tables WHERE webhook_id = ?`, endpointID); err != nil {
		return fmt.Errorf("failed to delete reference tables: %w", err)
	}
	return nil
}

const functionColumns = `id, webhook_id, function_name, engine_name, source, return_type, created_at, updated_at`

// SaveExtensionFunction upserts fn keyed by its engine name and fills in the
// stored id and creation time.
func SaveExtensionFunction(ctx context.Context, db sqlx.ExtContext, fn *domain.ExtensionFunction) error {
	ts := now()
	_, err := db.ExecContext(ctx, `INSERT INTO extension_functions (`+functionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(engine_name) DO UPDATE SET
			source = excluded.source,
			return_type = excluded.return_type,
			updated_at = excluded.updated_at`,
		uuid.NewString(), fn.EndpointID, fn.Name, fn.EngineName, fn.Source, fn.ReturnType, ts, ts)
	if err != nil {
		return fmt.Errorf("failed to save extension function: %w", err)
	}

	err = sqlx.GetContext(ctx, db, fn, `SELECT `+functionColumns+` FROM extension_functions WHERE engine_name = ?`, fn.EngineName)
	if err != nil {
		return fmt.Errorf("failed to read back extension function: %w", err)
	}
	return nil
}

// ExtensionFunctions lists function metadata, for one endpoint when
// endpointID is not empty.
func ExtensionFunctions(ctx context.Context, q sqlx.QueryerContext, endpointID string) ([]domain.ExtensionFunction, error) {
	fns := []domain.ExtensionFunction{}
	query := `SELECT ` + functionColumns + ` FROM extension_functions`
	var args []any
	if endpointID != "" {
		query += ` WHERE webhook_id = ?`
		args = append(args, endpointID)
	}
	if err := sqlx.SelectContext(ctx, q, &fns, query+` ORDER BY updated_at DESC`, args...); err != nil {
		return nil, fmt.Errorf("failed to list extension functions: %w", err)
	}
	return fns, nil
}

// DeleteExtensionFunctions removes the function metadata of an endpoint.
func DeleteExtensionFunctions(ctx context.Context, db sqlx.ExecerContext, endpointID string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM extension_functions WHERE webhook_id = ?`, endpointID); err != nil {
		return fmt.Errorf("failed to delete extension functions: %w", err)
	}
	return nil
}

// ListReferenceTables is the gated form of ReferenceTables.
func (s *Store) ListReferenceTables(ctx context.Context, endpointID string) ([]domain.ReferenceTable, error) {
	var tables []domain.ReferenceTable
	err := s.do(ctx, "list_reference_tables", func(ctx context.Context, db *sqlx.DB) error {
		var err error
		tables, err = ReferenceTables(ctx, db, endpointID)
		return err
	})
	return tables, err
}

// ListExtensionFunctions is the gated form of ExtensionFunctions.
func (s *Store) ListExtensionFunctions(ctx context.Context, endpointID string) ([]domain.ExtensionFunction, error) {
	var fns []domain.ExtensionFunction
	err := s.do(ctx, "list_extension_functions", func(ctx context.Context, db *sqlx.DB) error {
		var err error
		fns, err = ExtensionFunctions(ctx, db, endpointID)
		return err
	})
	return fns, err
}
