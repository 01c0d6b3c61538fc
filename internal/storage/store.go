// Package storage is the audit log and configuration store. It lives in the
// engine file so queries can join reference relations and audit tables, and
// every access goes through the engine gate.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tjfontaine/webhook-gateway/internal/core/domain"
	"github.com/tjfontaine/webhook-gateway/internal/engine"
)

// Store persists endpoints, events and extension metadata.
type Store struct {
	gate *engine.Gate
}

// New creates a store on top of the gated engine session.
func New(gate *engine.Gate) *Store {
	return &Store{gate: gate}
}

// Gate returns the engine gate the store uses.
func (s *Store) Gate() *engine.Gate {
	return s.gate
}

func (s *Store) do(ctx context.Context, op string, fn func(ctx context.Context, db *sqlx.DB) error) error {
	return s.gate.Do(ctx, "store."+op, func(ctx context.Context, sess *engine.Session) error {
		return fn(ctx, sess.DB())
	})
}

func now() time.Time {
	return time.Now().UTC()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const endpointColumns = `id, source_path, destination_url, transform_query, filter_query, owner, created_at, updated_at`

// UpsertEndpoint registers cfg. An existing endpoint with the same path is
// updated in place, keeping its id and creation time. created reports
// whether a new endpoint was inserted.
func (s *Store) UpsertEndpoint(ctx context.Context, cfg domain.EndpointConfig) (ep *domain.Endpoint, created bool, err error) {
	err = s.do(ctx, "upsert_endpoint", func(ctx context.Context, db *sqlx.DB) error {
		existing, err := getEndpoint(ctx, db, "source_path", cfg.Path)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		ts := now()
		if existing != nil {
			ep = existing
			applyConfig(ep, cfg)
			ep.UpdatedAt = ts
			_, err := db.ExecContext(ctx, `UPDATE webhooks
				SET destination_url = ?, transform_query = ?, filter_query = ?, owner = ?, updated_at = ?
				WHERE id = ?`,
				ep.DestinationURL, ep.TransformQuery, ep.FilterQuery, ep.Owner, ep.UpdatedAt, ep.ID)
			if err != nil {
				return fmt.Errorf("failed to update webhook: %w", err)
			}
			return nil
		}

		ep = &domain.Endpoint{ID: uuid.NewString(), CreatedAt: ts, UpdatedAt: ts}
		applyConfig(ep, cfg)
		if err := insertEndpoint(ctx, db, ep); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return ep, created, nil
}

// UpdateEndpoint replaces the configuration of the endpoint with id. A path
// change must not collide with another endpoint.
func (s *Store) UpdateEndpoint(ctx context.Context, id string, cfg domain.EndpointConfig) (*domain.Endpoint, error) {
	var ep *domain.Endpoint
	err := s.do(ctx, "update_endpoint", func(ctx context.Context, db *sqlx.DB) error {
		var err error
		ep, err = getEndpoint(ctx, db, "id", id)
		if err != nil {
			return err
		}
		if !ep.Active() {
			// Keep the endpoint parked; the new path applies on reactivation.
			cfg.Path = domain.InactivePrefix + ep.ID + cfg.Path
		}
		applyConfig(ep, cfg)
		ep.UpdatedAt = now()

		_, err = db.ExecContext(ctx, `UPDATE webhooks
			SET source_path = ?, destination_url = ?, transform_query = ?, filter_query = ?, owner = ?, updated_at = ?
			WHERE id = ?`,
			ep.Path, ep.DestinationURL, ep.TransformQuery, ep.FilterQuery, ep.Owner, ep.UpdatedAt, ep.ID)
		if isUniqueViolation(err) {
			return domain.Conflict("source_path %s is already registered", cfg.Path)
		}
		if err != nil {
			return fmt.Errorf("failed to update webhook: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// SetEndpointActive parks or restores an endpoint. Reactivation fails with a
// conflict when the original path has been taken in the meantime.
func (s *Store) SetEndpointActive(ctx context.Context, id string, active bool) (*domain.Endpoint, error) {
	var ep *domain.Endpoint
	err := s.do(ctx, "set_endpoint_active", func(ctx context.Context, db *sqlx.DB) error {
		var err error
		ep, err = getEndpoint(ctx, db, "id", id)
		if err != nil {
			return err
		}
		if ep.Active() == active {
			return nil
		}
		return setPath(ctx, db, ep, active)
	})
	if err != nil {
		return nil, err
	}
	return ep, nil
}

func setPath(ctx context.Context, db sqlx.ExecerContext, ep *domain.Endpoint, active bool) error {
	path := ep.InactivePath()
	if active {
		path = ep.OriginalPath()
	}
	ts := now()
	_, err := db.ExecContext(ctx, `UPDATE webhooks SET source_path = ?, updated_at = ? WHERE id = ?`, path, ts, ep.ID)
	if isUniqueViolation(err) {
		return domain.Conflict("source_path %s is already registered", path)
	}
	if err != nil {
		return fmt.Errorf("failed to update webhook path: %w", err)
	}
	ep.Path = path
	ep.UpdatedAt = ts
	return nil
}

// RetireEndpoint removes an endpoint without history or parks one that has
// transformed events, so the audit trail keeps its reference. deleted
// reports which of the two happened.
func (s *Store) RetireEndpoint(ctx context.Context, id string) (deleted bool, err error) {
	err = s.do(ctx, "retire_endpoint", func(ctx context.Context, db *sqlx.DB) error {
		ep, err := getEndpoint(ctx, db, "id", id)
		if err != nil {
			return err
		}

		var history int64
		if err := db.GetContext(ctx, &history, `SELECT COUNT(*) FROM transformed_events WHERE webhook_id = ?`, id); err != nil {
			return fmt.Errorf("failed to count webhook events: %w", err)
		}

		if history == 0 {
			if _, err := db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to delete webhook: %w", err)
			}
			deleted = true
			return nil
		}
		if !ep.Active() {
			return nil
		}
		return setPath(ctx, db, ep, false)
	})
	return deleted, err
}

// GetEndpoint returns the endpoint with id.
func (s *Store) GetEndpoint(ctx context.Context, id string) (*domain.Endpoint, error) {
	var ep *domain.Endpoint
	err := s.do(ctx, "get_endpoint", func(ctx context.Context, db *sqlx.DB) error {
		var err error
		ep, err = getEndpoint(ctx, db, "id", id)
		return err
	})
	return ep, err
}

// GetEndpointByPath returns the endpoint registered on path. Inactive
// endpoints are only found under their parked path.
func (s *Store) GetEndpointByPath(ctx context.Context, path string) (*domain.Endpoint, error) {
	var ep *domain.Endpoint
	err := s.do(ctx, "get_endpoint_by_path", func(ctx context.Context, db *sqlx.DB) error {
		var err error
		ep, err = getEndpoint(ctx, db, "source_path", path)
		return err
	})
	return ep, err
}

// ListEndpoints returns all endpoints, most recently updated first.
func (s *Store) ListEndpoints(ctx context.Context) ([]domain.Endpoint, error) {
	var eps []domain.Endpoint
	err := s.do(ctx, "list_endpoints", func(ctx context.Context, db *sqlx.DB) error {
		err := db.SelectContext(ctx, &eps, `SELECT `+endpointColumns+` FROM webhooks ORDER BY updated_at DESC`)
		if err != nil {
			return fmt.Errorf("failed to list webhooks: %w", err)
		}
		return nil
	})
	return eps, err
}

func applyConfig(ep *domain.Endpoint, cfg domain.EndpointConfig) {
	ep.Path = cfg.Path
	ep.DestinationURL = cfg.DestinationURL
	ep.TransformQuery = cfg.TransformQuery
	ep.FilterQuery = cfg.FilterQuery
	ep.Owner = cfg.Owner
}

func insertEndpoint(ctx context.Context, db sqlx.ExecerContext, ep *domain.Endpoint) error {
	_, err := db.ExecContext(ctx, `INSERT INTO webhooks (`+endpointColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.Path, ep.DestinationURL, ep.TransformQuery, ep.FilterQuery, ep.Owner, ep.CreatedAt, ep.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.Conflict("source_path %s is already registered", ep.Path)
	}
	if err != nil {
		return fmt.Errorf("failed to insert webhook: %w", err)
	}
	return nil
}

func getEndpoint(ctx context.Context, db sqlx.QueryerContext, column, value string) (*domain.Endpoint, error) {
	var ep domain.Endpoint
	err := sqlx.GetContext(ctx, db, &ep, `SELECT `+endpointColumns+` FROM webhooks WHERE `+column+` = ?`, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("webhook %s not found", value)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook: %w", err)
	}
	return &ep, nil
}
