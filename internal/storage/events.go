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

// DefaultEventLimit is the number of events RecentEvents returns when no
// positive limit is given.
const DefaultEventLimit = 5

// InsertRawEvent durably records an inbound call. ID and Timestamp are
// filled in when empty.
func (s *Store) InsertRawEvent(ctx context.Context, ev *domain.RawEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now()
	}
	return s.do(ctx, "insert_raw_event", func(ctx context.Context, db *sqlx.DB) error {
		_, err := db.ExecContext(ctx, `INSERT INTO raw_events (id, timestamp, source_path, payload) VALUES (?, ?, ?, ?)`,
			ev.ID, ev.Timestamp, ev.Path, string(ev.Payload))
		if err != nil {
			return fmt.Errorf("failed to insert raw event: %w", err)
		}
		return nil
	})
}

// InsertTransformedEvent records the outcome of processing a raw event.
func (s *Store) InsertTransformedEvent(ctx context.Context, ev *domain.TransformedEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now()
	}
	if len(ev.Payload) == 0 {
		ev.Payload = []byte("{}")
	}
	return s.do(ctx, "insert_transformed_event", func(ctx context.Context, db *sqlx.DB) error {
		_, err := db.ExecContext(ctx, `INSERT INTO transformed_events (
				id, raw_event_id, webhook_id, timestamp, transformed_payload,
				destination_url, success, response_code, response_body
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.RawEventID, ev.EndpointID, ev.Timestamp, string(ev.Payload),
			ev.DestinationURL, ev.Success, ev.ResponseCode, ev.ResponseBody)
		if err != nil {
			return fmt.Errorf("failed to insert transformed event: %w", err)
		}
		return nil
	})
}

// TransformedEventsFor returns the outcome records of a raw event.
func (s *Store) TransformedEventsFor(ctx context.Context, rawEventID string) ([]domain.TransformedEvent, error) {
	var evs []domain.TransformedEvent
	err := s.do(ctx, "transformed_events_for", func(ctx context.Context, db *sqlx.DB) error {
		var err error
		evs, err = transformedEventsFor(ctx, db, rawEventID)
		return err
	})
	return evs, err
}

func transformedEventsFor(ctx context.Context, db sqlx.QueryerContext, rawEventID string) ([]domain.TransformedEvent, error) {
	var evs []domain.TransformedEvent
	err := sqlx.SelectContext(ctx, db, &evs, `SELECT id, raw_event_id, webhook_id, timestamp, transformed_payload,
			destination_url, success, response_code, response_body
		FROM transformed_events WHERE raw_event_id = ? ORDER BY timestamp`, rawEventID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transformed events: %w", err)
	}
	return evs, nil
}

// Stats aggregates endpoint and event counts with per-endpoint success rates.
func (s *Store) Stats(ctx context.Context) (*domain.Stats, error) {
	stats := &domain.Stats{SuccessRates: []domain.EndpointSuccessRate{}}
	err := s.do(ctx, "stats", func(ctx context.Context, db *sqlx.DB) error {
		counts := []struct {
			dest  *int64
			table string
		}{
			{&stats.EndpointCount, "webhooks"},
			{&stats.RawEventCount, "raw_events"},
			{&stats.TransformedEventCount, "transformed_events"},
		}
		for _, c := range counts {
			if err := db.GetContext(ctx, c.dest, `SELECT COUNT(*) FROM `+c.table); err != nil {
				return fmt.Errorf("failed to count %s: %w", c.table, err)
			}
		}

		err := db.SelectContext(ctx, &stats.SuccessRates, `SELECT webhook_id,
				COUNT(*) AS total_events,
				SUM(CASE WHEN success THEN 1 ELSE 0 END) AS success_count,
				CAST(SUM(CASE WHEN success THEN 1 ELSE 0 END) AS REAL) / COUNT(*) AS success_rate
			FROM transformed_events
			GROUP BY webhook_id
			ORDER BY webhook_id`)
		if err != nil {
			return fmt.Errorf("failed to compute success rates: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// RecentEvents lists the newest raw events with their outcome.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]domain.EventSummary, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	events := []domain.EventSummary{}
	err := s.do(ctx, "recent_events", func(ctx context.Context, db *sqlx.DB) error {
		err := db.SelectContext(ctx, &events, `SELECT r.id, r.timestamp, r.source_path, t.success, t.response_code
			FROM raw_events r
			LEFT JOIN transformed_events t ON r.id = t.raw_event_id
			ORDER BY r.timestamp DESC
			LIMIT ?`, limit)
		if err != nil {
			return fmt.Errorf("failed to list events: %w", err)
		}
		return nil
	})
	return events, err
}

// EventDetail returns a raw event with its transformed record, if any.
func (s *Store) EventDetail(ctx context.Context, rawEventID string) (*domain.EventDetail, error) {
	var detail *domain.EventDetail
	err := s.do(ctx, "event_detail", func(ctx context.Context, db *sqlx.DB) error {
		var raw domain.RawEvent
		err := db.GetContext(ctx, &raw, `SELECT id, timestamp, source_path, payload FROM raw_events WHERE id = ?`, rawEventID)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotFound("event %s not found", rawEventID)
		}
		if err != nil {
			return fmt.Errorf("failed to get raw event: %w", err)
		}

		detail = &domain.EventDetail{
			ID:         raw.ID,
			Timestamp:  raw.Timestamp,
			Path:       raw.Path,
			RawPayload: raw.Payload,
		}

		evs, err := transformedEventsFor(ctx, db, rawEventID)
		if err != nil {
			return err
		}
		if len(evs) > 0 {
			detail.Transformed = &evs[0]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}
