package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tjfontaine/webhook-gateway/internal/core/domain"
	"github.com/tjfontaine/webhook-gateway/internal/engine"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.db")
	if err := Migrate(path, nil); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	sess, err := engine.Open(path)
	if err != nil {
		t.Fatalf("engine.Open() error = %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return New(engine.NewGate(sess))
}

func testConfig(path string) domain.EndpointConfig {
	return domain.EndpointConfig{
		Path:           path,
		DestinationURL: "https://example.test/hook",
		TransformQuery: "SELECT * FROM {{payload}}",
		Owner:          "ops",
	}
}

func intPtr(i int) *int { return &i }
func strPtr(s string) *string { return &s }

func TestMigrate_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "gateway.db")
	for i := 0; i < 2; i++ {
		if err := Migrate(path, nil); err != nil {
			t.Fatalf("Migrate() run %d error = %v", i, err)
		}
	}
}

func TestStore_UpsertEndpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.UpsertEndpoint(ctx, testConfig("/orders"))
	if err != nil {
		t.Fatalf("UpsertEndpoint() error = %v", err)
	}
	if !created {
		t.Error("first registration should create")
	}

	time.Sleep(2 * time.Millisecond)
	cfg := testConfig("/orders")
	cfg.DestinationURL = "https://example.test/other"
	cfg.FilterQuery = strPtr("a > 1")
	second, created, err := s.UpsertEndpoint(ctx, cfg)
	if err != nil {
		t.Fatalf("UpsertEndpoint() update error = %v", err)
	}
	if created {
		t.Error("second registration should update")
	}
	if second.ID != first.ID {
		t.Errorf("ID changed: %s -> %s", first.ID, second.ID)
	}

	got, err := s.GetEndpoint(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetEndpoint() error = %v", err)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed: %v -> %v", first.CreatedAt, got.CreatedAt)
	}
	if !got.UpdatedAt.After(first.UpdatedAt) {
		t.Errorf("UpdatedAt not advanced: %v -> %v", first.UpdatedAt, got.UpdatedAt)
	}
	if got.DestinationURL != cfg.DestinationURL || got.FilterQuery == nil || *got.FilterQuery != "a > 1" {
		t.Errorf("updated endpoint = %+v", got)
	}

	eps, err := s.ListEndpoints(ctx)
	if err != nil {
		t.Fatalf("ListEndpoints() error = %v", err)
	}
	if len(eps) != 1 {
		t.Errorf("ListEndpoints() = %d endpoints, want 1", len(eps))
	}
}

func TestStore_GetEndpointNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetEndpoint(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetEndpoint() error = %v, want ErrNotFound", err)
	}
	_, err = s.GetEndpointByPath(context.Background(), "/missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetEndpointByPath() error = %v, want ErrNotFound", err)
	}
}

func TestStore_UpdateEndpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _, _ := s.UpsertEndpoint(ctx, testConfig("/a"))
	if _, _, err := s.UpsertEndpoint(ctx, testConfig("/b")); err != nil {
		t.Fatalf("UpsertEndpoint() error = %v", err)
	}

	if _, err := s.UpdateEndpoint(ctx, a.ID, testConfig("/b")); !domain.IsType(err, domain.ErrorTypeConflict) {
		t.Errorf("UpdateEndpoint() onto taken path error = %v, want conflict", err)
	}
	if _, err := s.UpdateEndpoint(ctx, "missing", testConfig("/c")); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("UpdateEndpoint() unknown id error = %v, want not found", err)
	}

	updated, err := s.UpdateEndpoint(ctx, a.ID, testConfig("/c"))
	if err != nil {
		t.Fatalf("UpdateEndpoint() error = %v", err)
	}
	if updated.Path != "/c" || updated.ID != a.ID {
		t.Errorf("updated = %+v", updated)
	}
}

func TestStore_SetEndpointActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ep, _, _ := s.UpsertEndpoint(ctx, testConfig("/orders"))

	parked, err := s.SetEndpointActive(ctx, ep.ID, false)
	if err != nil {
		t.Fatalf("SetEndpointActive(false) error = %v", err)
	}
	if parked.Active() || parked.Path != "/inactive_"+ep.ID+"/orders" {
		t.Fatalf("parked path = %s", parked.Path)
	}
	if _, err := s.GetEndpointByPath(ctx, "/orders"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("inactive endpoint still reachable on its path: %v", err)
	}

	restored, err := s.SetEndpointActive(ctx, ep.ID, true)
	if err != nil {
		t.Fatalf("SetEndpointActive(true) error = %v", err)
	}
	if restored.Path != "/orders" {
		t.Errorf("restored path = %s, want /orders", restored.Path)
	}

	// A new endpoint takes the path while the first is parked.
	if _, err := s.SetEndpointActive(ctx, ep.ID, false); err != nil {
		t.Fatalf("SetEndpointActive(false) error = %v", err)
	}
	if _, _, err := s.UpsertEndpoint(ctx, testConfig("/orders")); err != nil {
		t.Fatalf("UpsertEndpoint() error = %v", err)
	}
	if _, err := s.SetEndpointActive(ctx, ep.ID, true); !domain.IsType(err, domain.ErrorTypeConflict) {
		t.Errorf("reactivation onto taken path error = %v, want conflict", err)
	}
}

func TestStore_RetireEndpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fresh, _, _ := s.UpsertEndpoint(ctx, testConfig("/fresh"))
	deleted, err := s.RetireEndpoint(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("RetireEndpoint() error = %v", err)
	}
	if !deleted {
		t.Error("endpoint without history should be deleted")
	}
	if _, err := s.GetEndpoint(ctx, fresh.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("deleted endpoint still present: %v", err)
	}

	used, _, _ := s.UpsertEndpoint(ctx, testConfig("/used"))
	raw := &domain.RawEvent{Path: "/used", Payload: []byte(`{}`)}
	if err := s.InsertRawEvent(ctx, raw); err != nil {
		t.Fatalf("InsertRawEvent() error = %v", err)
	}
	if err := s.InsertTransformedEvent(ctx, &domain.TransformedEvent{
		RawEventID: raw.ID, EndpointID: used.ID, DestinationURL: used.DestinationURL, Success: true,
	}); err != nil {
		t.Fatalf("InsertTransformedEvent() error = %v", err)
	}

	deleted, err = s.RetireEndpoint(ctx, used.ID)
	if err != nil {
		t.Fatalf("RetireEndpoint() error = %v", err)
	}
	if deleted {
		t.Error("endpoint with history should be parked, not deleted")
	}
	got, err := s.GetEndpoint(ctx, used.ID)
	if err != nil {
		t.Fatalf("GetEndpoint() error = %v", err)
	}
	if got.Active() {
		t.Errorf("retired endpoint still active: %s", got.Path)
	}
}

func TestStore_Events(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ep, _, _ := s.UpsertEndpoint(ctx, testConfig("/orders"))

	var rawIDs []string
	for i := 0; i < 7; i++ {
		raw := &domain.RawEvent{Path: "/orders", Payload: []byte(`{"n": 1}`)}
		if err := s.InsertRawEvent(ctx, raw); err != nil {
			t.Fatalf("InsertRawEvent() error = %v", err)
		}
		rawIDs = append(rawIDs, raw.ID)
		time.Sleep(time.Millisecond)
	}

	outcomes := []struct {
		success bool
		code    *int
	}{
		{true, intPtr(200)},
		{false, intPtr(500)},
		{false, nil},
	}
	for i, o := range outcomes {
		err := s.InsertTransformedEvent(ctx, &domain.TransformedEvent{
			RawEventID:     rawIDs[i],
			EndpointID:     ep.ID,
			Payload:        []byte(`{"n":1}`),
			DestinationURL: ep.DestinationURL,
			Success:        o.success,
			ResponseCode:   o.code,
			ResponseBody:   strPtr("body"),
		})
		if err != nil {
			t.Fatalf("InsertTransformedEvent() error = %v", err)
		}
	}

	recent, err := s.RecentEvents(ctx, 0)
	if err != nil {
		t.Fatalf("RecentEvents() error = %v", err)
	}
	if len(recent) != DefaultEventLimit {
		t.Errorf("RecentEvents(0) = %d events, want %d", len(recent), DefaultEventLimit)
	}
	if recent[0].ID != rawIDs[6] {
		t.Errorf("newest event = %s, want %s", recent[0].ID, rawIDs[6])
	}
	if recent[0].Success != nil {
		t.Errorf("unprocessed event success = %v, want nil", *recent[0].Success)
	}

	detail, err := s.EventDetail(ctx, rawIDs[0])
	if err != nil {
		t.Fatalf("EventDetail() error = %v", err)
	}
	if detail.Transformed == nil || !detail.Transformed.Success || *detail.Transformed.ResponseCode != 200 {
		t.Errorf("detail.Transformed = %+v", detail.Transformed)
	}
	if string(detail.RawPayload) != `{"n": 1}` {
		t.Errorf("raw payload = %s", detail.RawPayload)
	}

	if _, err := s.EventDetail(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("EventDetail() missing error = %v, want not found", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.EndpointCount != 1 || stats.RawEventCount != 7 || stats.TransformedEventCount != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if len(stats.SuccessRates) != 1 {
		t.Fatalf("success rates = %+v", stats.SuccessRates)
	}
	rate := stats.SuccessRates[0]
	if rate.TotalEvents != 3 || rate.SuccessCount != 1 || rate.SuccessRate < 0.33 || rate.SuccessRate > 0.34 {
		t.Errorf("success rate = %+v", rate)
	}
}

func TestSaveExtensionFunction_Upsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Gate().Do(ctx, "test", func(ctx context.Context, sess *engine.Session) error {
		db := sess.DB()
		fn := &domain.ExtensionFunction{
			EndpointID: "ep", Name: "double", EngineName: "udf_ep_double",
			Source: "function double(x) { return x * 2 }", ReturnType: "TEXT",
		}
		if err := SaveExtensionFunction(ctx, db, fn); err != nil {
			return err
		}
		firstID := fn.ID

		again := &domain.ExtensionFunction{
			EndpointID: "ep", Name: "double", EngineName: "udf_ep_double",
			Source: "function double(x) { return x + x }", ReturnType: "INTEGER",
		}
		if err := SaveExtensionFunction(ctx, db, again); err != nil {
			return err
		}
		if again.ID != firstID {
			t.Errorf("ID changed on upsert: %s -> %s", firstID, again.ID)
		}

		fns, err := ExtensionFunctions(ctx, db, "ep")
		if err != nil {
			return err
		}
		if len(fns) != 1 || fns[0].ReturnType != "INTEGER" || fns[0].Source != again.Source {
			t.Errorf("functions = %+v", fns)
		}

		if err := DeleteExtensionFunctions(ctx, db, "ep"); err != nil {
			return err
		}
		fns, err = ExtensionFunctions(ctx, db, "")
		if err != nil {
			return err
		}
		if len(fns) != 0 {
			t.Errorf("functions after delete = %d, want 0", len(fns))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("gated operation error = %v", err)
	}
}

func TestSaveReferenceTable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Gate().Session().WithTx(ctx, func(tx *sqlx.Tx) error {
		rt := &domain.ReferenceTable{EndpointID: "ep", Name: "zips", StorageName: "ref_ep_zips", RowCount: 2}
		if err := SaveReferenceTable(ctx, tx, rt); err != nil {
			return err
		}

		found, err := FindReferenceTable(ctx, tx, "ep", "ref_ep_zips")
		if err != nil {
			return err
		}
		if found == nil || found.ID != rt.ID {
			t.Fatalf("FindReferenceTable() = %+v", found)
		}

		found.RowCount = 5
		found.Description = "updated"
		if err := SaveReferenceTable(ctx, tx, found); err != nil {
			return err
		}

		tables, err := ReferenceTables(ctx, tx, "ep")
		if err != nil {
			return err
		}
		if len(tables) != 1 || tables[0].RowCount != 5 || tables[0].Description != "updated" {
			t.Errorf("tables = %+v", tables)
		}

		missing, err := FindReferenceTable(ctx, tx, "ep", "ref_ep_other")
		if err != nil {
			return err
		}
		if missing != nil {
			t.Errorf("FindReferenceTable() missing = %+v, want nil", missing)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx() error = %v", err)
	}

	tables, err := s.ListReferenceTables(ctx, "")
	if err != nil {
		t.Fatalf("ListReferenceTables() error = %v", err)
	}
	if len(tables) != 1 {
		t.Errorf("ListReferenceTables() = %d, want 1", len(tables))
	}
}
