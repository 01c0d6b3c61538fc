package engine

import (
	"context"
	"database/sql/driver"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tjfontaine/webhook-gateway/internal/telemetry"
)

func openTestSession(t *testing.T, opts ...Option) *Session {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "engine.db"), opts...)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func reopenCount(t *testing.T, m *telemetry.Metrics) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() == "webhook_gateway_engine_session_reopens_total" {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func uniqueName(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func TestFromJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		columns []string
		rows    [][]any
		wantErr error
	}{
		{
			name:    "object keeps key order",
			input:   `{"b": 20, "a": 10, "c": "x"}`,
			columns: []string{"b", "a", "c"},
			rows:    [][]any{{int64(20), int64(10), "x"}},
		},
		{
			name:    "array unions keys",
			input:   `[{"a": 1}, {"b": 2.5, "a": 3}]`,
			columns: []string{"a", "b"},
			rows:    [][]any{{int64(1), nil}, {int64(3), 2.5}},
		},
		{
			name:    "case folded columns keep first spelling",
			input:   `[{"Name": "x"}, {"name": "y"}]`,
			columns: []string{"Name"},
			rows:    [][]any{{"x"}, {"y"}},
		},
		{
			name:    "booleans nulls and nested values",
			input:   `{"ok": true, "no": false, "n": null, "obj": {"z": 1, "a": [1, 2]}}`,
			columns: []string{"ok", "no", "n", "obj"},
			rows:    [][]any{{int64(1), int64(0), nil, `{"z":1,"a":[1,2]}`}},
		},
		{
			name:    "empty object",
			input:   `{}`,
			columns: []string{EmptyColumn},
			rows:    [][]any{{nil}},
		},
		{
			name:    "empty array",
			input:   `[]`,
			columns: []string{EmptyColumn},
			rows:    [][]any{},
		},
		{name: "scalar", input: `42`, wantErr: ErrUnsupportedPayload},
		{name: "array of scalars", input: `[1, 2]`, wantErr: ErrUnsupportedPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := FromJSON([]byte(tt.input))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("FromJSON() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("FromJSON() error = %v", err)
			}

			if got := table.ColumnNames(); strings.Join(got, ",") != strings.Join(tt.columns, ",") {
				t.Errorf("columns = %v, want %v", got, tt.columns)
			}
			if len(table.Rows) != len(tt.rows) {
				t.Fatalf("rows = %d, want %d", len(table.Rows), len(tt.rows))
			}
			for i, row := range tt.rows {
				for j, want := range row {
					if table.Rows[i][j] != want {
						t.Errorf("row %d col %d = %#v, want %#v", i, j, table.Rows[i][j], want)
					}
				}
			}
		})
	}
}

func TestFromPayload_Decoded(t *testing.T) {
	table, err := FromPayload(map[string]any{"b": float64(2), "a": true, "c": 1.5})
	if err != nil {
		t.Fatalf("FromPayload() error = %v", err)
	}
	if got := strings.Join(table.ColumnNames(), ","); got != "a,b,c" {
		t.Errorf("columns = %s, want a,b,c", got)
	}
	want := []any{int64(1), int64(2), 1.5}
	for i, v := range want {
		if table.Rows[0][i] != v {
			t.Errorf("col %d = %#v, want %#v", i, table.Rows[0][i], v)
		}
	}

	if _, err := FromPayload(42); !errors.Is(err, ErrUnsupportedPayload) {
		t.Errorf("FromPayload(42) error = %v, want ErrUnsupportedPayload", err)
	}
}

func TestWithEphemeralRelation_Query(t *testing.T) {
	s := openTestSession(t)
	ctx := context.Background()

	var sum int64
	err := WithEphemeralRelation(ctx, s, []byte(`{"a": 10, "b": 20}`), func(rel Relation) error {
		if !strings.HasPrefix(rel.Name, "temp_payload_") {
			t.Errorf("relation name = %s", rel.Name)
		}
		return s.GetContext(ctx, &sum, "SELECT a + b FROM "+rel.Name)
	})
	if err != nil {
		t.Fatalf("WithEphemeralRelation() error = %v", err)
	}
	if sum != 30 {
		t.Errorf("sum = %d, want 30", sum)
	}
}

func TestWithEphemeralRelation_Release(t *testing.T) {
	s := openTestSession(t)
	errBoom := errors.New("boom")

	tests := []struct {
		name string
		run  func(ctx context.Context) error
	}{
		{
			name: "success",
			run: func(ctx context.Context) error {
				return WithEphemeralRelation(ctx, s, []byte(`{"a": 1}`), func(Relation) error { return nil })
			},
		},
		{
			name: "error",
			run: func(ctx context.Context) error {
				err := WithEphemeralRelation(ctx, s, []byte(`{"a": 1}`), func(Relation) error { return errBoom })
				if !errors.Is(err, errBoom) {
					t.Errorf("error = %v, want errBoom", err)
				}
				return nil
			},
		},
		{
			name: "query error",
			run: func(ctx context.Context) error {
				err := WithEphemeralRelation(ctx, s, []byte(`{"a": 1}`), func(rel Relation) error {
					_, err := s.ExecContext(ctx, "SELECT missing FROM "+rel.Name)
					return err
				})
				if err == nil {
					t.Error("expected query error")
				}
				return nil
			},
		},
		{
			name: "panic",
			run: func(ctx context.Context) (err error) {
				defer func() {
					if recover() == nil {
						t.Error("expected panic to propagate")
					}
				}()
				return WithEphemeralRelation(ctx, s, []byte(`{"a": 1}`), func(Relation) error { panic("boom") })
			},
		},
		{
			name: "cancelled",
			run: func(ctx context.Context) error {
				ctx, cancel := context.WithCancel(ctx)
				err := WithEphemeralRelation(ctx, s, []byte(`{"a": 1}`), func(Relation) error {
					cancel()
					return errBoom
				})
				if !errors.Is(err, errBoom) {
					t.Errorf("error = %v, want primary errBoom", err)
				}
				return nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if err := tt.run(ctx); err != nil {
				t.Fatalf("run error = %v", err)
			}
			names, err := TempRelations(ctx, s, "temp_payload_")
			if err != nil {
				t.Fatalf("TempRelations() error = %v", err)
			}
			if len(names) != 0 {
				t.Errorf("leaked relations: %v", names)
			}
		})
	}
}

func TestWithEphemeralRelation_UnsupportedPayload(t *testing.T) {
	s := openTestSession(t)
	called := false
	err := WithEphemeralRelation(context.Background(), s, []byte(`"text"`), func(Relation) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrUnsupportedPayload) {
		t.Fatalf("error = %v, want ErrUnsupportedPayload", err)
	}
	if called {
		t.Error("fn must not run for unsupported payloads")
	}
}

func TestSession_ReplaceFunction(t *testing.T) {
	metrics := telemetry.NewMetrics()
	s := openTestSession(t, WithMetrics(metrics))
	ctx := context.Background()
	name := uniqueName("udf_test_")

	double := func(args ...driver.Value) (driver.Value, error) {
		return args[0].(int64) * 2, nil
	}
	if err := s.ReplaceFunction(name, double); err != nil {
		t.Fatalf("ReplaceFunction() error = %v", err)
	}

	var got int64
	if err := s.GetContext(ctx, &got, "SELECT "+name+"(21)"); err != nil {
		t.Fatalf("call error = %v", err)
	}
	if got != 42 {
		t.Errorf("%s(21) = %d, want 42", name, got)
	}

	triple := func(args ...driver.Value) (driver.Value, error) {
		return args[0].(int64) * 3, nil
	}
	if err := s.ReplaceFunction(name, triple); err != nil {
		t.Fatalf("ReplaceFunction() redefine error = %v", err)
	}
	if err := s.GetContext(ctx, &got, "SELECT "+name+"(21)"); err != nil {
		t.Fatalf("call error = %v", err)
	}
	if got != 63 {
		t.Errorf("%s(21) after redefine = %d, want 63", name, got)
	}

	if got := reopenCount(t, metrics); got != 1 {
		t.Errorf("reopens = %v, want 1 (redefinition must not reopen)", got)
	}

	s.RemoveFunction(name)
	if err := s.GetContext(ctx, &got, "SELECT "+name+"(1)"); err == nil {
		t.Error("expected error after RemoveFunction")
	}
}

func TestSession_ReplaceFunctionAcrossSessions(t *testing.T) {
	ctx := context.Background()
	name := uniqueName("udf_shared_")
	first := openTestSession(t)
	second := openTestSession(t)

	one := func(...driver.Value) (driver.Value, error) { return int64(1), nil }
	if err := first.ReplaceFunction(name, one); err != nil {
		t.Fatalf("first ReplaceFunction() error = %v", err)
	}

	// second was opened before the name existed and must reopen to bind it.
	two := func(...driver.Value) (driver.Value, error) { return int64(2), nil }
	if err := second.ReplaceFunction(name, two); err != nil {
		t.Fatalf("second ReplaceFunction() error = %v", err)
	}
	var got int64
	if err := second.GetContext(ctx, &got, "SELECT "+name+"()"); err != nil {
		t.Fatalf("call error = %v", err)
	}
	if got != 2 {
		t.Errorf("got %d, want 2", got)
	}
}

func TestSession_WithTx(t *testing.T) {
	s := openTestSession(t)
	ctx := context.Background()

	if _, err := s.ExecContext(ctx, "CREATE TABLE items (v INTEGER)"); err != nil {
		t.Fatalf("create error = %v", err)
	}

	errBoom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO items VALUES (1)"); err != nil {
			return err
		}
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("WithTx() error = %v, want errBoom", err)
	}

	err = s.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO items VALUES (2)")
		return err
	})
	if err != nil {
		t.Fatalf("WithTx() error = %v", err)
	}

	var values []int64
	if err := s.SelectContext(ctx, &values, "SELECT v FROM items"); err != nil {
		t.Fatalf("select error = %v", err)
	}
	if len(values) != 1 || values[0] != 2 {
		t.Errorf("values = %v, want [2]", values)
	}
}

func TestSession_Closed(t *testing.T) {
	s := openTestSession(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := s.ExecContext(context.Background(), "SELECT 1"); !errors.Is(err, ErrClosed) {
		t.Errorf("ExecContext() after close error = %v, want ErrClosed", err)
	}
}

func TestGate_Serializes(t *testing.T) {
	metrics := telemetry.NewMetrics()
	g := NewGate(openTestSession(t), WithGateMetrics(metrics))
	ctx := context.Background()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Do(ctx, "test", func(ctx context.Context, s *Session) error {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				return WithEphemeralRelation(ctx, s, []byte(`{"a": 1}`), func(rel Relation) error {
					time.Sleep(time.Millisecond)
					atomic.AddInt32(&active, -1)
					return nil
				})
			})
			if err != nil {
				t.Errorf("Do() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("max concurrent operations = %d, want 1", maxActive)
	}
}

func TestGate_CancelledWhileWaiting(t *testing.T) {
	g := NewGate(openTestSession(t))

	release := make(chan struct{})
	held := make(chan struct{})
	go g.Do(context.Background(), "hold", func(context.Context, *Session) error {
		close(held)
		<-release
		return nil
	})
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Do(ctx, "waiter", func(context.Context, *Session) error {
		t.Error("fn must not run without the gate")
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do() error = %v, want deadline exceeded", err)
	}
}

func TestGate_ReleasesOnPanic(t *testing.T) {
	g := NewGate(openTestSession(t))
	func() {
		defer func() { recover() }()
		_ = g.Do(context.Background(), "panic", func(context.Context, *Session) error { panic("boom") })
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Do(ctx, "after", func(context.Context, *Session) error { return nil }); err != nil {
		t.Errorf("Do() after panic error = %v", err)
	}
}
