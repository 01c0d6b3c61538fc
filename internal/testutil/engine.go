package testutil

import (
	"path/filepath"
	"testing"

	"github.com/tjfontaine/webhook-gateway/internal/engine"
	"github.com/tjfontaine/webhook-gateway/internal/storage"
)

// NewGate migrates a fresh engine file under t.TempDir and returns the gate
// guarding its session. The session is closed when the test ends.
func NewGate(t *testing.T) *engine.Gate {
	t.Helper()

	path := filepath.Join(t.TempDir(), "gateway.db")
	if err := storage.Migrate(path, nil); err != nil {
		t.Fatalf("Failed to migrate engine: %v", err)
	}
	sess, err := engine.Open(path)
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	t.Cleanup(func() { sess.Close() })

	return engine.NewGate(sess)
}

// NewStore returns a store on a fresh engine along with its gate.
func NewStore(t *testing.T) (*storage.Store, *engine.Gate) {
	t.Helper()
	gate := NewGate(t)
	return storage.New(gate), gate
}
