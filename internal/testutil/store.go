// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"

	"alertdesk/internal/event"
	"alertdesk/internal/storage"
	logx "alertdesk/pkg/logx"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It is closed when the test completes.
func NewTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()

	s, err := storage.OpenSQLite(context.Background(), storage.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// FailingStore wraps a Store and fails every Upsert once FailAfter upserts
// have succeeded. A negative FailAfter never fails.
type FailingStore struct {
	storage.Store

	mu        sync.Mutex
	FailAfter int
	upserts   int
}

func (f *FailingStore) Upsert(ctx context.Context, ev event.Event) (storage.UpsertResult, error) {
	f.mu.Lock()
	fail := f.FailAfter >= 0 && f.upserts >= f.FailAfter
	if !fail {
		f.upserts++
	}
	f.mu.Unlock()
	if fail {
		return storage.UpsertResult{}, &storage.Error{Op: "upsert", Err: errors.New("injected failure")}
	}
	return f.Store.Upsert(ctx, ev)
}

// SetFailAfter changes the failure threshold and resets the upsert counter.
func (f *FailingStore) SetFailAfter(n int) {
	f.mu.Lock()
	f.FailAfter = n
	f.upserts = 0
	f.mu.Unlock()
}
