package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu       sync.Mutex
	events   []SecurityEvent
	failures int // remaining calls that fail
	calls    int
}

func (f *fakeStore) LogSecurityEvent(_ context.Context, ev *SecurityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("connection refused")
	}
	f.events = append(f.events, *ev)
	return nil
}

func (f *fakeStore) ListSecurityEvents(context.Context, EventFilter) ([]SecurityEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SecurityEvent(nil), f.events...), nil
}

func (f *fakeStore) Healthy(context.Context) bool { return true }
func (f *fakeStore) Close() error                 { return nil }

func TestAuditWriter_FlushDrains(t *testing.T) {
	store := &fakeStore{}
	w := NewAuditWriter(store, 100)
	w.Start()

	for i := 0; i < 10; i++ {
		w.Log(&SecurityEvent{ExecutionID: "e", Type: "timeout"})
	}
	w.Flush(5 * time.Second)

	events, _ := store.ListSecurityEvents(context.Background(), EventFilter{})
	if len(events) != 10 {
		t.Errorf("stored %d events, want 10", len(events))
	}
}

func TestAuditWriter_Retries(t *testing.T) {
	store := &fakeStore{failures: 2}
	w := NewAuditWriter(store, 10)
	w.backoff = time.Millisecond
	w.Start()

	w.Log(&SecurityEvent{ExecutionID: "e", Type: "validation"})
	w.Flush(5 * time.Second)

	if store.calls != 3 {
		t.Errorf("LogSecurityEvent calls = %d, want 3", store.calls)
	}
	if len(store.events) != 1 {
		t.Errorf("stored %d events, want 1", len(store.events))
	}
}

func TestAuditWriter_GivesUp(t *testing.T) {
	store := &fakeStore{failures: 100}
	w := NewAuditWriter(store, 10)
	w.backoff = time.Millisecond
	w.Start()

	w.Log(&SecurityEvent{ExecutionID: "e", Type: "validation"})
	w.Flush(5 * time.Second)

	if store.calls != 4 {
		t.Errorf("LogSecurityEvent calls = %d, want 4 (1 + 3 retries)", store.calls)
	}
	if len(store.events) != 0 {
		t.Errorf("stored %d events, want 0", len(store.events))
	}
}

func TestAuditWriter_DropsWhenFull(t *testing.T) {
	store := &fakeStore{}
	w := NewAuditWriter(store, 2)
	// Not started: nothing drains the buffer.
	w.Log(&SecurityEvent{Type: "a"})
	w.Log(&SecurityEvent{Type: "b"})
	w.Log(&SecurityEvent{Type: "c"})

	if got := len(w.ch); got != 2 {
		t.Errorf("buffered = %d, want 2", got)
	}
}

func TestAuditWriter_FlushTwice(t *testing.T) {
	w := NewAuditWriter(&fakeStore{}, 1)
	w.Start()
	w.Flush(time.Second)
	w.Flush(time.Second)
}

func TestNormalizeLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 100}, {-5, 100}, {50, 50}, {1000, 1000}, {1001, 100},
	}
	for _, tt := range tests {
		if got := NormalizeLimit(tt.in); got != tt.want {
			t.Errorf("NormalizeLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
