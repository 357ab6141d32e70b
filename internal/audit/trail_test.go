package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func emitN(t *testing.T, trail *Trail, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		trail.Emit(&Event{
			Type:     EventAuthCheck,
			Caller:   "spiffe://example.org/agent/orchestrator",
			Resource: "spiffe://example.org/agent/search",
			Action:   "search",
			Decision: "allow",
		})
	}
}

func TestTrailChainVerifies(t *testing.T) {
	backend := NewMemoryBackend()
	trail := NewTrail(backend, nil)

	emitN(t, trail, 10)
	if err := trail.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events := backend.Events()
	if len(events) != 10 {
		t.Fatalf("got %d events, want 10", len(events))
	}
	if events[0].PrevHash != GenesisHash {
		t.Errorf("first event prev_hash = %q, want genesis", events[0].PrevHash)
	}
	if err := backend.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
	for _, e := range events {
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Errorf("event %d missing id or timestamp", e.Index)
		}
	}
}

func TestTamperBreaksChain(t *testing.T) {
	backend := NewMemoryBackend()
	trail := NewTrail(backend, nil)
	emitN(t, trail, 5)
	trail.Close()

	events := backend.Events()
	events[2].Decision = "deny"
	if err := VerifyChain(events); err == nil {
		t.Error("VerifyChain accepted a tampered event")
	}
}

func TestContextDigestOrderIndependent(t *testing.T) {
	a := &Event{Index: 1, Type: EventAuthCheck, PrevHash: GenesisHash,
		Context: map[string]string{"x": "1", "y": "2", "z": "3"}}
	b := &Event{Index: 1, Type: EventAuthCheck, PrevHash: GenesisHash,
		Context: map[string]string{"z": "3", "y": "2", "x": "1"}}

	if hashEvent(a) != hashEvent(b) {
		t.Error("hash differs for identical context maps")
	}
}

func TestOverflowDropsOldestAndCounts(t *testing.T) {
	// A backend that blocks until released, so the buffer fills up.
	backend := &blockingBackend{
		started: make(chan struct{}),
		release: make(chan struct{}),
		inner:   NewMemoryBackend(),
	}
	trail := NewTrail(backend, nil, WithBufferSize(4))

	// The first event occupies the worker; the next four fill the buffer;
	// each further event drops the oldest buffered one.
	emitN(t, trail, 1)
	<-backend.started
	emitN(t, trail, 11)

	close(backend.release)
	trail.Close()

	if lost := trail.Lost(); lost != 7 {
		t.Errorf("lost = %d, want 7", lost)
	}
	events := backend.inner.Events()
	if len(events) != 5 {
		t.Errorf("delivered = %d, want 5", len(events))
	}
}

type blockingBackend struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	inner   *MemoryBackend
}

func (b *blockingBackend) Emit(ctx context.Context, e *Event) error {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return b.inner.Emit(ctx, e)
}
func (b *blockingBackend) Flush() error { return b.inner.Flush() }
func (b *blockingBackend) Close() error { return b.inner.Close() }

func TestFileBackendWritesNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	backend, err := NewFileBackend(path)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	trail := NewTrail(backend, nil)

	emitN(t, trail, 3)
	if err := trail.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var events []*Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		events = append(events, &e)
	}
	if len(events) != 3 {
		t.Fatalf("got %d lines, want 3", len(events))
	}
	if err := VerifyChain(events); err != nil {
		t.Errorf("chain from file: %v", err)
	}
}

func TestMultiBackendFansOut(t *testing.T) {
	a, b := NewMemoryBackend(), NewMemoryBackend()
	trail := NewTrail(NewMultiBackend(a, b), nil)

	emitN(t, trail, 4)
	trail.Close()

	if len(a.Events()) != 4 || len(b.Events()) != 4 {
		t.Errorf("fan-out delivered %d/%d, want 4/4", len(a.Events()), len(b.Events()))
	}
}

func TestEmitAfterCloseIsCounted(t *testing.T) {
	backend := NewMemoryBackend()
	trail := NewTrail(backend, nil)
	trail.Close()

	trail.Emit(&Event{Type: EventShutdown})
	if trail.Lost() != 1 {
		t.Errorf("lost = %d, want 1", trail.Lost())
	}
}

func TestEmissionOrderPreserved(t *testing.T) {
	backend := NewMemoryBackend()
	trail := NewTrail(backend, nil)

	for i := 0; i < 5; i++ {
		trail.Emit(&Event{Type: EventCapabilityCall, Action: string(rune('a' + i))})
	}
	trail.Flush()
	trail.Close()

	events := backend.Events()
	for i, e := range events {
		if e.Index != i+1 {
			t.Errorf("event %d has index %d", i, e.Index)
		}
	}
	if events[0].Timestamp.After(time.Now()) {
		t.Error("timestamp in the future")
	}
}
