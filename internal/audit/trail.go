package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Backend persists audit events.
type Backend interface {
	Emit(ctx context.Context, e *Event) error
	Flush() error
	Close() error
}

const defaultBufferSize = 1024

// Trail assigns identifiers and chain hashes to events and hands them to a
// backend from a single writer goroutine. Emission never blocks the caller:
// when the buffer is full the oldest buffered event is dropped and the loss
// counter incremented.
type Trail struct {
	backend Backend
	logger  *zap.Logger

	mu       sync.Mutex
	closed   bool
	index    int
	prevHash string

	buf  chan *Event
	lost atomic.Int64
	wg   sync.WaitGroup
}

// Option configures a Trail.
type Option func(*Trail)

// WithBufferSize overrides the default emission buffer of 1024 events.
func WithBufferSize(n int) Option {
	return func(t *Trail) {
		if n > 0 {
			t.buf = make(chan *Event, n)
		}
	}
}

// NewTrail starts the writer goroutine draining into backend.
func NewTrail(backend Backend, logger *zap.Logger, opts ...Option) *Trail {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Trail{
		backend:  backend,
		logger:   logger,
		prevHash: GenesisHash,
		buf:      make(chan *Event, defaultBufferSize),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.wg.Add(1)
	go t.drain()
	return t
}

// Emit stamps the event and enqueues it. Identifier, timestamp, index, and
// chain hashes are assigned here so chain order equals emission order.
func (t *Trail) Emit(e *Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		t.lost.Add(1)
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	t.index++
	e.Index = t.index
	e.PrevHash = t.prevHash
	e.Hash = hashEvent(e)
	t.prevHash = e.Hash

	for {
		select {
		case t.buf <- e:
			return
		default:
		}
		// Buffer full: drop the oldest buffered event and try again.
		select {
		case <-t.buf:
			t.lost.Add(1)
		default:
		}
	}
}

// Lost returns the number of events dropped due to buffer overflow.
func (t *Trail) Lost() int64 { return t.lost.Load() }

// Flush waits for the buffer to empty, then flushes the backend.
func (t *Trail) Flush() error {
	for len(t.buf) > 0 {
		time.Sleep(time.Millisecond)
	}
	return t.backend.Flush()
}

// Close stops accepting events, drains the buffer, and closes the backend.
func (t *Trail) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.buf)
	t.mu.Unlock()

	t.wg.Wait()
	return t.backend.Close()
}

func (t *Trail) drain() {
	defer t.wg.Done()
	for e := range t.buf {
		if err := t.backend.Emit(context.Background(), e); err != nil {
			t.lost.Add(1)
			t.logger.Warn("audit emit failed",
				zap.String("event_id", e.ID),
				zap.String("event_type", string(e.Type)),
				zap.Error(err),
			)
		}
	}
}

// contextDigest folds context entries into a stable digest, sorted by key.
func contextDigest(ctx map[string]string) string {
	if len(ctx) == 0 {
		return ""
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(ctx[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
