package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// MemoryBackend keeps events in memory. Useful for tests and for reading a
// process's own trail back out.
type MemoryBackend struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Emit implements Backend.
func (b *MemoryBackend) Emit(_ context.Context, e *Event) error {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
	return nil
}

// Flush implements Backend.
func (b *MemoryBackend) Flush() error { return nil }

// Close implements Backend.
func (b *MemoryBackend) Close() error { return nil }

// Events returns a copy of the recorded events in emission order.
func (b *MemoryBackend) Events() []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*Event(nil), b.events...)
}

// Verify checks the recorded chain.
func (b *MemoryBackend) Verify() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return VerifyChain(b.events)
}

// FileBackend appends newline-delimited JSON events to a file through a
// buffered writer.
type FileBackend struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

// NewFileBackend opens (or creates) path for appending.
func NewFileBackend(path string) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file %q: %w", path, err)
	}
	return &FileBackend{file: f, w: bufio.NewWriter(f)}, nil
}

// Emit implements Backend.
func (b *FileBackend) Emit(_ context.Context, e *Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	if err := b.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Flush implements Backend.
func (b *FileBackend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.w.Flush()
}

// Close implements Backend.
func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.w.Flush(); err != nil {
		return err
	}
	return b.file.Close()
}

// StdoutBackend writes newline-delimited JSON events to standard output.
type StdoutBackend struct {
	mu sync.Mutex
}

// NewStdoutBackend returns a stdout backend.
func NewStdoutBackend() *StdoutBackend { return &StdoutBackend{} }

// Emit implements Backend.
func (b *StdoutBackend) Emit(_ context.Context, e *Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}

// Flush implements Backend.
func (b *StdoutBackend) Flush() error { return nil }

// Close implements Backend.
func (b *StdoutBackend) Close() error { return nil }

// MultiBackend fans each event out to an ordered list of backends,
// emitting concurrently. The first error encountered is returned.
type MultiBackend struct {
	backends []Backend
}

// NewMultiBackend wraps the given backends.
func NewMultiBackend(backends ...Backend) *MultiBackend {
	return &MultiBackend{backends: backends}
}

// Emit implements Backend.
func (b *MultiBackend) Emit(ctx context.Context, e *Event) error {
	errs := make([]error, len(b.backends))
	var wg sync.WaitGroup
	for i, be := range b.backends {
		wg.Add(1)
		go func(i int, be Backend) {
			defer wg.Done()
			errs[i] = be.Emit(ctx, e)
		}(i, be)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Flush implements Backend.
func (b *MultiBackend) Flush() error {
	for _, be := range b.backends {
		if err := be.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Backend.
func (b *MultiBackend) Close() error {
	var firstErr error
	for _, be := range b.backends {
		if err := be.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
