package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Update describes a requested mutation of a task. Nil fields are left as-is.
type Update struct {
	State  *State
	Result json.RawMessage
	Error  *string
}

// Manager owns the in-memory task table. Inserts and deletes take the table
// lock; state transitions take only the per-task lock.
type Manager struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	logger *zap.Logger
}

// NewManager returns an empty task manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		tasks:  make(map[string]*Task),
		logger: logger,
	}
}

// Create inserts a new pending task and returns it.
func (m *Manager) Create(taskType string, payload json.RawMessage, messages []Message, metadata map[string]string) *Task {
	t := newTask(taskType, payload, messages, metadata)

	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()

	m.logger.Debug("task created",
		zap.String("task_id", t.ID),
		zap.String("task_type", t.Type),
	)
	return t
}

// Get returns the task with the given id, or ErrNotFound.
func (m *Manager) Get(id string) (*Task, error) {
	m.mu.RLock()
	t, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, nil
}

// Apply advances a task's state under its per-task lock. Transitions out of a
// terminal state are rejected with ErrIllegalTransition. When the new state is
// terminal, the completion channel is closed after result and error are set.
func (m *Manager) Apply(id string, upd Update) (*Task, error) {
	t, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.State.Terminal() {
		t.mu.Unlock()
		return nil, fmt.Errorf("task %s is %s: %w", id, t.State, ErrIllegalTransition)
	}

	if upd.State != nil {
		if !upd.State.Valid() {
			t.mu.Unlock()
			return nil, fmt.Errorf("task %s: unknown state %q: %w", id, *upd.State, ErrIllegalTransition)
		}
		t.State = *upd.State
	}
	if upd.Result != nil {
		t.Result = upd.Result
	}
	if upd.Error != nil {
		t.Error = *upd.Error
	}
	t.UpdatedAt = time.Now().UTC()

	terminal := t.State.Terminal()
	t.mu.Unlock()

	// The channel closes only after state, result, and error are visible.
	if terminal {
		t.markTerminal()
		m.logger.Debug("task finished",
			zap.String("task_id", t.ID),
			zap.String("state", string(t.State)),
		)
	}
	return t, nil
}

// AddMessage appends to the task's message history.
func (m *Manager) AddMessage(id string, msg Message) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	t.mu.Lock()
	t.Messages = append(t.Messages, msg)
	t.UpdatedAt = time.Now().UTC()
	t.mu.Unlock()
	return nil
}

// AddArtifact attaches a named output to the task.
func (m *Manager) AddArtifact(id string, art Artifact) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	if art.CreatedAt.IsZero() {
		art.CreatedAt = time.Now().UTC()
	}

	t.mu.Lock()
	t.Artifacts = append(t.Artifacts, art)
	t.UpdatedAt = time.Now().UTC()
	t.mu.Unlock()
	return nil
}

// Cancel moves a non-terminal task to cancelled. Cancelling an already
// terminal task returns ErrIllegalTransition.
func (m *Manager) Cancel(id string) (*Task, error) {
	st := StateCancelled
	return m.Apply(id, Update{State: &st})
}

// Await blocks until the task reaches a terminal state or ctx expires.
// It returns immediately when the task is already terminal.
func (m *Manager) Await(ctx context.Context, id string) (*Task, error) {
	t, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-t.Done():
		return t, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("await task %s: %w", id, ctx.Err())
	}
}

// List returns snapshots of tasks matching the filters. Empty filter values
// match everything.
func (m *Manager) List(state State, taskType string) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Task
	for _, t := range m.tasks {
		snap := t.Snapshot()
		if state != "" && snap.State != state {
			continue
		}
		if taskType != "" && snap.Type != taskType {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// Delete removes a task from the table regardless of state.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	delete(m.tasks, id)
	return nil
}

// Reap removes terminal tasks last updated more than maxAge ago and returns
// the number removed.
func (m *Manager) Reap(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, t := range m.tasks {
		t.mu.Lock()
		stale := t.State.Terminal() && t.UpdatedAt.Before(cutoff)
		t.mu.Unlock()
		if stale {
			delete(m.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("tasks reaped", zap.Int("removed", removed))
	}
	return removed
}

// Len returns the number of tasks currently in the table.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// RunReaper loops until ctx is cancelled, reaping terminal tasks older than
// maxAge every interval.
func (m *Manager) RunReaper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap(maxAge)
		}
	}
}
