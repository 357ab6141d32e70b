// Package task implements the in-memory task lifecycle: creation, state
// transitions, completion signalling, and reaping of finished tasks.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a task lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

var (
	// ErrNotFound is returned when a task id is unknown to the manager.
	ErrNotFound = errors.New("task not found")

	// ErrIllegalTransition is returned when an update would move a task
	// out of a terminal state.
	ErrIllegalTransition = errors.New("illegal task transition")
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a recognized state value.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Message is one entry in a task's message history.
type Message struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
}

// Artifact is a named output a handler attaches to a task.
type Artifact struct {
	Name      string          `json:"name"`
	MediaType string          `json:"media_type,omitempty"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// Task is a single capability invocation with a tracked lifecycle.
//
// Mutation goes through the owning Manager, which holds the per-task lock.
// Snapshot returns a consistent copy for serialization.
type Task struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	State     State             `json:"state"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Messages  []Message         `json:"messages,omitempty"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	Artifacts []Artifact        `json:"artifacts,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	mu   sync.Mutex
	done chan struct{}
	once sync.Once
}

func newTask(taskType string, payload json.RawMessage, messages []Message, metadata map[string]string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		State:     StatePending,
		Payload:   payload,
		Messages:  messages,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  metadata,
		done:      make(chan struct{}),
	}
}

// Done returns a channel closed when the task first reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Snapshot returns a copy of the task safe to serialize while the original
// continues to mutate. The copy shares no mutable state with the original.
func (t *Task) Snapshot() *Task {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp := &Task{
		ID:        t.ID,
		Type:      t.Type,
		State:     t.State,
		Payload:   t.Payload,
		Result:    t.Result,
		Error:     t.Error,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	cp.Messages = append([]Message(nil), t.Messages...)
	cp.Artifacts = append([]Artifact(nil), t.Artifacts...)
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// markTerminal closes the completion channel exactly once.
func (t *Task) markTerminal() {
	t.once.Do(func() { close(t.done) })
}

// FromSnapshot rebuilds a live task from serialized fields. Used by clients
// that receive task records over the wire and want Done/Snapshot semantics.
func FromSnapshot(cp *Task) *Task {
	t := &Task{
		ID:        cp.ID,
		Type:      cp.Type,
		State:     cp.State,
		Payload:   cp.Payload,
		Messages:  cp.Messages,
		Result:    cp.Result,
		Error:     cp.Error,
		Artifacts: cp.Artifacts,
		CreatedAt: cp.CreatedAt,
		UpdatedAt: cp.UpdatedAt,
		Metadata:  cp.Metadata,
		done:      make(chan struct{}),
	}
	if t.State.Terminal() {
		t.markTerminal()
	}
	return t
}

// Validate checks the structural invariants of a deserialized task record.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task: id is required")
	}
	if t.Type == "" {
		return fmt.Errorf("task: type is required")
	}
	if !t.State.Valid() {
		return fmt.Errorf("task: unknown state %q", t.State)
	}
	return nil
}
