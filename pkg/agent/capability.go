package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentweave/agentweave-go/pkg/agentcard"
)

// HandlerFunc executes one task. The payload is the caller-supplied input;
// the returned bytes become the task result. Caller identity and task ID
// are available through CallerFromContext and TaskIDFromContext.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Capability is a named operation the agent serves.
type Capability struct {
	Name        string
	Description string
	InputTypes  []string
	OutputTypes []string

	// PeerPatterns restricts which caller identifiers may invoke the
	// capability, checked before policy authorization. Empty admits all
	// callers that policy allows. '*' crosses path separators.
	PeerPatterns []string

	// Timeout bounds handler execution. Zero means no deadline.
	Timeout time.Duration

	Handler HandlerFunc
}

// RegisterCapability adds a capability and publishes it on the agent card.
func (a *Agent) RegisterCapability(c Capability) error {
	if c.Handler == nil {
		return fmt.Errorf("capability %q requires a handler", c.Name)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.caps[c.Name]; exists {
		return fmt.Errorf("capability %q already registered", c.Name)
	}
	if err := a.card.AddCapability(agentcard.Capability{
		Name:        c.Name,
		Description: c.Description,
		InputTypes:  c.InputTypes,
		OutputTypes: c.OutputTypes,
	}); err != nil {
		return err
	}
	a.caps[c.Name] = &c
	return nil
}

// Capabilities lists the registered capability names.
func (a *Agent) Capabilities() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.caps))
	for name := range a.caps {
		names = append(names, name)
	}
	return names
}

func (a *Agent) capability(name string) (*Capability, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.caps[name]
	return c, ok
}
