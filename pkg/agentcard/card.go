// Package agentcard defines the agent card schema used for .well-known discovery.
//
// Every AgentWeave agent serves its card at:
//
//	https://[host]/.well-known/agent.json
package agentcard

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"
)

// WellKnownPath is the HTTP path at which an agent publishes its card.
const WellKnownPath = "/.well-known/agent.json"

var capabilityNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Card is the JSON structure served at /.well-known/agent.json.
type Card struct {
	// Name is the agent's short name, e.g. "orchestrator".
	Name string `json:"name"`

	// Description is a human-readable summary of what the agent does.
	Description string `json:"description,omitempty"`

	// URL is the base URL at which the agent accepts requests.
	URL string `json:"url"`

	// Version is the agent's reported software version.
	Version string `json:"version"`

	// Capabilities lists the capability declarations this agent exposes.
	Capabilities []Capability `json:"capabilities"`

	// Authentication declares the schemes a caller may use.
	Authentication Authentication `json:"authentication"`

	// Extensions carries the workload-identity fields.
	Extensions Extensions `json:"extensions"`
}

// Capability is a single capability listing within an agent card.
type Capability struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	InputTypes  []string `json:"input_types,omitempty"`
	OutputTypes []string `json:"output_types,omitempty"`
}

// Authentication declares the authentication schemes the agent accepts.
type Authentication struct {
	Schemes []string `json:"schemes"`
}

// Extensions carries workload-identity metadata that plain clients ignore.
type Extensions struct {
	WorkloadID  string `json:"workload_id"`
	TrustDomain string `json:"trust_domain"`
	Protocol    string `json:"protocol"`
}

// Parse decodes a Card from JSON bytes and validates it.
func Parse(data []byte) (*Card, error) {
	var card Card
	if err := json.Unmarshal(data, &card); err != nil {
		return nil, fmt.Errorf("decode agent card: %w", err)
	}
	if err := card.Validate(); err != nil {
		return nil, err
	}
	return &card, nil
}

// Fetch retrieves and parses the agent card from the given base URL using
// the supplied HTTP client. A nil client falls back to a default with a
// 10-second timeout; callers doing mTLS discovery pass their own.
func Fetch(baseURL string, client *http.Client) (*Card, error) {
	target, err := url.JoinPath(baseURL, WellKnownPath)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}

	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Get(target) //nolint:noctx
	if err != nil {
		return nil, fmt.Errorf("fetch agent card: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent card fetch returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB limit
	if err != nil {
		return nil, fmt.Errorf("read agent card body: %w", err)
	}

	return Parse(body)
}

// Validate checks required fields of a Card.
func (c *Card) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("agent card: name is required")
	}
	if c.URL == "" {
		return fmt.Errorf("agent card: url is required")
	}
	if c.Extensions.WorkloadID == "" {
		return fmt.Errorf("agent card: extensions.workload_id is required")
	}
	if c.Extensions.TrustDomain == "" {
		return fmt.Errorf("agent card: extensions.trust_domain is required")
	}
	for i, cap := range c.Capabilities {
		if !capabilityNameRe.MatchString(cap.Name) {
			return fmt.Errorf("agent card: capabilities[%d].name %q is invalid", i, cap.Name)
		}
	}
	return nil
}

// AddCapability appends a capability declaration to the card.
// Registration is the only mutation a card permits after construction.
func (c *Card) AddCapability(cap Capability) error {
	if !capabilityNameRe.MatchString(cap.Name) {
		return fmt.Errorf("agent card: capability name %q is invalid", cap.Name)
	}
	c.Capabilities = append(c.Capabilities, cap)
	return nil
}

// MarshalIndent renders the card as indented JSON for CLI output and
// deployment artifacts.
func (c *Card) MarshalIndent() ([]byte, error) {
	out, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode agent card: %w", err)
	}
	return out, nil
}
