package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"go.uber.org/zap"

	"github.com/agentweave/agentweave-go/internal/authz"
	"github.com/agentweave/agentweave-go/internal/identity"
	"github.com/agentweave/agentweave-go/internal/task"
	"github.com/agentweave/agentweave-go/internal/transport"
	"github.com/agentweave/agentweave-go/pkg/agentcard"
)

// Task and Message are the task protocol's wire types.
type (
	Task    = task.Task
	Message = task.Message
)

// Sentinels surfaced by remote calls. Denials and missing tasks reuse the
// domain sentinels so errors.Is holds across the whole module.
var (
	ErrDenied            = authz.ErrDenied
	ErrTaskNotFound      = task.ErrNotFound
	ErrUnknownCapability = errors.New("unknown capability")
	ErrRemote            = errors.New("remote error")
)

const defaultPollInterval = 500 * time.Millisecond

// Client talks the task protocol to one remote agent.
type Client struct {
	ch     *transport.Channel
	ownsCh bool
	logger *zap.Logger
	poll   time.Duration
	nextID atomic.Int64

	chCfg transport.ChannelConfig
}

// Option configures a Client.
type Option func(*Client) error

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithPollInterval overrides the 500ms Await/Stream poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("poll interval must be positive")
		}
		c.poll = d
		return nil
	}
}

// WithChannelConfig overrides the channel settings used by New. Ignored by
// NewFromChannel.
func WithChannelConfig(cfg transport.ChannelConfig) Option {
	return func(c *Client) error {
		c.chCfg = cfg
		return nil
	}
}

// New dials the agent at baseURL, verifying it presents the peer identity.
func New(provider identity.Provider, peer spiffeid.ID, baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		poll:   defaultPollInterval,
		chCfg:  transport.ChannelConfig{VerifyPeer: true},
		ownsCh: true,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	ch, err := transport.NewChannel(provider, peer, baseURL, c.chCfg, c.logger)
	if err != nil {
		return nil, err
	}
	c.ch = ch
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c, nil
}

// NewFromChannel wraps an existing channel, typically a pooled one. The
// caller keeps ownership; Close will not touch it.
func NewFromChannel(ch *transport.Channel, opts ...Option) (*Client, error) {
	c := &Client{ch: ch, poll: defaultPollInterval}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c, nil
}

// Peer returns the pinned remote identity.
func (c *Client) Peer() spiffeid.ID { return c.ch.Peer() }

// SendTask submits a task and returns its initial state. The remote accepts
// before the handler runs; poll or stream for progress.
func (c *Client) SendTask(ctx context.Context, taskType string, payload json.RawMessage, messages []Message) (*Task, error) {
	if taskType == "" {
		return nil, fmt.Errorf("task type is required")
	}
	return c.call(ctx, "task.send", map[string]any{
		"task_type": taskType,
		"payload":   payload,
		"messages":  messages,
	})
}

// Status fetches the current state of a task.
func (c *Client) Status(ctx context.Context, taskID string) (*Task, error) {
	return c.call(ctx, "task.status", map[string]any{"task_id": taskID})
}

// Cancel requests cancellation of a task.
func (c *Client) Cancel(ctx context.Context, taskID string) (*Task, error) {
	return c.call(ctx, "task.cancel", map[string]any{"task_id": taskID})
}

// Await polls the task until it reaches a terminal state or ctx expires.
func (c *Client) Await(ctx context.Context, taskID string) (*Task, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		t, err := c.Status(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if t.State.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// StreamEvent is one event from a task stream.
type StreamEvent struct {
	Type string // task_update, task_complete, or error
	Task *Task
	Err  error
}

// Stream consumes the remote SSE stream for a task. The returned channel
// closes after task_complete, an error event, or ctx cancellation.
func (c *Client) Stream(ctx context.Context, taskID string) (<-chan StreamEvent, error) {
	body, err := c.ch.Stream(ctx, "/tasks/"+taskID+"/stream")
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer body.Close()

		var eventType string
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 10<<20)
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				eventType = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev := parseStreamEvent(eventType, strings.TrimPrefix(line, "data: "))
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
				if eventType == "task_complete" || eventType == "error" {
					return
				}
			}
		}
	}()
	return events, nil
}

func parseStreamEvent(eventType, data string) StreamEvent {
	if eventType == "error" {
		var payload struct {
			Error string `json:"error"`
		}
		json.Unmarshal([]byte(data), &payload)
		return StreamEvent{Type: eventType, Err: fmt.Errorf("%w: %s", ErrRemote, payload.Error)}
	}
	t := &Task{}
	if err := json.Unmarshal([]byte(data), t); err != nil {
		return StreamEvent{Type: eventType, Err: fmt.Errorf("decode stream event: %w", err)}
	}
	return StreamEvent{Type: eventType, Task: task.FromSnapshot(t)}
}

// Discover fetches the remote agent's card.
func (c *Client) Discover(ctx context.Context) (*agentcard.Card, error) {
	resp, err := c.ch.Get(ctx, agentcard.WellKnownPath)
	if err != nil {
		return nil, err
	}
	if resp.Status != 200 {
		return nil, fmt.Errorf("%w: card request returned status %d", ErrRemote, resp.Status)
	}
	return agentcard.Parse(resp.Body)
}

// Ping checks the remote agent's health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.ch.Get(ctx, "/health")
	if err != nil {
		return err
	}
	if resp.Status != 200 {
		return fmt.Errorf("%w: health returned status %d", ErrRemote, resp.Status)
	}
	return nil
}

// Close releases the channel when this client owns it.
func (c *Client) Close() {
	if c.ownsCh {
		c.ch.Close()
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      json.RawMessage `json:"id"`
}

func (c *Client) call(ctx context.Context, method string, params any) (*Task, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	resp, err := c.ch.Post(ctx, "/rpc", "application/json", body)
	if err != nil {
		return nil, err
	}
	if resp.Status != 200 {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrRemote, method, resp.Status)
	}

	var out rpcResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if out.Error != nil {
		return nil, mapRPCError(out.Error)
	}

	t := &Task{}
	if err := json.Unmarshal(out.Result, t); err != nil {
		return nil, fmt.Errorf("decode task from %s response: %w", method, err)
	}
	// Rebuild through the task package so Done() works on received records.
	return task.FromSnapshot(t), nil
}

// mapRPCError turns wire errors back into the module's sentinels.
func mapRPCError(re *rpcError) error {
	var data struct {
		Kind string `json:"kind"`
	}
	if len(re.Data) > 0 {
		json.Unmarshal(re.Data, &data)
	}
	switch data.Kind {
	case "access-denied":
		return fmt.Errorf("%w: %s", ErrDenied, re.Message)
	case "task-not-found":
		return ErrTaskNotFound
	case "unknown-capability":
		return fmt.Errorf("%w: %s", ErrUnknownCapability, re.Message)
	default:
		return fmt.Errorf("%w: %s (code %d)", ErrRemote, re.Message, re.Code)
	}
}
