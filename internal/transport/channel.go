package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"go.uber.org/zap"

	"github.com/agentweave/agentweave-go/internal/identity"
)

const maxResponseBytes = 10 << 20 // 10 MB

// ChannelConfig parameterizes a secure channel.
type ChannelConfig struct {
	// TLSMinVersion defaults to TLS 1.3; TLS 1.2 is the lowest accepted.
	TLSMinVersion uint16

	// TLSMaxVersion defaults to TLS 1.3.
	TLSMaxVersion uint16

	// Timeout bounds each request. Defaults to 30s.
	Timeout time.Duration

	// VerifyPeer must be true. A channel cannot be built without peer
	// verification; the field exists so configuration can be validated.
	VerifyPeer bool

	// Retry, when non-nil, wraps each request in a retry policy.
	Retry *RetryConfig
}

// Validate rejects configurations that would weaken the channel.
func (c ChannelConfig) Validate() error {
	if !c.VerifyPeer {
		return fmt.Errorf("channel: peer verification cannot be disabled")
	}
	if c.TLSMinVersion != 0 && c.TLSMinVersion < tls.VersionTLS12 {
		return fmt.Errorf("channel: tls_min_version below 1.2")
	}
	if c.TLSMaxVersion != 0 && c.TLSMaxVersion > tls.VersionTLS13 {
		return fmt.Errorf("channel: tls_max_version above 1.3")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("channel: timeout must be positive")
	}
	if c.Retry != nil {
		if err := c.Retry.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Response is the outcome of a channel request.
type Response struct {
	Status int
	Body   []byte
}

// Channel performs HTTP-over-mTLS requests to one specific peer whose
// workload identifier is pinned at construction. The TLS material is
// acquired lazily from the identity layer, so a channel built before a
// rotation picks up the new credential on its first handshake.
type Channel struct {
	provider identity.Provider
	peer     spiffeid.ID
	baseURL  string
	cfg      ChannelConfig
	logger   *zap.Logger
	retry    *RetryPolicy

	mu     sync.Mutex
	client *http.Client
}

// NewChannel builds a channel to the peer with the given workload identifier,
// reachable at baseURL.
func NewChannel(provider identity.Provider, peer spiffeid.ID, baseURL string, cfg ChannelConfig, logger *zap.Logger) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ch := &Channel{
		provider: provider,
		peer:     peer,
		baseURL:  baseURL,
		cfg:      cfg,
		logger:   logger,
	}
	if cfg.Retry != nil {
		policy, err := NewRetryPolicy(*cfg.Retry, logger)
		if err != nil {
			return nil, err
		}
		ch.retry = policy
	}
	return ch, nil
}

// Peer returns the workload identifier this channel is pinned to.
func (c *Channel) Peer() spiffeid.ID { return c.peer }

// Get issues a GET request to path relative to the channel's base URL.
func (c *Channel) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, "", nil)
}

// Post issues a POST request with the given content type and body.
func (c *Channel) Post(ctx context.Context, path, contentType string, body []byte) (*Response, error) {
	return c.Do(ctx, http.MethodPost, path, contentType, body)
}

// Do performs one request, wrapped in the retry policy when configured.
func (c *Channel) Do(ctx context.Context, method, path, contentType string, body []byte) (*Response, error) {
	var resp *Response
	call := func(ctx context.Context) error {
		var err error
		resp, err = c.roundTrip(ctx, method, path, contentType, body)
		return err
	}

	if c.retry != nil {
		if err := c.retry.Do(ctx, call); err != nil {
			return nil, err
		}
		return resp, nil
	}
	if err := call(ctx); err != nil {
		return nil, err
	}
	return resp, nil
}

// Stream issues a GET and hands back the undecoded body for long-lived
// responses such as event streams. No retry policy or per-request timeout
// applies; the caller owns the body and cancels via ctx.
func (c *Channel) Stream(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request to %s: %w", c.peer, err)
	}
	req.Header.Set("Accept", "text/event-stream")

	httpResp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, c.classify(err)
	}
	if httpResp.StatusCode != http.StatusOK {
		httpResp.Body.Close()
		return nil, fmt.Errorf("stream from %s: status %d: %w", c.peer, httpResp.StatusCode, ErrConnection)
	}
	return httpResp.Body, nil
}

func (c *Channel) roundTrip(ctx context.Context, method, path, contentType string, body []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request to %s: %w", c.peer, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	c.logger.Debug("channel request",
		zap.String("peer", c.peer.String()),
		zap.String("method", method),
		zap.String("path", path),
	)

	httpResp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, c.classify(err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", c.peer, ErrConnection)
	}

	c.logger.Debug("channel response",
		zap.String("peer", c.peer.String()),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", httpResp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)
	return &Response{Status: httpResp.StatusCode, Body: data}, nil
}

// classify maps transport errors onto the retryable/terminal sentinels.
// Peer-verification failures surface untouched so callers can tell a
// misconfigured peer from a flaky network.
func (c *Channel) classify(err error) error {
	if errors.Is(err, identity.ErrPeerVerification) {
		return fmt.Errorf("peer %s: %w", c.peer, err)
	}
	if errors.Is(err, identity.ErrUnavailable) || errors.Is(err, identity.ErrCredentialExpired) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("request to %s: %w", c.peer, ErrRequestTimeout)
	}
	return fmt.Errorf("request to %s: %v: %w", c.peer, err, ErrConnection)
}

// httpClient lazily builds the mTLS transport. The client is cached for the
// channel's lifetime; the TLS callbacks inside fetch the current credential
// on every handshake.
func (c *Channel) httpClient() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		tlsCfg := identity.ClientTLSConfig(c.provider, c.peer, identity.TLSOptions{
			MinVersion: c.cfg.TLSMinVersion,
			MaxVersion: c.cfg.TLSMaxVersion,
		})
		c.client = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:     tlsCfg,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return c.client
}

// RetryStats returns the channel's retry counters, zero when no retry policy
// is configured.
func (c *Channel) RetryStats() RetryStats {
	if c.retry == nil {
		return RetryStats{}
	}
	return c.retry.Stats()
}

// Close drops the channel's idle connections.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		if t, ok := c.client.Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
}
