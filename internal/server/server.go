// Package server exposes an agent over mutually authenticated TLS: the
// agent card, the JSON-RPC task endpoint, an SSE task stream, and health.
package server

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"go.uber.org/zap"

	"github.com/agentweave/agentweave-go/internal/audit"
	"github.com/agentweave/agentweave-go/internal/authz"
	"github.com/agentweave/agentweave-go/internal/identity"
	"github.com/agentweave/agentweave-go/internal/observability"
	"github.com/agentweave/agentweave-go/internal/task"
	"github.com/agentweave/agentweave-go/pkg/agentcard"
)

// ErrUnknownCapability indicates a task type no registered capability
// handles.
var ErrUnknownCapability = errors.New("unknown capability")

// DispatchRequest is an inbound task.send, already parsed.
type DispatchRequest struct {
	TaskType string
	Payload  json.RawMessage
	Messages []task.Message
}

// Dispatcher admits inbound tasks. The agent shell implements it: capability
// lookup, authorization, and handler launch happen behind this interface.
type Dispatcher interface {
	Dispatch(ctx context.Context, caller spiffeid.ID, req DispatchRequest) (*task.Task, error)
}

// Options configures a Server.
type Options struct {
	Card       *agentcard.Card
	Provider   identity.Provider
	Enforcer   authz.Enforcer
	Tasks      *task.Manager
	Dispatcher Dispatcher
	Trail      *audit.Trail
	Logger     *zap.Logger

	Host string
	Port int

	TLS identity.TLSOptions

	// PeerVerificationLogOnly downgrades handshake peer verification to a
	// logged warning. Rejected by config validation outside development.
	PeerVerificationLogOnly bool

	// RateLimitRPS enables per-peer token bucket limiting when positive.
	RateLimitRPS int

	CORSOrigins []string
}

// Server is the inbound mTLS listener.
type Server struct {
	opts   Options
	router *gin.Engine
	logger *zap.Logger
	srv    *http.Server
}

// New assembles the router. It does not listen; call Run.
func New(opts Options) (*Server, error) {
	if opts.Card == nil || opts.Provider == nil || opts.Tasks == nil || opts.Dispatcher == nil {
		return nil, fmt.Errorf("server requires card, provider, task manager, and dispatcher")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Port == 0 {
		opts.Port = 8443
	}

	s := &Server{opts: opts, logger: opts.Logger}
	s.router = s.buildRouter()
	return s, nil
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(securityHeaders())
	router.Use(bodyLimit(1 << 20))

	if len(s.opts.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:  s.opts.CORSOrigins,
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}
	router.Use(requestLogger(s.logger))
	router.Use(observability.PrometheusMiddleware())

	router.GET(agentcard.WellKnownPath, s.handleCard)
	router.GET("/health", s.handleHealth)

	authed := router.Group("/")
	authed.Use(s.peerIdentity())
	if s.opts.RateLimitRPS > 0 {
		authed.Use(peerRateLimiter(s.opts.RateLimitRPS, s.opts.RateLimitRPS*2))
	}
	authed.POST("/rpc", s.handleRPC)
	authed.GET("/tasks/:id/stream", s.handleStream)

	return router
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	tlsCfg := identity.ServerTLSConfig(s.opts.Provider, s.opts.TLS)
	if s.opts.PeerVerificationLogOnly {
		strict := tlsCfg.VerifyPeerCertificate
		tlsCfg.VerifyPeerCertificate = func(rawCerts [][]byte, chains [][]*x509.Certificate) error {
			if err := strict(rawCerts, chains); err != nil {
				s.logger.Warn("peer verification failed, admitting in log-only mode", zap.Error(err))
				if s.opts.Trail != nil {
					s.opts.Trail.Emit(&audit.Event{
						Type:     audit.EventPeerVerification,
						Decision: "allow",
						Reason:   err.Error(),
						Context:  map[string]string{"mode": "log-only"},
					})
				}
			}
			return nil
		}
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port),
		Handler:           s.router,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("agent listening",
			zap.String("addr", s.srv.Addr),
			zap.String("identity", s.opts.Provider.Identifier().String()),
		)
		if err := s.srv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleCard(c *gin.Context) {
	c.JSON(http.StatusOK, s.opts.Card)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	components := gin.H{}
	healthy := true

	if err := s.opts.Provider.HealthCheck(ctx); err != nil {
		components["identity"] = err.Error()
		healthy = false
	} else {
		components["identity"] = "ok"
	}
	if s.opts.Enforcer != nil {
		if err := s.opts.Enforcer.HealthCheck(ctx); err != nil {
			components["authorization"] = err.Error()
			healthy = false
		} else {
			components["authorization"] = "ok"
		}
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":     status,
		"identity":   s.opts.Provider.Identifier().String(),
		"tasks":      s.opts.Tasks.Len(),
		"components": components,
	})
}
