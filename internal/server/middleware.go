package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentweave/agentweave-go/internal/audit"
	"github.com/agentweave/agentweave-go/internal/observability"
)

const ctxPeerID = "agentweave_peer_id"

// PeerID returns the verified caller identity set by the peer middleware.
func PeerID(c *gin.Context) (spiffeid.ID, bool) {
	v, ok := c.Get(ctxPeerID)
	if !ok {
		return spiffeid.ID{}, false
	}
	id, ok := v.(spiffeid.ID)
	return id, ok
}

// peerIdentity extracts the caller's SPIFFE ID from the client certificate.
// Chain and trust domain verification already happened during the handshake;
// this recovers the identity for authorization and audit.
func (s *Server) peerIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.TLS == nil || len(c.Request.TLS.PeerCertificates) == 0 {
			s.auditPeerFailure("no client certificate presented")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "client certificate required",
			})
			return
		}
		id, err := x509svid.IDFromCert(c.Request.TLS.PeerCertificates[0])
		if err != nil {
			observability.RecordPeerVerificationFailure()
			s.auditPeerFailure(err.Error())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "client certificate carries no workload identity",
			})
			return
		}
		c.Set(ctxPeerID, id)
		c.Next()
	}
}

func (s *Server) auditPeerFailure(reason string) {
	if s.opts.Trail == nil {
		return
	}
	s.opts.Trail.Emit(&audit.Event{
		Type:     audit.EventPeerVerification,
		Decision: "deny",
		Reason:   reason,
	})
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

func bodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

type peerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// peerRateLimiter enforces a per-caller token bucket keyed by SPIFFE ID.
// Stale entries are dropped opportunistically on lookup.
func peerRateLimiter(rps, burst int) gin.HandlerFunc {
	var mu sync.Mutex
	limiters := make(map[string]*peerLimiter)
	lastSweep := time.Now()

	return func(c *gin.Context) {
		id, ok := PeerID(c)
		if !ok {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		key := id.String()

		mu.Lock()
		if time.Since(lastSweep) > 5*time.Minute {
			for k, l := range limiters {
				if time.Since(l.lastSeen) > 10*time.Minute {
					delete(limiters, k)
				}
			}
			lastSweep = time.Now()
		}
		l, ok := limiters[key]
		if !ok {
			l = &peerLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			limiters[key] = l
		}
		l.lastSeen = time.Now()
		mu.Unlock()

		if !l.limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
