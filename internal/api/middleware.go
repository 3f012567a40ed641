package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/admp-io/relay/internal/auth"
	"github.com/admp-io/relay/internal/db"
	"github.com/admp-io/relay/internal/metrics"
)

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const (
	// contextKeyAgent holds the authenticated *db.Agent after signature
	// verification.
	contextKeyAgent contextKey = iota
)

// agentFromCtx retrieves the signing agent stored by RequireSigned. Nil when
// the route did not run signature auth.
func agentFromCtx(ctx context.Context) *db.Agent {
	a, _ := ctx.Value(contextKeyAgent).(*db.Agent)
	return a
}

// RequireSigned returns a middleware enforcing a valid request signature
// whose signer matches the subject agent named by the given URL parameter.
// The verified agent is stored in the request context.
func RequireSigned(a *auth.Authenticator, subjectParam string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := chi.URLParam(r, subjectParam)
			agent, err := a.VerifySigned(r.Context(), r, subject)
			if err != nil {
				WriteError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyAgent, agent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireSignedAny is RequireSigned without subject binding, for signed
// routes whose subject is a group rather than an agent: any registered
// agent's valid signature is accepted, and membership checks happen in the
// engine.
func RequireSignedAny(a *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			agent, err := a.VerifySigned(r.Context(), r, "")
			if err != nil {
				WriteError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyAgent, agent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAPIKey gates endpoints without a subject agent. A presented
// Signature header is always verified — an invalid signature is rejected
// outright, never re-admitted through the API-key path — and
// REQUIRE_HTTP_SIGNATURES additionally rejects requests with no Signature
// at all.
func RequireAPIKey(a *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if r.Header.Get("Signature") != "" {
				agent, err := a.VerifySigned(ctx, r, "")
				if err != nil {
					WriteError(w, err)
					return
				}
				ctx = context.WithValue(ctx, contextKeyAgent, agent)
			} else if a.RequireSignatures() {
				WriteError(w, auth.ErrMissingSignature)
				return
			}

			if err := a.CheckAPIKey(r); err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Rate limit defaults: per-caller token bucket.
const (
	rateLimitPerSecond = 25
	rateLimitBurst     = 50

	// limiterIdleEviction drops buckets not seen for this long.
	limiterIdleEviction = 10 * time.Minute
)

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-caller token bucket. Callers are keyed by the
// authenticated agent when signature auth ran, falling back to the remote
// IP, so one noisy agent cannot starve the others.
type RateLimiter struct {
	mu      sync.Mutex
	callers map[string]*callerLimiter
	rps     rate.Limit
	burst   int
}

// NewRateLimiter creates a limiter with the default relay budget.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		callers: make(map[string]*callerLimiter),
		rps:     rateLimitPerSecond,
		burst:   rateLimitBurst,
	}
}

// Middleware enforces the budget, answering 429 on excess. Mount it after
// the auth middleware so the key reflects the verified principal.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(callerKey(r)) {
			Err(w, http.StatusTooManyRequests, "too_many_requests", "request rate exceeds the per-agent budget")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cl, ok := rl.callers[key]
	if !ok {
		// Opportunistic eviction keeps the map bounded without a
		// background goroutine.
		for k, v := range rl.callers {
			if now.Sub(v.lastSeen) > limiterIdleEviction {
				delete(rl.callers, k)
			}
		}
		cl = &callerLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.callers[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter.Allow()
}

// callerKey identifies the caller for rate limiting: the authenticated agent
// from the request context, otherwise the remote IP (RealIP has already
// rewritten RemoteAddr). The Signature header is never consulted here — an
// unverified keyId would let any client drain another agent's budget.
func callerKey(r *http.Request) string {
	if agent := agentFromCtx(r.Context()); agent != nil {
		return "agent:" + agent.AgentID
	}
	return "ip:" + r.RemoteAddr
}

// RequestLogger logs every request with method, path, status and request id,
// and feeds the latency histogram. Chi's RequestID middleware runs first.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			statusClass := strconv.Itoa(ww.Status()/100) + "xx"
			metrics.HTTPRequestDuration.WithLabelValues(route, statusClass).
				Observe(time.Since(start).Seconds())

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
