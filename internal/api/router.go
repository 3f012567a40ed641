package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/admp-io/relay/internal/agent"
	"github.com/admp-io/relay/internal/auth"
	"github.com/admp-io/relay/internal/config"
	"github.com/admp-io/relay/internal/group"
	"github.com/admp-io/relay/internal/hub"
	"github.com/admp-io/relay/internal/lifecycle"
	"github.com/admp-io/relay/internal/store"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It is
// populated in main after all components are initialized and passed as a
// single struct to keep the constructor signature manageable.
type RouterConfig struct {
	Registry *agent.Registry
	Engine   *lifecycle.Engine
	Groups   *group.Engine
	Hub      *hub.Hub
	Auth     *auth.Authenticator
	Store    store.Store
	Config   config.Config
	Logger   *zap.Logger
}

// NewRouter builds and returns the fully configured chi router.
//
// Three auth tiers apply. Endpoints whose subject is the path agent demand a
// request signature from that same agent. Group endpoints demand a valid
// signature from any registered agent; membership checks happen in the
// engine. Endpoints with no subject agent (registration, operator lookups,
// cross-agent send) sit behind the API-key gate.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID for each request, used in logs for
	// tracing. RealIP extracts the client IP from X-Forwarded-For when the
	// relay runs behind a reverse proxy.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	// One shared budget across the /v1 tiers, keyed by the authenticated
	// principal, so the limiter mounts after each tier's auth middleware.
	limiter := NewRateLimiter()

	agentHandler := NewAgentHandler(cfg.Registry, cfg.Logger, cfg.Config.MaxMessageSize)
	messageHandler := NewMessageHandler(cfg.Engine, cfg.Logger, cfg.Config.MaxMessageSize)
	groupHandler := NewGroupHandler(cfg.Groups, cfg.Logger, cfg.Config.MaxMessageSize)
	wsHandler := NewWSHandler(cfg.Hub, cfg.Logger)
	systemHandler := NewSystemHandler(cfg.Store, cfg.Hub, cfg.Logger)

	// Operational endpoints, unauthenticated.
	r.Get("/healthz", systemHandler.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {

		// Endpoints with no subject agent: API-key gated. A presented
		// signature is still verified.
		r.Group(func(r chi.Router) {
			r.Use(RequireAPIKey(cfg.Auth))
			r.Use(limiter.Middleware)

			r.Post("/agents/register", agentHandler.Register)
			r.Get("/agents/{id}", agentHandler.Get)
			r.Post("/agents/{id}/approve", agentHandler.Approve)
			r.Post("/agents/{to}/messages", messageHandler.Send)
			r.Get("/messages/{mid}/status", messageHandler.Status)
		})

		// Subject-agent endpoints: the signer must be the path agent.
		r.Group(func(r chi.Router) {
			r.Use(RequireSigned(cfg.Auth, "id"))
			r.Use(limiter.Middleware)

			r.Delete("/agents/{id}", agentHandler.Delete)
			r.Post("/agents/{id}/heartbeat", agentHandler.Heartbeat)
			r.Post("/agents/{id}/rotate-key", agentHandler.RotateKey)

			r.Post("/agents/{id}/webhook", agentHandler.SetWebhook)
			r.Get("/agents/{id}/webhook", agentHandler.GetWebhook)
			r.Delete("/agents/{id}/webhook", agentHandler.DeleteWebhook)

			r.Post("/agents/{id}/inbox/pull", messageHandler.Pull)
			r.Get("/agents/{id}/inbox/stats", messageHandler.Stats)
			r.Get("/agents/{id}/inbox/ws", wsHandler.Subscribe)
			r.Post("/agents/{id}/messages/{mid}/ack", messageHandler.Ack)
			r.Post("/agents/{id}/messages/{mid}/nack", messageHandler.Nack)
			r.Post("/agents/{id}/messages/{mid}/reply", messageHandler.Reply)
		})

		// Group endpoints: any registered agent's signature; membership and
		// role checks live in the group engine.
		r.Group(func(r chi.Router) {
			r.Use(RequireSignedAny(cfg.Auth))
			r.Use(limiter.Middleware)

			r.Get("/groups", groupHandler.ListMine)
			r.Post("/groups", groupHandler.Create)
			r.Get("/groups/{id}", groupHandler.Get)
			r.Post("/groups/{id}/join", groupHandler.Join)
			r.Post("/groups/{id}/leave", groupHandler.Leave)
			r.Post("/groups/{id}/members", groupHandler.AddMember)
			r.Delete("/groups/{id}/members/{agent}", groupHandler.RemoveMember)
			r.Post("/groups/{id}/messages", groupHandler.Post)
			r.Get("/groups/{id}/messages", groupHandler.History)
		})
	})

	return r
}
