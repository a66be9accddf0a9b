// Package api exposes the voice authentication flow over REST: enrollment,
// challenge issue, the multi-factor login itself, and the admin view of the
// attempt log.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/voicegate/auth"
	"github.com/jmcleod/voicegate/authn"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	svc            *authn.Service
	tokens         *auth.Issuer
	audit          *auditLogger
	loginLimiter   *ipRateLimiter
	globalLimiter  *globalRateLimiter
	regLimiter     *registrationIPLimiter
	trustedProxies []netip.Prefix
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithTrustedProxies sets the CIDR ranges whose proxy headers are honored
// when resolving client IPs.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// New creates a new API instance.
func New(svc *authn.Service, tokens *auth.Issuer, opts ...Option) *API {
	a := &API{
		svc:           svc,
		tokens:        tokens,
		loginLimiter:  newIPRateLimiter(),
		globalLimiter: newGlobalRateLimiter(),
		regLimiter:    newRegistrationIPLimiter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/auth/register", a.Register)
	r.Post("/auth/challenge", a.Challenge)
	r.Post("/auth/login", a.Login)
	r.With(a.AuthMiddleware).Get("/auth/me", a.Me)

	r.Route("/admin", func(r chi.Router) {
		r.Use(a.AuthMiddleware, a.AdminMiddleware)
		r.Get("/attempts", a.ListAttempts)
	})

	return r
}
