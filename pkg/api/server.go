package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/risehq/rise/pkg/backend"
	"github.com/risehq/rise/pkg/events"
	"github.com/risehq/rise/pkg/log"
	"github.com/risehq/rise/pkg/metrics"
	"github.com/risehq/rise/pkg/store"
	"github.com/risehq/rise/pkg/token"
	"github.com/risehq/rise/pkg/types"
	"github.com/risehq/rise/pkg/urls"
)

// Config holds the HTTP server settings.
type Config struct {
	Addr           string        `yaml:"addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	// AdminGroup names the token group whose members bypass ownership checks.
	AdminGroup     string        `yaml:"admin_group"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// CredentialSource supplies registry credentials handed to deployment
// clients. Nil means no registry is configured and creation returns 503.
type CredentialSource interface {
	Credentials(ctx context.Context, project *types.Project) (*types.RegistryCredentials, error)
}

// Server is the HTTP surface of the control plane. Handlers mutate the
// store only; the controller loops pick the changes up on their next tick.
// Log streaming is the one exception that talks to the backend directly.
type Server struct {
	cfg     Config
	store   store.Store
	backend backend.Backend
	signer  *token.Signer
	urls    *urls.Calculator
	broker  *events.Broker
	creds   CredentialSource
	http    *http.Server
}

// NewServer assembles the HTTP server. creds may be nil when no registry is
// configured.
func NewServer(cfg Config, st store.Store, be backend.Backend, signer *token.Signer,
	calc *urls.Calculator, broker *events.Broker, creds CredentialSource) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.AdminGroup == "" {
		cfg.AdminGroup = "admin"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		cfg:     cfg,
		store:   st,
		backend: be,
		signer:  signer,
		urls:    calc,
		broker:  broker,
		creds:   creds,
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route tree. Exposed separately so tests can drive the
// handlers through httptest without a listener.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(s.observe)

	r.Get("/healthz", metrics.HealthHandler())
	r.Get("/readyz", metrics.ReadyHandler())
	r.Handle("/metrics", metrics.Handler())
	r.Get("/.well-known/jwks.json", token.JWKSHandler(s.signer))

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/deployments", s.handleCreateDeployment)
		r.Patch("/deployments/{id}/status", s.handleUpdateStatus)
		r.Get("/auth/ingress", s.handleIngressToken)

		r.Route("/projects/{project}", func(r chi.Router) {
			r.Get("/deployments", s.handleListDeployments)
			r.Post("/deployments/stop", s.handleStopGroup)
			r.Route("/deployments/{deploymentID}", func(r chi.Router) {
				r.Get("/", s.handleGetDeployment)
				r.Post("/rollback", s.handleRollback)
				r.Get("/logs", s.handleLogs)
				r.Get("/follow", s.handleFollow)
			})
		})
	})
	return r
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	log.WithComponent("api").Info().Str("addr", s.cfg.Addr).Msg("http server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
