// Package server exposes the upload coordinator and download gate over
// HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"sharedrop/internal/auth"
	"sharedrop/internal/files"
)

type Config struct {
	Addr    string // e.g. ":8080"
	Version string
	Commit  string

	// RateLimit caps reservations per client IP per RateWindow. Zero
	// disables the limiter.
	RateLimit  int
	RateWindow time.Duration

	// HSTS adds Strict-Transport-Security. Enable behind TLS only.
	HSTS bool

	// TrustedProxies are the peers whose X-Forwarded-For and X-Real-IP
	// headers name the client. Empty means the socket peer is the client.
	TrustedProxies []netip.Prefix
}

// Pinger is a dependency that health checks can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the HTTP layer drives.
type Deps struct {
	Coordinator *files.Coordinator
	Gate        *files.Gate
	Sessions    *auth.Sessions
	// Checks are probed by /health and /health/ready, keyed by component
	// name.
	Checks map[string]Pinger
	Logger zerolog.Logger
}

type Server struct {
	cfg        Config
	coord      *files.Coordinator
	gate       *files.Gate
	sessions   *auth.Sessions
	checks     map[string]Pinger
	log        zerolog.Logger
	limiter    *rateLimiter
	handler    http.Handler
	httpServer *http.Server
	done       chan struct{}
	stopOnce   sync.Once
}

func New(cfg Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		coord:    deps.Coordinator,
		gate:     deps.Gate,
		sessions: deps.Sessions,
		checks:   deps.Checks,
		log:      deps.Logger.With().Str("component", "http").Logger(),
		limiter:  newRateLimiter(cfg.RateLimit, cfg.RateWindow),
		done:     make(chan struct{}),
	}
	s.handler = s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	buildInfo.WithLabelValues(cfg.Version, cfg.Commit).Set(1)
	return s
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// proxy headers -> requestID -> recover -> access log -> metrics -> security headers
	r.Use(proxyHeadersMiddleware(s.cfg.TrustedProxies))
	r.Use(requestIDMiddleware(s.log))
	r.Use(recoverMiddleware)
	r.Use(accessLogMiddleware)
	r.Use(metricsMiddleware)
	r.Use(securityHeadersMiddleware(s.cfg.HSTS))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, files.E(files.KindNotFound, "route", "no such endpoint"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: errorDetail{
			Code: "method_not_allowed", Message: "method not allowed",
		}})
	})

	r.Get("/health", s.HandleHealth)
	r.Get("/health/ready", s.HandleReady)
	r.Get("/health/live", s.HandleLive)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	resolve := s.sessions.Resolve(writeError)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(resolve)

		r.Get("/files/{id}/download", s.handleDownload)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(writeError))
			r.With(s.limiter.middleware).Post("/files", s.handleReserve)
			r.Get("/files", s.handleList)
			r.Put("/files/{id}/status", s.handleComplete)
			r.Put("/files/{id}/permissions", s.handlePermissions)
			r.Get("/users/me/usage", s.handleUsage)
		})
	})

	r.With(resolve).Get("/d/{id}", s.handleShareLink)

	return r
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	go s.limiter.run(s.done)
	s.log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })
	return s.httpServer.Shutdown(ctx)
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				zerolog.Ctx(r.Context()).Error().
					Interface("panic", v).
					Str("path", r.URL.Path).
					Msg("handler panicked")
				writeError(w, r, files.E(files.KindInternal, "http", "panic"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
