package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/agentopia/toolbox-agent/internal/api"
	"github.com/agentopia/toolbox-agent/pkg/logging"
)

const serverSubsystem = "Server"

const (
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultReadTimeout       = 30 * time.Second
	DefaultWriteTimeout      = 2 * time.Minute
	DefaultIdleTimeout       = 2 * time.Minute
	DefaultShutdownTimeout   = 15 * time.Second
	DefaultRateLimit         = 20
	DefaultRateBurst         = 40

	// maxBodyBytes bounds request bodies.
	maxBodyBytes = 1 << 20
)

// Service is the orchestration API the server exposes.
type Service interface {
	Deploy(ctx context.Context, req api.DeployRequest) (*api.DeployResponse, error)
	Teardown(ctx context.Context, name, owner string) (*api.AckResponse, error)
	RefreshCredentials(ctx context.Context, name, owner string, connectionIDs []string) (*api.AckResponse, error)
	ForceProbe(ctx context.Context, name string) (*api.DiscoveryEntry, error)
	Discovery() *api.DiscoveryResponse
	GetStatus() *api.StatusResponse
}

// Options configures a Server.
type Options struct {
	Listen          string
	Auth            Authenticator
	RateLimit       float64
	RateBurst       int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Metrics serves /metrics when set.
	Metrics http.Handler
}

func (o Options) withDefaults() Options {
	if o.RateLimit <= 0 {
		o.RateLimit = DefaultRateLimit
	}
	if o.RateBurst < 1 {
		o.RateBurst = DefaultRateBurst
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	return o
}

// Server is the orchestration HTTP API.
type Server struct {
	svc     Service
	opts    Options
	router  chi.Router
	limiter *rate.Limiter
}

// New builds the server and its routes. opts.Auth is required.
func New(svc Service, opts Options) (*Server, error) {
	if opts.Auth == nil {
		return nil, errors.New("server requires an authenticator")
	}
	opts = opts.withDefaults()

	s := &Server{
		svc:     svc,
		opts:    opts,
		router:  chi.NewRouter(),
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(rateLimit(s.limiter))
		r.Use(requireAuth(s.opts.Auth))

		r.Get("/status", s.handleStatus)
		r.Get("/v1/discovery", s.handleDiscovery)

		r.Route("/v1/instances", func(r chi.Router) {
			r.Post("/", s.handleDeploy)
			r.Route("/{name}", func(r chi.Router) {
				r.Delete("/", s.handleTeardown)
				r.Post("/credentials/refresh", s.handleRefresh)
				r.Post("/probe", s.handleProbe)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, api.NewError(api.KindNotFound, "no route for %s %s", r.Method, r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, api.ErrorBody{
			Error: api.ErrorDetail{Kind: api.KindValidation, Message: "method not allowed"},
		})
	})
}

// ServeHTTP lets the Server be used as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Serve accepts connections on l until ctx is cancelled, then shuts down
// gracefully within the shutdown timeout.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       s.opts.ReadTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info(serverSubsystem, "Orchestration API listening on %s", l.Addr())
		errCh <- srv.Serve(l)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	logging.Info(serverSubsystem, "Shutting down orchestration API")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}
