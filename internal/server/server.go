// Package server exposes the analysis engine over HTTP: macro management,
// run submission against the worker pool, and live progress streaming over
// server-sent events. The API surface is deliberately thin; all analysis
// behavior lives in the packages behind it.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/slotheather55/webspark/api/schemas"
	"github.com/slotheather55/webspark/internal/config"
	"github.com/slotheather55/webspark/internal/worker"
)

// MacroStore is the slice of the macro library the API needs.
type MacroStore interface {
	List() ([]*schemas.Macro, error)
	Load(id string) (*schemas.Macro, error)
	Delete(id string) error
}

// Server hosts the HTTP API over a worker pool and a macro store.
type Server struct {
	cfg     config.ServerConfig
	logger  *zap.Logger
	pool    *worker.Pool
	macros  MacroStore
	limiter *rate.Limiter
}

// New creates a Server. The pool and macro store are built by the caller;
// the server owns only the HTTP surface and the run-start rate limit.
func New(cfg config.ServerConfig, pool *worker.Pool, macros MacroStore, logger *zap.Logger) (*Server, error) {
	if pool == nil {
		return nil, errors.New("worker pool cannot be nil")
	}
	if macros == nil {
		return nil, errors.New("macro store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	burst := int(cfg.RunRatePerMinute)
	if burst < 1 {
		burst = 1
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.Named("server"),
		pool:    pool,
		macros:  macros,
		limiter: rate.NewLimiter(rate.Limit(cfg.RunRatePerMinute/60.0), burst),
	}, nil
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/macros", s.handleListMacros)
		r.Get("/macros/{id}", s.handleGetMacro)
		r.Delete("/macros/{id}", s.handleDeleteMacro)

		r.Post("/analyses", s.handleCreateAnalysis)
		r.Get("/analyses/{id}", s.handleGetAnalysis)
		r.Get("/analyses/{id}/stream", s.handleStreamAnalysis)
	})
	return r
}

// Start serves the API until the context is canceled, then drains: the
// listener shuts down first so no new runs arrive, then the worker pool,
// both under the configured shutdown budget.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("API server listening.", zap.String("addr", s.cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(shutCtx); err != nil {
			errs = append(errs, err)
			httpServer.Close()
		}
		if err := s.pool.Shutdown(shutCtx); err != nil {
			errs = append(errs, err)
		}
		s.logger.Info("API server stopped.")
		return errors.Join(errs...)
	})
	return g.Wait()
}
