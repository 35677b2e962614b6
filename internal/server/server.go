package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"nextalk-relay/internal/presence"
)

const shutdownTimeout = 10 * time.Second

// Server defines fields used in HTTP and websocket processing
type Server struct {
	logger        *zap.SugaredLogger
	httpServer    *http.Server
	afterShutdown []func()
}

// NewServer wires routes for the REST API and the websocket endpoint
func NewServer(logger *zap.SugaredLogger, store Store, dispatcher Dispatcher, table *presence.Table, directory Directory, opts ...Option) (*Server, error) {
	cfg := &config{
		httpServer: &http.Server{Addr: ":5000"},
	}
	for _, opt := range opts {
		opt.apply(cfg)
	}

	h := &handler{
		logger:     logger,
		store:      store,
		dispatcher: dispatcher,
		directory:  directory,
		presence:   table,
	}
	ws := newWSHandler(logger, table, dispatcher, directory, cfg.clientURL)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestLog(logger.Desugar()))
	r.Use(middleware.Recoverer)
	r.Use(cors(cfg.clientURL))
	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/", h.index)
	r.Handle("/ws", ws)
	r.Route("/api", func(r chi.Router) {
		if cfg.requestTimeout > 0 {
			r.Use(middleware.Timeout(cfg.requestTimeout))
		}

		r.Get("/health", h.health)
		r.Get("/users", h.users)
		r.Get("/users/online", h.onlineUsers)
		r.Get("/users/{id}", h.userByID)
		r.Get("/messages", h.history)
		r.With(enforceJSON).Post("/messages", h.createMessage)

		r.Route("/auth", func(r chi.Router) {
			r.Use(enforceJSON)
			r.Post("/register", h.register)
			r.Post("/login", h.login)
		})
	})

	cfg.httpServer.Handler = r
	cfg.httpServer.RegisterOnShutdown(ws.closeAll)

	return &Server{
		logger:        logger,
		httpServer:    cfg.httpServer,
		afterShutdown: cfg.afterShutdown,
	}, nil
}

// Handler exposes the router, mainly for httptest
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and implements graceful shutdown via goroutine waiting for signals
func (s *Server) Start() error {
	idleConnsClosed := make(chan struct{})

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		s.logger.Info("Shutting down HTTP server")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Errorf("srv.Shutdown: %v", err)
		}
		s.logger.Info("HTTP server is stopped")

		close(idleConnsClosed)
	}()

	s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("s.httpServer.ListenAndServe: %v", err)
	}

	<-idleConnsClosed

	for _, f := range s.afterShutdown {
		f()
	}

	return nil
}
