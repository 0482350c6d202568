// Package api exposes the conversation engine over HTTP.
//
// Endpoints:
//
//	POST   /api/chat            one conversation turn (wizard-aware)
//	POST   /api/wizard/begin    start the ticket wizard
//	POST   /api/wizard/field    submit the current field
//	POST   /api/wizard/confirm  accept or reject the summary
//	POST   /api/wizard/cancel   abort the flow
//	GET    /api/sessions        session store diagnostics
//	GET    /api/sessions/{id}   one session's metadata
//	DELETE /api/sessions/{id}   clear one session
//	GET    /health              liveness probe
//	GET    /ready               readiness probe (DB ping)
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/abiroot/ispbot/internal/log"
	"github.com/abiroot/ispbot/internal/session"
	"github.com/abiroot/ispbot/internal/wizard"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:8080"

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout guards against slow-header connections (CWE-400).
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading an entire request.
	ReadTimeout = 30 * time.Second

	// WriteTimeout is the maximum duration for writing the response.
	// Generation turns with retries can take a while.
	WriteTimeout = 120 * time.Second

	// IdleTimeout bounds keep-alive connections.
	IdleTimeout = 120 * time.Second
)

// Server is the HTTP surface of the bot.
type Server struct {
	mux    *http.ServeMux
	logger log.Logger

	health  *HealthHandler
	chat    *ChatHandler
	wizard  *WizardHandler
	session *SessionHandler
}

// ServerConfig collects the collaborators the handlers need.
type ServerConfig struct {
	Engine   Chatter
	Wizard   *wizard.Wizard
	Sessions *session.Store
	DB       Pinger // readiness probe target; nil reports not ready
	Logger   log.Logger
}

// NewServer creates the server with all routes registered.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	mux := http.NewServeMux()
	s := &Server{
		mux:     mux,
		logger:  logger,
		health:  NewHealthHandler(cfg.DB, logger),
		chat:    NewChatHandler(cfg.Engine, cfg.Wizard, logger),
		wizard:  NewWizardHandler(cfg.Wizard, logger),
		session: NewSessionHandler(cfg.Sessions, logger),
	}

	s.health.RegisterRoutes(mux)
	s.chat.RegisterRoutes(mux)
	s.wizard.RegisterRoutes(mux)
	s.session.RegisterRoutes(mux)

	return s
}

// Handler returns the mux wrapped in middleware.
// Order: recovery outermost, then request logging.
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		recoveryMiddleware(s.logger),
		loggingMiddleware(s.logger))
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
