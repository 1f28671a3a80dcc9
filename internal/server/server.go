// Package server wires the broker's HTTP surface: the credential exchange
// endpoint, the guarded upstream pass-through routes, and the probes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/openapi"
	"github.com/keygate/keygate/internal/proxy"
	"github.com/keygate/keygate/internal/server/middleware"
	"github.com/keygate/keygate/internal/service"
	"github.com/keygate/keygate/internal/store"
)

// exchangeTimeout bounds the store work behind the credential exchange.
const exchangeTimeout = 5 * time.Second

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	TLSPort         int
	TLSCertFile     string
	TLSKeyFile      string
	TLSEnabled      bool
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	AuthUser        string
	AuthPass        string
	RatePerMinute   int
	Version         string
}

// Server owns the chi router and both listeners.
type Server struct {
	cfg        Config
	router     chi.Router
	broker     *service.Broker
	dispatcher *proxy.Dispatcher
	store      store.TokenStore
	logger     *slog.Logger
	spec       *openapi3.T

	httpServer *http.Server
	tlsServer  *http.Server
}

// New creates a Server with all routes and middleware wired. Call
// ListenAndServe to start accepting connections.
func New(cfg Config, broker *service.Broker, dispatcher *proxy.Dispatcher, st store.TokenStore, logger *slog.Logger) *Server {
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 10
	}
	s := &Server{
		cfg:        cfg,
		broker:     broker,
		dispatcher: dispatcher,
		store:      st,
		logger:     logger,
		spec:       openapi.Spec(cfg.Version, fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)),
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders: []string{"X-Request-ID", middleware.RotatedTokenHeader},
		MaxAge:         300,
	}))

	// Probes and docs, no auth.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/openapi.json", s.handleOpenAPI)

	// Credential exchange: Basic Auth plus a per-IP rate limit to slow
	// credential stuffing against the single account.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(s.cfg.RatePerMinute))
		r.Use(middleware.BasicAuth(s.cfg.AuthUser, s.cfg.AuthPass))
		r.Post("/get-jwt", s.handleGetJWT)
	})

	// Guarded pass-through to the upstream API.
	r.Route("/upstream", func(r chi.Router) {
		r.Use(middleware.Guard(s.broker))

		r.Get("/models", s.forward("/models"))
		r.Get("/models/{modelID}", s.forwardParam("/models/", "modelID"))
		r.Post("/completions", s.forward("/chat/completions"))
		r.Get("/files", s.forward("/files"))
		r.Post("/files", s.forward("/files"))
		r.Delete("/files/{fileID}", s.forwardParam("/files/", "fileID"))
	})

	s.router = r
}

// handleGetJWT is the one-time credential exchange: the client submits the
// raw upstream key and receives the signed token that replaces it.
func (s *Server) handleGetJWT(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeEnvelope(w, http.StatusBadRequest, model.MsgInvalidKey, nil)
		return
	}
	r.Body.Close()

	ctx, cancel := context.WithTimeout(r.Context(), exchangeTimeout)
	defer cancel()

	res, err := s.broker.Exchange(ctx, body.Key)
	if err != nil {
		if errors.Is(err, service.ErrInvalidUpstreamKey) {
			s.writeEnvelope(w, http.StatusBadRequest, model.MsgInvalidKey, nil)
			return
		}
		s.logger.Error("credential exchange failed", "error", err, "request_id", middleware.GetRequestID(r.Context()))
		s.writeEnvelope(w, http.StatusInternalServerError, model.MsgInternalError, nil)
		return
	}

	payload := model.TokenPayload{JWT: res.Token}
	switch res.Outcome {
	case service.OutcomeAdded:
		s.writeEnvelope(w, http.StatusCreated, model.MsgTokenAdded, payload)
	case service.OutcomeUpdated:
		s.writeEnvelope(w, http.StatusAccepted, model.MsgTokenUpdated, payload)
	default:
		s.writeEnvelope(w, http.StatusAccepted, model.MsgTokenAccepted, payload)
	}
}

// forward returns a handler relaying the guarded request to a fixed
// upstream path.
func (s *Server) forward(upstreamPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		grant := middleware.GetGrant(r.Context())
		if grant == nil {
			s.writeEnvelope(w, http.StatusInternalServerError, model.MsgInternalError, nil)
			return
		}
		s.dispatcher.Forward(w, r, grant.UpstreamKey, upstreamPath)
	}
}

// forwardParam relays to an upstream path built from one route parameter.
func (s *Server) forwardParam(prefix, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		grant := middleware.GetGrant(r.Context())
		if grant == nil {
			s.writeEnvelope(w, http.StatusInternalServerError, model.MsgInternalError, nil)
			return
		}
		s.dispatcher.Forward(w, r, grant.UpstreamKey, prefix+chi.URLParam(r, param))
	}
}

// handleHealthz is a liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz reports readiness: the token store must be reachable.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness probe failed", "error", err)
		s.writeEnvelope(w, http.StatusServiceUnavailable, "token store unreachable", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.spec)
}

func (s *Server) writeEnvelope(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.Envelope{Status: status, Message: message, Data: data})
}

// ListenAndServe starts the plaintext listener and, when TLS is configured,
// the TLS listener. Both must come up or the call fails; it then blocks
// until SIGINT/SIGTERM and drains in-flight requests.
func (s *Server) ListenAndServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("listen %s: %w", addr, err)
		}
	}()

	if s.cfg.TLSEnabled {
		tlsAddr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.TLSPort)
		s.tlsServer = &http.Server{
			Addr:         tlsAddr,
			Handler:      s.router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			s.logger.Info("tls server starting", "addr", tlsAddr)
			err := s.tlsServer.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
			if err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("tls listen %s: %w", tlsAddr, err)
			}
		}()
	}

	select {
	case err := <-errCh:
		// One listener failing takes the whole process down.
		s.shutdown()
		return err
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections")
	}

	return s.shutdown()
}

func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	if s.tlsServer != nil {
		if err := s.tlsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("tls server shutdown: %w", err))
		}
	}
	if len(errs) == 0 {
		s.logger.Info("server stopped")
	}
	return errors.Join(errs...)
}

// Router returns the underlying chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
