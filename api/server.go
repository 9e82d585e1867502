// Package api binds the admin HTTP surface and the inbound websocket
// endpoint, and owns the process lifecycle of the multiplexer: store,
// message pool, intake, relay manager and the per-client routers.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/asmogo/nostrmux/config"
	"github.com/asmogo/nostrmux/pool"
	"github.com/asmogo/nostrmux/relay"
	"github.com/asmogo/nostrmux/router"
	"github.com/asmogo/nostrmux/store"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Server wires every subsystem together and serves the HTTP surface.
type Server struct {
	cfg     *config.MuxConfig
	store   *store.Store
	pool    *pool.MessagePool
	intake  *router.Intake
	manager *relay.Manager

	upgrader   websocket.Upgrader
	httpServer *http.Server

	baseCtx context.Context

	routersMu sync.Mutex
	routers   []*router.Router
}

// NewServer opens the store and builds the multiplexer core. An
// unavailable store is fatal.
func NewServer(cfg *config.MuxConfig) (*Server, error) {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("store unavailable: %w", err)
	}
	messagePool := pool.NewMessagePool(
		pool.WithSignatureVerification(cfg.VerifyEventSignatures),
	)
	return &Server{
		cfg:    cfg,
		store:  st,
		pool:   messagePool,
		intake: router.NewIntake(),
		manager: relay.NewManager(
			messagePool,
			relay.WithUpstreamTLSVerification(cfg.VerifyRelayTLS),
		),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Manager exposes the relay manager, mainly for tests.
func (s *Server) Manager() *relay.Manager {
	return s.manager
}

// Start launches the pool forwarder and the restart supervisor, and
// connects the persisted relays. It does not serve HTTP.
func (s *Server) Start(ctx context.Context) {
	s.baseCtx = ctx
	go s.pool.Forward(ctx, s.intake)
	go s.manager.Supervise(ctx)
	s.connectPersistedRelays(ctx)
}

// Handler returns the HTTP surface of the server.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// ListenAndServe starts the multiplexer core and serves HTTP until the
// context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.Start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		<-ctx.Done()
		s.stop()
	}()
	slog.Info("listening", "address", s.cfg.ListenAddress)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func (s *Server) connectPersistedRelays(ctx context.Context) {
	relays, err := s.store.LoadRelays()
	if err != nil {
		slog.Error("could not load persisted relays", "error", err)
		return
	}
	for _, persisted := range relays {
		if !persisted.Active {
			continue
		}
		if _, err := s.manager.AddRelay(ctx, persisted.URL); err != nil {
			// stays registered; the supervisor keeps retrying
			slog.Warn("could not connect persisted relay", "relay", persisted.URL, "error", err)
		}
	}
}

func (s *Server) routes() http.Handler {
	mux := chi.NewRouter()
	mux.Get("/metrics", promhttp.Handler().ServeHTTP)
	mux.Route("/api/v1", func(r chi.Router) {
		r.Group(func(admin chi.Router) {
			admin.Use(s.requireAdminKey)
			admin.Get("/relays", s.handleListRelays)
			admin.Post("/relay", s.handleAddRelay)
			admin.Delete("/relay", s.handleDeleteRelay)
			admin.Put("/relay/test", s.handleTestMessage)
			admin.Get("/config", s.handleGetConfig)
			admin.Put("/config", s.handlePutConfig)
		})
		r.Get("/relay", s.handleWebsocket)
		r.Get("/{ws_id}", s.handleWebsocket)
	})
	return mux
}

// requireAdminKey gates the admin routes on the configured key.
func (s *Server) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminKey == "" || r.Header.Get("X-Api-Key") != s.cfg.AdminKey {
			writeError(w, http.StatusUnauthorized, "invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) trackRouter(clientRouter *router.Router) {
	s.routersMu.Lock()
	defer s.routersMu.Unlock()
	live := s.routers[:0]
	for _, existing := range s.routers {
		if existing.Connected() {
			live = append(live, existing)
		}
	}
	s.routers = append(live, clientRouter)
}

func (s *Server) stop() {
	s.routersMu.Lock()
	routers := s.routers
	s.routers = nil
	s.routersMu.Unlock()
	for _, clientRouter := range routers {
		clientRouter.Stop()
	}
	s.manager.CloseAllSubscriptions()
	s.manager.RemoveRelays()
	if err := s.store.Close(); err != nil {
		slog.Warn("could not close store", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
}
