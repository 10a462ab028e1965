// Package api provides the HTTP and WebSocket surface for TripPulse.
//
// It exposes the per-trip WebSocket room plus RESTful endpoints for
// snapshots, response rates, the decision log, itinerary management, and
// host decisions. Identity arrives from an upstream auth layer as headers or
// query parameters; TripPulse never validates credentials itself.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wayfarelabs/TripPulse/internal/broadcast"
	"github.com/wayfarelabs/TripPulse/internal/genai"
	"github.com/wayfarelabs/TripPulse/internal/pivot"
	"github.com/wayfarelabs/TripPulse/internal/room"
	"github.com/wayfarelabs/TripPulse/internal/scheduler"
	"github.com/wayfarelabs/TripPulse/internal/store"
)

// DefaultAddr is the default API listen address.
const DefaultAddr = ":8080"

// Opts holds server configuration applied via Option.
type Opts struct {
	Addr string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires the room registry, dispatcher, engine manager, and store
// behind the HTTP surface.
type Server struct {
	addr       string
	st         store.Store
	registry   *room.Registry
	dispatcher *broadcast.Dispatcher
	manager    *pivot.Manager
	sched      *scheduler.Scheduler
}

// NewServer assembles a server from already-constructed modules.
func NewServer(st store.Store, registry *room.Registry, dispatcher *broadcast.Dispatcher, manager *pivot.Manager, sched *scheduler.Scheduler, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		addr:       cfg.Addr,
		st:         st,
		registry:   registry,
		dispatcher: dispatcher,
		manager:    manager,
		sched:      sched,
	}
}

// Handler returns the route table. Split out so tests can drive the server
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{tripID}", s.wsHandler)
	mux.HandleFunc("GET /api/trips/{tripID}/snapshot", s.snapshotHandler)
	mux.HandleFunc("GET /api/trips/{tripID}/response-rate", s.responseRateHandler)
	mux.HandleFunc("GET /api/trips/{tripID}/decisions", s.decisionsHandler)
	mux.HandleFunc("GET /api/trips/{tripID}/members", s.membersHandler)
	mux.HandleFunc("GET /api/trips/{tripID}/activities", s.listActivitiesHandler)
	mux.HandleFunc("POST /api/trips/{tripID}/activities", s.createActivityHandler)
	mux.HandleFunc("POST /api/trips/{tripID}/activities/{activityID}/start", s.startActivityHandler)
	mux.HandleFunc("POST /api/trips/{tripID}/activities/{activityID}/schedule", s.scheduleActivityHandler)
	mux.HandleFunc("POST /api/trips/{tripID}/decision", s.decisionHandler)
	mux.HandleFunc("POST /api/trips/{tripID}/consensus", s.consensusHandler)
	mux.HandleFunc("POST /api/trips/{tripID}/replay", s.replayHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	return mux
}

// Serve runs the HTTP server until the context is cancelled, then drains
// connections and stops the engines and dispatcher.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Serve: TripPulse API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Serve: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Serve: shutdown failed", "error", err)
	}
	s.manager.StopAll()
	s.dispatcher.Stop()
	if s.sched != nil {
		s.sched.Stop()
	}
	err := <-errCh
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run constructs every module from options and serves until SIGINT/SIGTERM.
func Run(storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	st, err := buildStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	var provider genai.ClientInterface
	if client, err := genai.NewClient(genaiOpts...); err != nil {
		slog.Warn("Run: recommendation provider disabled", "error", err)
	} else {
		provider = client
	}

	registry := room.NewRegistry()
	dispatcher := broadcast.NewDispatcher(registry)
	manager, err := pivot.NewManager(
		pivot.WithStore(st),
		pivot.WithProvider(provider),
		pivot.WithDispatcher(dispatcher),
		pivot.WithMemberCounter(registry.Connected),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize trip engines: %w", err)
	}
	sched := scheduler.NewScheduler()

	server := NewServer(st, registry, dispatcher, manager, sched, apiOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Serve(ctx)
}

// buildStore picks a backend from the configured DSN: Postgres or SQLite
// when set, in-memory otherwise.
func buildStore(opts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Info("buildStore: no DSN configured, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	switch store.DetectDSNType(cfg.DSN) {
	case "postgres":
		return store.NewPostgresStore(opts...)
	default:
		return store.NewSQLiteStore(opts...)
	}
}
