// Package pivot owns the per-trip decision engine.
//
// Each trip runs a single engine goroutine that serializes feedback
// aggregation, threshold evaluation, and activity lifecycle transitions, so
// no locking is needed across those concerns. Recommendation provider calls
// are the one slow operation and run outside the loop; their results re-enter
// as commands and are discarded when a host decision got there first.
package pivot

import (
	"fmt"
	"sync"

	"github.com/wayfarelabs/TripPulse/internal/broadcast"
	"github.com/wayfarelabs/TripPulse/internal/genai"
	"github.com/wayfarelabs/TripPulse/internal/models"
	"github.com/wayfarelabs/TripPulse/internal/recovery"
	"github.com/wayfarelabs/TripPulse/internal/store"
	"github.com/wayfarelabs/TripPulse/internal/threshold"
)

// MemberCounter reports how many participants are currently in a trip's room.
// Used as the denominator for response rates.
type MemberCounter func(tripID string) int

// Opts holds manager configuration applied via Option.
type Opts struct {
	Store       store.Store
	Provider    genai.ClientInterface
	Dispatcher  *broadcast.Dispatcher
	Members     MemberCounter
	BaseProfile models.ThresholdProfile
}

// Option configures the manager.
type Option func(*Opts)

// WithStore sets the persistence backend.
func WithStore(s store.Store) Option {
	return func(o *Opts) { o.Store = s }
}

// WithProvider sets the recommendation provider. A nil provider is allowed;
// pivots then always use the local fallback heuristic.
func WithProvider(p genai.ClientInterface) Option {
	return func(o *Opts) { o.Provider = p }
}

// WithDispatcher sets the event dispatcher.
func WithDispatcher(d *broadcast.Dispatcher) Option {
	return func(o *Opts) { o.Dispatcher = d }
}

// WithMemberCounter sets the room membership source.
func WithMemberCounter(m MemberCounter) Option {
	return func(o *Opts) { o.Members = m }
}

// WithBaseProfile overrides the default threshold profile.
func WithBaseProfile(p models.ThresholdProfile) Option {
	return func(o *Opts) { o.BaseProfile = p }
}

// Manager hands out one engine per trip, recovering trip state from the
// store on first access. Safe for concurrent use.
type Manager struct {
	store       store.Store
	provider    genai.ClientInterface
	dispatcher  *broadcast.Dispatcher
	members     MemberCounter
	baseProfile models.ThresholdProfile

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewManager creates an engine manager.
func NewManager(opts ...Option) (*Manager, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("pivot manager requires a store")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("pivot manager requires a dispatcher")
	}
	if cfg.Members == nil {
		cfg.Members = func(string) int { return 0 }
	}
	// Normalize the profile once so context adjustments always see full
	// bounds and weights.
	base := threshold.NewMonitor(cfg.BaseProfile).Profile()
	return &Manager{
		store:       cfg.Store,
		provider:    cfg.Provider,
		dispatcher:  cfg.Dispatcher,
		members:     cfg.Members,
		baseProfile: base,
		engines:     make(map[string]*Engine),
	}, nil
}

// Engine returns the trip's engine, creating and recovering it on first use.
func (m *Manager) Engine(tripID string) (*Engine, error) {
	m.mu.Lock()
	if e, ok := m.engines[tripID]; ok {
		m.mu.Unlock()
		return e, nil
	}
	m.mu.Unlock()

	state, err := recovery.Load(m.store, tripID)
	if err != nil {
		return nil, fmt.Errorf("%w: recover trip %s: %v", models.ErrStoreUnavailable, tripID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.engines[tripID]; ok {
		return e, nil
	}
	e := newEngine(m, tripID, state)
	m.engines[tripID] = e
	return e, nil
}

// StopAll shuts down every trip engine.
func (m *Manager) StopAll() {
	m.mu.Lock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.engines = make(map[string]*Engine)
	m.mu.Unlock()
	for _, e := range engines {
		e.Stop()
	}
}
