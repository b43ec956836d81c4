package engine

import (
	"context"
	"sync"
	"time"

	"github.com/stillpoint/progression/internal/domain/progression"
	"github.com/stillpoint/progression/internal/domain/shared"
	"github.com/stillpoint/progression/pkg/logger"
)

// Manager owns one Engine per user id. It is the explicit service instance the
// composition root constructs and hands to callers.
type Manager struct {
	cfg      Config
	identity IdentityProvider
	log      *logger.Logger

	mu       sync.Mutex
	engines  map[shared.UserID]*Engine
	lastUsed map[shared.UserID]time.Time
	current  shared.UserID
}

// NewManager creates a manager. identity may be nil, in which case Current
// always returns the default profile.
func NewManager(cfg Config, identity IdentityProvider) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	return &Manager{
		cfg:      cfg,
		identity: identity,
		log:      cfg.Logger.With(logger.Component("engine_manager")),
		engines:  make(map[shared.UserID]*Engine),
		lastUsed: make(map[shared.UserID]time.Time),
	}, nil
}

// ForUser returns the engine for userID, loading its profile on first use.
// An empty id selects the default profile; a malformed id is rejected.
func (m *Manager) ForUser(ctx context.Context, userID string) (*Engine, error) {
	uid, err := shared.NewUserID(userID)
	if err != nil {
		return nil, err
	}
	e := m.engine(uid)
	e.ensureLoaded(ctx)
	return e, nil
}

// Current returns the engine for the identity provider's current user. When
// the identity differs from the previous call, the new user's profile is
// re-read from the store.
func (m *Manager) Current(ctx context.Context) *Engine {
	uid := resolveUserID(ctx, m.identity)
	if !uid.IsValid() {
		m.log.Warn("identity provider returned an invalid user id, using default", logger.UserID(uid.String()))
		uid = shared.DefaultUserID
	}

	m.mu.Lock()
	changed := m.current != uid
	m.current = uid
	m.mu.Unlock()

	e := m.engine(uid)
	if changed {
		m.log.Debug("identity changed", logger.UserID(uid.String()))
		e.Reload(ctx)
	} else {
		e.ensureLoaded(ctx)
	}
	return e
}

// Evict drops a cached engine. The next access reloads from the store.
func (m *Manager) Evict(userID shared.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uid := userID.OrDefault()
	delete(m.engines, uid)
	delete(m.lastUsed, uid)
}

// EvictIdle drops engines not used for longer than idle, except the current
// identity's. It returns the number evicted.
func (m *Manager) EvictIdle(idle time.Duration) int {
	cutoff := m.cfg.Clock.Now().Add(-idle)

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for uid, used := range m.lastUsed {
		if uid == m.current || !used.Before(cutoff) {
			continue
		}
		delete(m.engines, uid)
		delete(m.lastUsed, uid)
		evicted++
	}
	return evicted
}

// Len returns the number of cached engines.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.engines)
}

// Catalog returns the catalog engines are built with.
func (m *Manager) Catalog() *progression.Catalog {
	return m.cfg.Catalog
}

func (m *Manager) engine(uid shared.UserID) *Engine {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.engines[uid]
	if !ok {
		e = newEngine(uid, m.cfg)
		m.engines[uid] = e
	}
	m.lastUsed[uid] = m.cfg.Clock.Now()
	return e
}
