package feed

import (
	"fmt"
	"sync"

	"chart-feed/src/interfaces"
	"chart-feed/src/logger"
	"chart-feed/src/models"
)

// -----------------------------------------------------------------------------
// Manager
//
// Owns one Session per (moderator, entity, market) triple. All sessions
// share the collaborators injected here: one history client, one stream
// registry, one bar store.
// -----------------------------------------------------------------------------

type Manager struct {
	Config   *models.MConfig
	Logger   *logger.Logger
	History  interfaces.IHistorySource
	Registry interfaces.IStreamRegistry
	Store    interfaces.IBarStore

	mu       sync.Mutex
	sessions map[string]*Session
}

// -----------------------------------------------------------------------------

func NewManager(
	cfg *models.MConfig,
	history interfaces.IHistorySource,
	registry interfaces.IStreamRegistry,
	store interfaces.IBarStore,
	log *logger.Logger,
) *Manager {
	return &Manager{
		Config:   cfg,
		Logger:   log,
		History:  history,
		Registry: registry,
		Store:    store,
		sessions: make(map[string]*Session),
	}
}

// -----------------------------------------------------------------------------

func sessionKey(moderatorID string, key models.MMarketKey) string {
	return fmt.Sprintf("%s/%s/%d", moderatorID, key.EntityID, key.Market)
}

// -----------------------------------------------------------------------------

// Session returns the session for the triple, creating it on first use.
func (m *Manager) Session(moderatorID string, key models.MMarketKey) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	sk := sessionKey(moderatorID, key)
	if s, ok := m.sessions[sk]; ok {
		return s
	}

	s := NewSession(m.Config, moderatorID, key, m.History, m.Registry, m.Store, m.Logger)
	m.sessions[sk] = s
	m.Logger.Debug("Opened feed session %s", sk)
	return s
}

// -----------------------------------------------------------------------------

// Release drops a session that no longer has subscribers. Sessions with
// active registrations are kept.
func (m *Manager) Release(moderatorID string, key models.MMarketKey) {
	m.mu.Lock()
	sk := sessionKey(moderatorID, key)
	s, ok := m.sessions[sk]
	if ok && s.SubscriberCount() == 0 {
		delete(m.sessions, sk)
	} else {
		s = nil
	}
	m.mu.Unlock()

	if s != nil {
		s.Close()
		m.Logger.Debug("Released feed session %s", sk)
	}
}

// -----------------------------------------------------------------------------

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// -----------------------------------------------------------------------------

// CloseAll tears down every session; used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	m.Logger.Info("Closed %d feed sessions", len(sessions))
}
