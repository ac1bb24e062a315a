// Package session tracks conversation sessions held with characters. A
// character in an open session is flagged conversation-engaged and skipped
// by the day cycle; sessions expire after a TTL.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danshapiro/foresta/internal/clock"
)

// DefaultTTL is how long an idle conversation keeps its character engaged.
const DefaultTTL = 30 * time.Minute

// ErrNotFound means no live session exists for the character.
var ErrNotFound = errors.New("session not found")

type Session struct {
	CharacterID string    `json:"character_id"`
	ChatID      string    `json:"chat_id"`
	StartedAt   time.Time `json:"started_at"`
	LastActive  time.Time `json:"last_active"`
}

// Store keeps sessions with time-to-live eviction.
type Store interface {
	Get(ctx context.Context, characterID string) (Session, error)
	// Put stores s for ttl, replacing any previous session.
	Put(ctx context.Context, s Session, ttl time.Duration) error
	// Expire drops the session. Missing sessions are not an error.
	Expire(ctx context.Context, characterID string) error
}

type memoryEntry struct {
	session   Session
	expiresAt time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{clock: clock.OrReal(clk), entries: map[string]memoryEntry{}}
}

func (m *MemoryStore) Get(_ context.Context, characterID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[characterID]
	if !ok {
		return Session{}, ErrNotFound
	}
	if !m.clock.Now().Before(e.expiresAt) {
		delete(m.entries, characterID)
		return Session{}, ErrNotFound
	}
	return e.session, nil
}

func (m *MemoryStore) Put(_ context.Context, s Session, ttl time.Duration) error {
	if s.CharacterID == "" {
		return errors.New("session: character id is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[s.CharacterID] = memoryEntry{session: s, expiresAt: m.clock.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Expire(_ context.Context, characterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, characterID)
	return nil
}
