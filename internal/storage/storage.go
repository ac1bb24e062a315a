// Package storage defines the persistence contracts for the Foresta world.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/danshapiro/foresta/internal/world"
)

var (
	// ErrNotFound indicates a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a uniqueness guard rejected the write.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrConflict indicates a conditional update matched no row in the expected state.
	ErrConflict = errors.New("record state conflict")
)

// WorldStore persists the singleton world clock.
type WorldStore interface {
	GetWorld(ctx context.Context) (world.World, error)
	SetPaused(ctx context.Context, paused bool) error
	// AdvanceDay moves the clock from day to day+1. It returns ErrConflict when
	// the stored day is no longer day.
	AdvanceDay(ctx context.Context, day int, at time.Time) error
}

// CharacterStore persists inhabitants.
type CharacterStore interface {
	CreateCharacter(ctx context.Context, c world.Character) error
	GetCharacter(ctx context.Context, id string) (world.Character, error)
	GetCharacterByName(ctx context.Context, name string) (world.Character, error)
	ListLivingCharacters(ctx context.Context) ([]world.Character, error)
	// SaveOutcome persists the fields a day's outcome touches: location, last
	// action, history, age and alive.
	SaveOutcome(ctx context.Context, c world.Character) error
	UpdateDestiny(ctx context.Context, id string, d *world.Destiny) error
	UpdateRelationships(ctx context.Context, id string, rels []world.Relationship) error
	SetConversation(ctx context.Context, id string, engaged bool, at time.Time) error
	// ClearStaleConversations drops engaged flags set before cutoff and returns
	// the affected character ids.
	ClearStaleConversations(ctx context.Context, cutoff time.Time) ([]string, error)
	KillCharacter(ctx context.Context, id string) error
}

// LocationStore persists territories.
type LocationStore interface {
	PutLocation(ctx context.Context, loc world.Location) error
	GetLocation(ctx context.Context, name string) (world.Location, error)
	ListLocations(ctx context.Context) ([]world.Location, error)
}

// EventStore persists world events. The day cycle only reads them.
type EventStore interface {
	CreateEvent(ctx context.Context, ev world.Event) error
	ListActiveEvents(ctx context.Context) ([]world.Event, error)
}

// JournalStore persists one entry per simulated day.
type JournalStore interface {
	JournalExists(ctx context.Context, day int) (bool, error)
	// AppendJournal returns ErrAlreadyExists when the day is already logged.
	AppendJournal(ctx context.Context, entry world.JournalEntry) error
	GetJournal(ctx context.Context, day int) (world.JournalEntry, error)
	ListJournal(ctx context.Context, limit int) ([]world.JournalEntry, error)
}

// LockStore persists cycle locks.
type LockStore interface {
	// InsertLock returns ErrAlreadyExists when a running lock already exists for the day.
	InsertLock(ctx context.Context, lock world.CycleLock) error
	GetRunningLock(ctx context.Context, day int) (world.CycleLock, error)
	GetLock(ctx context.Context, id string) (world.CycleLock, error)
	// TransitionLock moves a lock out of from into to. It returns ErrConflict
	// when the lock is not in state from.
	TransitionLock(ctx context.Context, id string, from, to world.LockState, at time.Time) error
	// AddProcessed records characterID on the lock. Repeated calls are no-ops.
	AddProcessed(ctx context.Context, id, characterID string) error
}

// Store is the full persistence surface used by the day cycle.
type Store interface {
	WorldStore
	CharacterStore
	LocationStore
	EventStore
	JournalStore
	LockStore
}
