// Package cyclelock guarantees that at most one process runs a given day.
//
// A lock is created by a conditional insert guarded by a unique index over
// running locks per day. A running lock older than the stale threshold is
// forced to failed so a crashed cycle cannot block its day forever.
package cyclelock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/foresta/internal/clock"
	"github.com/danshapiro/foresta/internal/retry"
	"github.com/danshapiro/foresta/internal/storage"
	"github.com/danshapiro/foresta/internal/world"
)

// DefaultStaleAfter is how long a running lock is honored.
const DefaultStaleAfter = 30 * time.Minute

// Options configures a Manager. Zero values select defaults.
type Options struct {
	Clock      clock.Clock
	StaleAfter time.Duration
	Retry      *retry.Policy
	Logger     *log.Logger
	NewID      func() string
	// Sleep replaces the wait between retried writes.
	Sleep func(context.Context, time.Duration) error
}

// Manager acquires and releases cycle locks.
type Manager struct {
	store      storage.LockStore
	clock      clock.Clock
	staleAfter time.Duration
	policy     retry.Policy
	logger     *log.Logger
	newID      func() string
	sleep      func(context.Context, time.Duration) error
}

// New returns a Manager backed by store.
func New(store storage.LockStore, opts Options) *Manager {
	m := &Manager{
		store:      store,
		clock:      clock.OrReal(opts.Clock),
		staleAfter: opts.StaleAfter,
		policy:     retry.StorageWrites(),
		logger:     opts.Logger,
		newID:      opts.NewID,
		sleep:      opts.Sleep,
	}
	if m.staleAfter <= 0 {
		m.staleAfter = DefaultStaleAfter
	}
	if opts.Retry != nil {
		m.policy = *opts.Retry
	}
	if m.logger == nil {
		m.logger = log.New(io.Discard, "", 0)
	}
	if m.newID == nil {
		m.newID = func() string { return ulid.Make().String() }
	}
	return m
}

// Acquire returns a new running lock for day, or nil when another live lock
// holds the day or a concurrent caller won the insert race.
func (m *Manager) Acquire(ctx context.Context, day int) (*world.CycleLock, error) {
	existing, err := m.store.GetRunningLock(ctx, day)
	switch {
	case err == nil:
		age := m.clock.Now().Sub(existing.StartedAt)
		if age <= m.staleAfter {
			return nil, nil
		}
		m.logger.Printf("day %d: lock %s stale after %s, forcing failed", day, existing.ID, age.Round(time.Second))
		if err := m.Release(ctx, existing.ID, world.LockFailed); err != nil {
			return nil, fmt.Errorf("release stale lock %s: %w", existing.ID, err)
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, fmt.Errorf("read running lock: %w", err)
	}

	lock := world.CycleLock{
		ID:        m.newID(),
		Day:       day,
		State:     world.LockRunning,
		StartedAt: m.clock.Now(),
		Processed: []string{},
	}
	if err := m.store.InsertLock(ctx, lock); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			m.logger.Printf("day %d: lost lock race", day)
			return nil, nil
		}
		return nil, fmt.Errorf("insert lock: %w", err)
	}
	return &lock, nil
}

// Release moves a running lock to complete or failed. Releasing a lock that
// already holds the requested state is a no-op.
func (m *Manager) Release(ctx context.Context, lockID string, state world.LockState) error {
	if !state.Terminal() {
		return fmt.Errorf("release state must be complete or failed, got %q", state)
	}
	return m.withRetry(ctx, "release "+lockID, func(ctx context.Context) error {
		err := m.store.TransitionLock(ctx, lockID, world.LockRunning, state, m.clock.Now())
		switch {
		case err == nil:
			return nil
		case errors.Is(err, storage.ErrNotFound):
			return retry.Permanent(err)
		case errors.Is(err, storage.ErrConflict):
			current, gerr := m.store.GetLock(ctx, lockID)
			if gerr == nil && current.State == state {
				return nil
			}
			return retry.Permanent(fmt.Errorf("lock %s is not running: %w", lockID, err))
		default:
			return err
		}
	})
}

// MarkProcessed records that characterID was handled under the lock.
func (m *Manager) MarkProcessed(ctx context.Context, lockID, characterID string) error {
	return m.withRetry(ctx, "mark "+characterID, func(ctx context.Context) error {
		return m.store.AddProcessed(ctx, lockID, characterID)
	})
}

// IsProcessed reports whether characterID was already handled under the lock.
func (m *Manager) IsProcessed(ctx context.Context, lockID, characterID string) (bool, error) {
	lock, err := m.store.GetLock(ctx, lockID)
	if err != nil {
		return false, fmt.Errorf("read lock %s: %w", lockID, err)
	}
	return lock.HasProcessed(characterID), nil
}

func (m *Manager) withRetry(ctx context.Context, what string, fn func(context.Context) error) error {
	opts := []retry.Option{
		retry.WithSeed(what),
		retry.OnRetry(func(attempt int, err error, delay time.Duration) {
			m.logger.Printf("%s: attempt %d/%d failed: %v (retry in %s)", what, attempt, m.policy.Normalize().MaxAttempts, err, delay)
		}),
	}
	if m.sleep != nil {
		opts = append(opts, retry.WithSleep(m.sleep))
	}
	err := retry.Do(ctx, m.policy, fn, opts...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}
