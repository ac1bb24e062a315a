package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danshapiro/foresta/internal/storage"
	"github.com/danshapiro/foresta/internal/world"
)

// InsertLock creates a lock. The partial unique index on running locks per
// day turns a concurrent second insert into ErrAlreadyExists.
func (s *Store) InsertLock(ctx context.Context, lock world.CycleLock) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(lock.ID) == "" {
		return fmt.Errorf("lock id is required")
	}
	state := lock.State
	if state == "" {
		state = world.LockRunning
	}
	started := lock.StartedAt
	if started.IsZero() {
		started = s.now()
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO cycle_locks (id, day, state, started_at, completed_at) VALUES (?, ?, ?, ?, ?)`,
		lock.ID, lock.Day, string(state), toMillis(started), nullMillis(lock.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert lock: %w", err)
	}
	return nil
}

// GetRunningLock returns the running lock for day.
func (s *Store) GetRunningLock(ctx context.Context, day int) (world.CycleLock, error) {
	if err := s.ready(ctx); err != nil {
		return world.CycleLock{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, day, state, started_at, completed_at FROM cycle_locks
		 WHERE day = ? AND state = 'running'`, day)
	return s.loadLock(ctx, row)
}

// GetLock returns one lock by id.
func (s *Store) GetLock(ctx context.Context, id string) (world.CycleLock, error) {
	if err := s.ready(ctx); err != nil {
		return world.CycleLock{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, day, state, started_at, completed_at FROM cycle_locks WHERE id = ?`, id)
	return s.loadLock(ctx, row)
}

func (s *Store) loadLock(ctx context.Context, row rowScanner) (world.CycleLock, error) {
	var (
		lock      world.CycleLock
		state     string
		started   int64
		completed sql.NullInt64
	)
	err := row.Scan(&lock.ID, &lock.Day, &state, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return world.CycleLock{}, storage.ErrNotFound
	}
	if err != nil {
		return world.CycleLock{}, fmt.Errorf("get lock: %w", err)
	}
	parsed, err := world.ParseLockState(state)
	if err != nil {
		return world.CycleLock{}, err
	}
	lock.State = parsed
	lock.StartedAt = fromMillis(started)
	lock.CompletedAt = timePtr(completed)

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT character_id FROM cycle_lock_processed WHERE lock_id = ? ORDER BY seq`, lock.ID)
	if err != nil {
		return world.CycleLock{}, fmt.Errorf("list processed: %w", err)
	}
	defer rows.Close()
	lock.Processed = []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return world.CycleLock{}, fmt.Errorf("scan processed: %w", err)
		}
		lock.Processed = append(lock.Processed, id)
	}
	if err := rows.Err(); err != nil {
		return world.CycleLock{}, fmt.Errorf("iterate processed: %w", err)
	}
	return lock, nil
}

// TransitionLock moves a lock from one state to another.
func (s *Store) TransitionLock(ctx context.Context, id string, from, to world.LockState, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	completed := sql.NullInt64{}
	if to.Terminal() {
		completed = sql.NullInt64{Int64: toMillis(at), Valid: true}
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE cycle_locks SET state = ?, completed_at = ? WHERE id = ? AND state = ?`,
		string(to), completed, id, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition lock: %w", err)
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM cycle_locks WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("transition lock: %w", err)
	}
	return storage.ErrConflict
}

// AddProcessed appends characterID to the lock's processed set.
func (s *Store) AddProcessed(ctx context.Context, id, characterID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(characterID) == "" {
		return fmt.Errorf("character id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO cycle_lock_processed (lock_id, character_id, seq)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM cycle_lock_processed WHERE lock_id = ?))`,
		id, characterID, id,
	)
	if err != nil {
		return fmt.Errorf("add processed: %w", err)
	}
	return nil
}

// JournalExists reports whether day already has a journal entry.
func (s *Store) JournalExists(ctx context.Context, day int) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	var one int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM journal WHERE day = ?`, day).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("journal exists: %w", err)
	}
	return true, nil
}

// AppendJournal inserts the entry for a day.
func (s *Store) AppendJournal(ctx context.Context, entry world.JournalEntry) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(entry.ID) == "" {
		return fmt.Errorf("journal id is required")
	}
	details := entry.Details
	if details.Actions == nil {
		details.Actions = []world.ActionSummary{}
	}
	detailsJSON, err := marshalJSON(details)
	if err != nil {
		return fmt.Errorf("encode journal details: %w", err)
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO journal (id, day, summary, degraded, details_json, digest, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Day, entry.Summary, boolInt(entry.Degraded), detailsJSON, entry.Digest, toMillis(created),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

// GetJournal returns the entry for day.
func (s *Store) GetJournal(ctx context.Context, day int) (world.JournalEntry, error) {
	if err := s.ready(ctx); err != nil {
		return world.JournalEntry{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, day, summary, degraded, details_json, digest, created_at FROM journal WHERE day = ?`, day)
	entry, err := scanJournal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return world.JournalEntry{}, storage.ErrNotFound
	}
	if err != nil {
		return world.JournalEntry{}, fmt.Errorf("get journal: %w", err)
	}
	return entry, nil
}

// ListJournal returns the most recent entries, newest first.
func (s *Store) ListJournal(ctx context.Context, limit int) ([]world.JournalEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, day, summary, degraded, details_json, digest, created_at
		 FROM journal ORDER BY day DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	defer rows.Close()

	var out []world.JournalEntry
	for rows.Next() {
		entry, err := scanJournal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return out, nil
}

func scanJournal(row rowScanner) (world.JournalEntry, error) {
	var (
		entry       world.JournalEntry
		degraded    int
		detailsJSON string
		created     int64
	)
	if err := row.Scan(&entry.ID, &entry.Day, &entry.Summary, &degraded, &detailsJSON, &entry.Digest, &created); err != nil {
		return world.JournalEntry{}, err
	}
	if err := unmarshalJSON(detailsJSON, &entry.Details); err != nil {
		return world.JournalEntry{}, fmt.Errorf("decode journal details: %w", err)
	}
	entry.Degraded = degraded != 0
	entry.CreatedAt = fromMillis(created)
	return entry, nil
}
