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

// GetWorld returns the world clock.
func (s *Store) GetWorld(ctx context.Context) (world.World, error) {
	if err := s.ready(ctx); err != nil {
		return world.World{}, err
	}
	var (
		w      world.World
		paused int
		lastAt sql.NullInt64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT day, paused, last_cycle_at FROM world WHERE id = 1`,
	).Scan(&w.Day, &paused, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return world.World{}, storage.ErrNotFound
	}
	if err != nil {
		return world.World{}, fmt.Errorf("get world: %w", err)
	}
	w.Paused = paused != 0
	w.LastCycleAt = timePtr(lastAt)
	return w, nil
}

// SetPaused toggles the world pause flag.
func (s *Store) SetPaused(ctx context.Context, paused bool) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE world SET paused = ? WHERE id = 1`, boolInt(paused))
	if err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	return requireAffected(res, storage.ErrNotFound)
}

// AdvanceDay increments the day only when it still equals day.
func (s *Store) AdvanceDay(ctx context.Context, day int, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE world SET day = day + 1, last_cycle_at = ? WHERE id = 1 AND day = ?`,
		toMillis(at), day,
	)
	if err != nil {
		return fmt.Errorf("advance day: %w", err)
	}
	return requireAffected(res, storage.ErrConflict)
}

// PutLocation inserts or replaces a location.
func (s *Store) PutLocation(ctx context.Context, loc world.Location) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	name := strings.TrimSpace(loc.Name)
	if name == "" {
		return fmt.Errorf("location name is required")
	}
	conns := loc.Connections
	if conns == nil {
		conns = []string{}
	}
	connsJSON, err := marshalJSON(conns)
	if err != nil {
		return fmt.Errorf("encode connections: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO locations (name, description, connections_json, state)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   description = excluded.description,
		   connections_json = excluded.connections_json,
		   state = excluded.state`,
		name, loc.Description, connsJSON, loc.State,
	)
	if err != nil {
		return fmt.Errorf("put location: %w", err)
	}
	return nil
}

// GetLocation returns one location by name.
func (s *Store) GetLocation(ctx context.Context, name string) (world.Location, error) {
	if err := s.ready(ctx); err != nil {
		return world.Location{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT name, description, connections_json, state FROM locations WHERE name = ?`,
		strings.TrimSpace(name),
	)
	loc, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return world.Location{}, storage.ErrNotFound
	}
	if err != nil {
		return world.Location{}, fmt.Errorf("get location: %w", err)
	}
	return loc, nil
}

// ListLocations returns every location ordered by name.
func (s *Store) ListLocations(ctx context.Context) ([]world.Location, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT name, description, connections_json, state FROM locations ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	defer rows.Close()

	var out []world.Location
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		out = append(out, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locations: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLocation(row rowScanner) (world.Location, error) {
	var (
		loc       world.Location
		connsJSON string
	)
	if err := row.Scan(&loc.Name, &loc.Description, &connsJSON, &loc.State); err != nil {
		return world.Location{}, err
	}
	if err := unmarshalJSON(connsJSON, &loc.Connections); err != nil {
		return world.Location{}, fmt.Errorf("decode connections: %w", err)
	}
	return loc, nil
}

// CreateEvent inserts a world event.
func (s *Store) CreateEvent(ctx context.Context, ev world.Event) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(ev.ID) == "" {
		return fmt.Errorf("event id is required")
	}
	affected := ev.AffectedLocations
	if affected == nil {
		affected = []string{}
	}
	affectedJSON, err := marshalJSON(affected)
	if err != nil {
		return fmt.Errorf("encode affected locations: %w", err)
	}
	created := ev.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO events (id, kind, description, affected_json, active, progress, start_day, end_day, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Kind, ev.Description, affectedJSON, boolInt(ev.Active), ev.Progress,
		ev.StartDay, nullInt(ev.EndDay), toMillis(created),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

// ListActiveEvents returns active events ordered by start day.
func (s *Store) ListActiveEvents(ctx context.Context) ([]world.Event, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, kind, description, affected_json, active, progress, start_day, end_day, created_at
		 FROM events WHERE active = 1 ORDER BY start_day, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list active events: %w", err)
	}
	defer rows.Close()

	var out []world.Event
	for rows.Next() {
		var (
			ev           world.Event
			affectedJSON string
			active       int
			endDay       sql.NullInt64
			created      int64
		)
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.Description, &affectedJSON, &active,
			&ev.Progress, &ev.StartDay, &endDay, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := unmarshalJSON(affectedJSON, &ev.AffectedLocations); err != nil {
			return nil, fmt.Errorf("decode affected locations: %w", err)
		}
		ev.Active = active != 0
		ev.EndDay = intPtr(endDay)
		ev.CreatedAt = fromMillis(created)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
