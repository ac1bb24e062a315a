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

const characterColumns = `id, name, traits_json, location, age, alive, destiny_json, history_json,
	relationships_json, in_conversation, in_conversation_since, last_action_json, last_action_day,
	created_at, updated_at`

// CreateCharacter inserts a new character. Names are unique.
func (s *Store) CreateCharacter(ctx context.Context, c world.Character) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	id := strings.TrimSpace(c.ID)
	name := strings.TrimSpace(c.Name)
	if id == "" {
		return fmt.Errorf("character id is required")
	}
	if name == "" {
		return fmt.Errorf("character name is required")
	}
	if strings.TrimSpace(c.Location) == "" {
		return fmt.Errorf("character location is required")
	}
	traits := c.Traits
	if traits == nil {
		traits = []string{}
	}
	traitsJSON, err := marshalJSON(traits)
	if err != nil {
		return fmt.Errorf("encode traits: %w", err)
	}
	historyJSON, err := marshalJSON(nonNilHistory(c.History))
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	relsJSON, err := marshalJSON(nonNilRelationships(c.Relationships))
	if err != nil {
		return fmt.Errorf("encode relationships: %w", err)
	}
	destinyJSON, err := nullableJSON(c.Destiny)
	if err != nil {
		return fmt.Errorf("encode destiny: %w", err)
	}
	now := s.now()
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO characters (`+characterColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL, NULL, ?, ?)`,
		id, name, traitsJSON, c.Location, c.Age, boolInt(c.Alive), destinyJSON, historyJSON,
		relsJSON, toMillis(now), toMillis(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create character: %w", err)
	}
	return nil
}

// GetCharacter returns one character by id.
func (s *Store) GetCharacter(ctx context.Context, id string) (world.Character, error) {
	if err := s.ready(ctx); err != nil {
		return world.Character{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+characterColumns+` FROM characters WHERE id = ?`, strings.TrimSpace(id))
	c, err := scanCharacter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return world.Character{}, storage.ErrNotFound
	}
	if err != nil {
		return world.Character{}, fmt.Errorf("get character: %w", err)
	}
	return c, nil
}

// GetCharacterByName returns one character by case-insensitive name.
func (s *Store) GetCharacterByName(ctx context.Context, name string) (world.Character, error) {
	if err := s.ready(ctx); err != nil {
		return world.Character{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+characterColumns+` FROM characters WHERE name = ? COLLATE NOCASE`, strings.TrimSpace(name))
	c, err := scanCharacter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return world.Character{}, storage.ErrNotFound
	}
	if err != nil {
		return world.Character{}, fmt.Errorf("get character by name: %w", err)
	}
	return c, nil
}

// ListLivingCharacters returns living characters ordered by creation.
func (s *Store) ListLivingCharacters(ctx context.Context) ([]world.Character, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+characterColumns+` FROM characters WHERE alive = 1 ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list living characters: %w", err)
	}
	defer rows.Close()

	var out []world.Character
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan character: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate characters: %w", err)
	}
	return out, nil
}

// SaveOutcome persists the fields touched by a day's outcome.
func (s *Store) SaveOutcome(ctx context.Context, c world.Character) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	historyJSON, err := marshalJSON(nonNilHistory(c.History))
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	actionJSON, err := nullableJSON(c.LastAction)
	if err != nil {
		return fmt.Errorf("encode last action: %w", err)
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE characters SET
		   location = ?, age = ?, alive = ?, history_json = ?,
		   last_action_json = ?, last_action_day = ?, updated_at = ?
		 WHERE id = ?`,
		c.Location, c.Age, boolInt(c.Alive), historyJSON,
		actionJSON, nullInt(c.LastActionDay), toMillis(s.now()), c.ID,
	)
	if err != nil {
		return fmt.Errorf("save outcome: %w", err)
	}
	return requireAffected(res, storage.ErrNotFound)
}

// UpdateDestiny replaces the destiny of a character. A nil destiny clears it.
func (s *Store) UpdateDestiny(ctx context.Context, id string, d *world.Destiny) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	destinyJSON, err := nullableJSON(d)
	if err != nil {
		return fmt.Errorf("encode destiny: %w", err)
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE characters SET destiny_json = ?, updated_at = ? WHERE id = ?`,
		destinyJSON, toMillis(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("update destiny: %w", err)
	}
	return requireAffected(res, storage.ErrNotFound)
}

// UpdateRelationships replaces the relationships of a character.
func (s *Store) UpdateRelationships(ctx context.Context, id string, rels []world.Relationship) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	relsJSON, err := marshalJSON(nonNilRelationships(rels))
	if err != nil {
		return fmt.Errorf("encode relationships: %w", err)
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE characters SET relationships_json = ?, updated_at = ? WHERE id = ?`,
		relsJSON, toMillis(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("update relationships: %w", err)
	}
	return requireAffected(res, storage.ErrNotFound)
}

// SetConversation sets or clears the conversation-engaged flag.
func (s *Store) SetConversation(ctx context.Context, id string, engaged bool, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	since := sql.NullInt64{}
	if engaged {
		since = sql.NullInt64{Int64: toMillis(at), Valid: true}
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE characters SET in_conversation = ?, in_conversation_since = ?, updated_at = ? WHERE id = ?`,
		boolInt(engaged), since, toMillis(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("set conversation: %w", err)
	}
	return requireAffected(res, storage.ErrNotFound)
}

// ClearStaleConversations clears flags set strictly before cutoff.
func (s *Store) ClearStaleConversations(ctx context.Context, cutoff time.Time) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin clear conversations: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM characters
		 WHERE in_conversation = 1 AND (in_conversation_since IS NULL OR in_conversation_since < ?)
		 ORDER BY id`,
		toMillis(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("select stale conversations: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan stale conversation: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate stale conversations: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close stale conversations: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE characters SET in_conversation = 0, in_conversation_since = NULL, updated_at = ? WHERE id = ?`,
			toMillis(s.now()), id,
		); err != nil {
			return nil, fmt.Errorf("clear conversation %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit clear conversations: %w", err)
	}
	return ids, nil
}

// KillCharacter marks a character dead.
func (s *Store) KillCharacter(ctx context.Context, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE characters SET alive = 0, updated_at = ? WHERE id = ?`, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("kill character: %w", err)
	}
	return requireAffected(res, storage.ErrNotFound)
}

func scanCharacter(row rowScanner) (world.Character, error) {
	var (
		c           world.Character
		traitsJSON  string
		alive       int
		destinyJSON sql.NullString
		historyJSON string
		relsJSON    string
		inConv      int
		inConvSince sql.NullInt64
		actionJSON  sql.NullString
		actionDay   sql.NullInt64
		created     int64
		updated     int64
	)
	if err := row.Scan(&c.ID, &c.Name, &traitsJSON, &c.Location, &c.Age, &alive, &destinyJSON,
		&historyJSON, &relsJSON, &inConv, &inConvSince, &actionJSON, &actionDay, &created, &updated); err != nil {
		return world.Character{}, err
	}
	if err := unmarshalJSON(traitsJSON, &c.Traits); err != nil {
		return world.Character{}, fmt.Errorf("decode traits: %w", err)
	}
	if destinyJSON.Valid && destinyJSON.String != "" {
		var d world.Destiny
		if err := unmarshalJSON(destinyJSON.String, &d); err != nil {
			return world.Character{}, fmt.Errorf("decode destiny: %w", err)
		}
		c.Destiny = &d
	}
	if err := unmarshalJSON(historyJSON, &c.History); err != nil {
		return world.Character{}, fmt.Errorf("decode history: %w", err)
	}
	if err := unmarshalJSON(relsJSON, &c.Relationships); err != nil {
		return world.Character{}, fmt.Errorf("decode relationships: %w", err)
	}
	if actionJSON.Valid && actionJSON.String != "" {
		var a world.ActionResult
		if err := unmarshalJSON(actionJSON.String, &a); err != nil {
			return world.Character{}, fmt.Errorf("decode last action: %w", err)
		}
		c.LastAction = &a
	}
	c.Alive = alive != 0
	c.InConversation = inConv != 0
	c.InConversationSince = timePtr(inConvSince)
	c.LastActionDay = intPtr(actionDay)
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return c, nil
}

func nullableJSON[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := marshalJSON(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: raw, Valid: true}, nil
}

func nonNilHistory(h []world.DayRecord) []world.DayRecord {
	if h == nil {
		return []world.DayRecord{}
	}
	return h
}

func nonNilRelationships(r []world.Relationship) []world.Relationship {
	if r == nil {
		return []world.Relationship{}
	}
	return r
}
