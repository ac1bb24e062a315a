package session

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/danshapiro/foresta/internal/clock"
)

// Flags is the part of the character store that owns the
// conversation-engaged flag.
type Flags interface {
	SetConversation(ctx context.Context, id string, engaged bool, at time.Time) error
	ClearStaleConversations(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Tracker keeps the engaged flag and the session record in step.
type Tracker struct {
	flags    Flags
	sessions Store
	clock    clock.Clock
	ttl      time.Duration
	logger   *log.Logger
}

func NewTracker(flags Flags, sessions Store, clk clock.Clock, ttl time.Duration, logger *log.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Tracker{flags: flags, sessions: sessions, clock: clock.OrReal(clk), ttl: ttl, logger: logger}
}

// Begin opens or refreshes a conversation between chatID and a character.
func (t *Tracker) Begin(ctx context.Context, characterID, chatID string) (Session, error) {
	now := t.clock.Now()
	s, err := t.sessions.Get(ctx, characterID)
	if err != nil {
		s = Session{CharacterID: characterID, ChatID: chatID, StartedAt: now}
	}
	s.ChatID = chatID
	s.LastActive = now
	if err := t.sessions.Put(ctx, s, t.ttl); err != nil {
		return Session{}, err
	}
	if err := t.flags.SetConversation(ctx, characterID, true, now); err != nil {
		return Session{}, fmt.Errorf("flag %s engaged: %w", characterID, err)
	}
	return s, nil
}

// End closes the character's conversation.
func (t *Tracker) End(ctx context.Context, characterID string) error {
	if err := t.flags.SetConversation(ctx, characterID, false, t.clock.Now()); err != nil {
		return fmt.Errorf("clear %s engaged: %w", characterID, err)
	}
	return t.sessions.Expire(ctx, characterID)
}

// Sweep clears engaged flags set more than the TTL ago and drops their
// sessions. It returns the released character ids.
func (t *Tracker) Sweep(ctx context.Context) ([]string, error) {
	ids, err := t.flags.ClearStaleConversations(ctx, t.clock.Now().Add(-t.ttl))
	if err != nil {
		return nil, fmt.Errorf("clear stale conversations: %w", err)
	}
	for _, id := range ids {
		if err := t.sessions.Expire(ctx, id); err != nil {
			t.logger.Printf("expire session %s: %v", id, err)
		}
	}
	return ids, nil
}
