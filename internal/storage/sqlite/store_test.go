package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/danshapiro/foresta/internal/storage"
	"github.com/danshapiro/foresta/internal/world"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "foresta.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foresta.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if err := first.AdvanceDay(ctx, 1, time.Now()); err != nil {
		t.Fatalf("advance: %v", err)
	}
	_ = first.Close()

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	w, err := second.GetWorld(ctx)
	if err != nil {
		t.Fatalf("get world: %v", err)
	}
	if w.Day != 2 {
		t.Fatalf("day = %d, want 2", w.Day)
	}
}

func TestWorld_DefaultsAndAdvance(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	w, err := store.GetWorld(ctx)
	if err != nil {
		t.Fatalf("get world: %v", err)
	}
	if w.Day != 1 || w.Paused || w.LastCycleAt != nil {
		t.Fatalf("unexpected default world: %+v", w)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.AdvanceDay(ctx, 1, at); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := store.AdvanceDay(ctx, 1, at); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("stale advance err = %v, want ErrConflict", err)
	}
	w, _ = store.GetWorld(ctx)
	if w.Day != 2 || w.LastCycleAt == nil || !w.LastCycleAt.Equal(at) {
		t.Fatalf("unexpected world after advance: %+v", w)
	}

	if err := store.SetPaused(ctx, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	w, _ = store.GetWorld(ctx)
	if !w.Paused {
		t.Fatal("expected paused world")
	}
}

func TestCharacters_CreateGetAndOutcome(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	c := world.Character{ID: "c1", Name: "Ada", Traits: []string{"curious"}, Location: "Clairiere", Alive: true}
	if err := store.CreateCharacter(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := c
	dup.ID = "c2"
	if err := store.CreateCharacter(ctx, dup); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("duplicate name err = %v, want ErrAlreadyExists", err)
	}

	got, err := store.GetCharacterByName(ctx, "ada")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if got.ID != "c1" || got.Destiny != nil || len(got.History) != 0 {
		t.Fatalf("unexpected character: %+v", got)
	}

	updated := world.ApplyOutcome(got, world.ActionResult{Action: "explore", Location: "Veda", Source: world.SourceTemplate}, 1)
	if err := store.SaveOutcome(ctx, updated); err != nil {
		t.Fatalf("save outcome: %v", err)
	}
	got, err = store.GetCharacter(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Location != "Veda" || got.Age != 1 || len(got.History) != 1 || got.LastAction == nil || got.LastAction.Action != "explore" {
		t.Fatalf("outcome not persisted: %+v", got)
	}
	if got.LastActionDay == nil || *got.LastActionDay != 1 {
		t.Fatalf("last action day = %v", got.LastActionDay)
	}

	if _, err := store.GetCharacter(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing err = %v, want ErrNotFound", err)
	}
}

func TestCharacters_DestinyAndRelationships(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	if err := store.CreateCharacter(ctx, world.Character{ID: "c1", Name: "Ada", Location: "Clairiere", Alive: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	recalc := 4
	d := &world.Destiny{
		EndState:          "Dies content.",
		Inclination:       "seeks company",
		Milestones:        []world.Milestone{{TargetDay: 25, Description: "meets a friend"}},
		LastRecalculation: &recalc,
	}
	if err := store.UpdateDestiny(ctx, "c1", d); err != nil {
		t.Fatalf("update destiny: %v", err)
	}
	rels := world.RecordInteraction(nil, "c2", "Bram")
	if err := store.UpdateRelationships(ctx, "c1", rels); err != nil {
		t.Fatalf("update relationships: %v", err)
	}
	got, _ := store.GetCharacter(ctx, "c1")
	if got.Destiny == nil || got.Destiny.Inclination != "seeks company" || len(got.Destiny.Milestones) != 1 {
		t.Fatalf("destiny not persisted: %+v", got.Destiny)
	}
	if got.Destiny.LastRecalculation == nil || *got.Destiny.LastRecalculation != 4 {
		t.Fatalf("last recalculation = %v", got.Destiny.LastRecalculation)
	}
	if len(got.Relationships) != 1 || got.Relationships[0].Kind != world.Acquaintance {
		t.Fatalf("relationships not persisted: %+v", got.Relationships)
	}
	if err := store.UpdateDestiny(ctx, "nope", d); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
}

func TestCharacters_LivingAndKill(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	for _, c := range []world.Character{
		{ID: "c1", Name: "Ada", Location: "Clairiere", Alive: true},
		{ID: "c2", Name: "Bram", Location: "Clairiere", Alive: true},
	} {
		if err := store.CreateCharacter(ctx, c); err != nil {
			t.Fatalf("create %s: %v", c.ID, err)
		}
	}
	if err := store.KillCharacter(ctx, "c2"); err != nil {
		t.Fatalf("kill: %v", err)
	}
	living, err := store.ListLivingCharacters(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(living) != 1 || living[0].ID != "c1" {
		t.Fatalf("living = %+v", living)
	}
}

func TestCharacters_ClearStaleConversations(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	for _, c := range []world.Character{
		{ID: "c1", Name: "Ada", Location: "Clairiere", Alive: true},
		{ID: "c2", Name: "Bram", Location: "Clairiere", Alive: true},
	} {
		if err := store.CreateCharacter(ctx, c); err != nil {
			t.Fatalf("create %s: %v", c.ID, err)
		}
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.SetConversation(ctx, "c1", true, now.Add(-45*time.Minute)); err != nil {
		t.Fatalf("set c1: %v", err)
	}
	if err := store.SetConversation(ctx, "c2", true, now.Add(-5*time.Minute)); err != nil {
		t.Fatalf("set c2: %v", err)
	}

	cleared, err := store.ClearStaleConversations(ctx, now.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(cleared) != 1 || cleared[0] != "c1" {
		t.Fatalf("cleared = %v, want [c1]", cleared)
	}
	c1, _ := store.GetCharacter(ctx, "c1")
	c2, _ := store.GetCharacter(ctx, "c2")
	if c1.InConversation || c1.InConversationSince != nil {
		t.Fatalf("c1 should be cleared: %+v", c1)
	}
	if !c2.InConversation {
		t.Fatal("c2 should remain engaged")
	}
}

func TestLocationsAndEvents(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	if err := store.PutLocation(ctx, world.Location{Name: "Clairiere", Description: "open glade", Connections: []string{"Veda"}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.PutLocation(ctx, world.Location{Name: "Clairiere", Description: "sunny glade", Connections: []string{"Veda", "Source"}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	loc, err := store.GetLocation(ctx, "Clairiere")
	if err != nil {
		t.Fatalf("get location: %v", err)
	}
	if loc.Description != "sunny glade" || len(loc.Connections) != 2 {
		t.Fatalf("location = %+v", loc)
	}

	end := 9
	if err := store.CreateEvent(ctx, world.Event{ID: "e1", Kind: "storm", Description: "rain", AffectedLocations: []string{"Veda"}, Active: true, StartDay: 2, EndDay: &end}); err != nil {
		t.Fatalf("create event: %v", err)
	}
	if err := store.CreateEvent(ctx, world.Event{ID: "e2", Kind: "fair", Description: "done", Active: false, StartDay: 1}); err != nil {
		t.Fatalf("create event: %v", err)
	}
	events, err := store.ListActiveEvents(ctx)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].ID != "e1" || events[0].EndDay == nil || *events[0].EndDay != 9 {
		t.Fatalf("events = %+v", events)
	}
}

func TestLocks_RunningUniquePerDay(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.InsertLock(ctx, world.CycleLock{ID: "l1", Day: 3, State: world.LockRunning, StartedAt: now}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.InsertLock(ctx, world.CycleLock{ID: "l2", Day: 3, State: world.LockRunning, StartedAt: now}); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("second running lock err = %v, want ErrAlreadyExists", err)
	}

	if err := store.TransitionLock(ctx, "l1", world.LockRunning, world.LockFailed, now); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := store.TransitionLock(ctx, "l1", world.LockRunning, world.LockComplete, now); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("double transition err = %v, want ErrConflict", err)
	}
	if err := store.TransitionLock(ctx, "ghost", world.LockRunning, world.LockComplete, now); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing lock err = %v, want ErrNotFound", err)
	}

	if err := store.InsertLock(ctx, world.CycleLock{ID: "l2", Day: 3, State: world.LockRunning, StartedAt: now}); err != nil {
		t.Fatalf("insert after release: %v", err)
	}
	running, err := store.GetRunningLock(ctx, 3)
	if err != nil {
		t.Fatalf("get running: %v", err)
	}
	if running.ID != "l2" {
		t.Fatalf("running lock = %s, want l2", running.ID)
	}
	old, _ := store.GetLock(ctx, "l1")
	if old.State != world.LockFailed || old.CompletedAt == nil {
		t.Fatalf("l1 = %+v", old)
	}
}

func TestLocks_ProcessedIsIdempotentAndOrdered(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	if err := store.InsertLock(ctx, world.CycleLock{ID: "l1", Day: 1, State: world.LockRunning}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	for _, id := range []string{"c2", "c1", "c2"} {
		if err := store.AddProcessed(ctx, "l1", id); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	lock, err := store.GetLock(ctx, "l1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(lock.Processed) != 2 || lock.Processed[0] != "c2" || lock.Processed[1] != "c1" {
		t.Fatalf("processed = %v", lock.Processed)
	}
}

func TestJournal_OnePerDay(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	exists, err := store.JournalExists(ctx, 1)
	if err != nil || exists {
		t.Fatalf("exists = %v err = %v", exists, err)
	}
	entry := world.JournalEntry{
		ID:      "j1",
		Day:     1,
		Summary: "Day 1 at Foresta.",
		Details: world.JournalDetails{ProcessedCount: 1, Actions: []world.ActionSummary{{Name: "Ada", Action: "eat", Location: "Clairiere"}}},
		Digest:  "abc",
	}
	if err := store.AppendJournal(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}
	entry.ID = "j2"
	if err := store.AppendJournal(ctx, entry); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("second append err = %v, want ErrAlreadyExists", err)
	}
	exists, _ = store.JournalExists(ctx, 1)
	if !exists {
		t.Fatal("expected journal for day 1")
	}
	got, err := store.GetJournal(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "j1" || len(got.Details.Actions) != 1 || got.Digest != "abc" {
		t.Fatalf("journal = %+v", got)
	}
	list, err := store.ListJournal(ctx, 5)
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %v err = %v", list, err)
	}
}
