package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/danshapiro/foresta/internal/clock"
	"github.com/danshapiro/foresta/internal/cyclelock"
	"github.com/danshapiro/foresta/internal/decision"
	"github.com/danshapiro/foresta/internal/destiny"
	"github.com/danshapiro/foresta/internal/storage"
	"github.com/danshapiro/foresta/internal/storage/sqlite"
	"github.com/danshapiro/foresta/internal/world"
)

func noSleep(context.Context, time.Duration) error { return nil }

type fakeStoryteller struct {
	mu      sync.Mutex
	healthy bool
	text    string
	err     error
	calls   int
}

func (f *fakeStoryteller) Healthy(context.Context) bool { return f.healthy }

func (f *fakeStoryteller) GenerateJSON(context.Context, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.text, f.err
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return f.err
}

func (f *fakeNotifier) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.msgs...)
}

// scriptedDecider answers per character name and stays in place otherwise.
type scriptedDecider struct {
	actions map[string]world.ActionResult
	errs    map[string]error
}

func (s scriptedDecider) Decide(_ context.Context, dc decision.Context, _ bool) (world.ActionResult, error) {
	name := dc.Character.Name
	if err := s.errs[name]; err != nil {
		return world.ActionResult{}, err
	}
	if a, ok := s.actions[name]; ok {
		return a, nil
	}
	return world.ActionResult{Action: "stay", Location: dc.Character.Location, Narrative: name + " stays.", Source: world.SourceTemplate}, nil
}

type fakeSweeper struct{ calls int }

func (f *fakeSweeper) Sweep(context.Context) ([]string, error) {
	f.calls++
	return []string{"c9"}, nil
}

// processedLocker reports some characters as already handled by an earlier
// attempt at the same lock.
type processedLocker struct {
	*cyclelock.Manager
	done map[string]bool
}

func (p processedLocker) IsProcessed(ctx context.Context, lockID, characterID string) (bool, error) {
	if p.done[characterID] {
		return true, nil
	}
	return p.Manager.IsProcessed(ctx, lockID, characterID)
}

type failingLocations struct {
	storage.Store
}

func (failingLocations) ListLocations(context.Context) ([]world.Location, error) {
	return nil, errors.New("disk on fire")
}

type stuckClock struct {
	storage.Store
	err error
}

func (s *stuckClock) AdvanceDay(ctx context.Context, day int, at time.Time) error {
	if s.err != nil {
		return s.err
	}
	return s.Store.AdvanceDay(ctx, day, at)
}

type fixture struct {
	store       *sqlite.Store
	clock       *clock.Fake
	locks       *cyclelock.Manager
	storyteller *fakeStoryteller
	notifier    *fakeNotifier
	actionGen   *fakeStoryteller
	destinyGen  *fakeStoryteller
	events      []map[string]any
	cfg         Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "foresta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:       store,
		clock:       clock.NewFake(time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)),
		storyteller: &fakeStoryteller{},
		notifier:    &fakeNotifier{},
		actionGen:   &fakeStoryteller{},
		destinyGen:  &fakeStoryteller{},
	}
	f.locks = cyclelock.New(store, cyclelock.Options{Clock: f.clock, Sleep: noSleep})
	f.cfg = Config{
		Store:       store,
		Locks:       f.locks,
		Decisions:   decision.New(f.actionGen, decision.Options{Rand: rand.New(rand.NewPCG(3, 5))}),
		Destinies:   destiny.New(f.destinyGen, store, nil),
		Storyteller: f.storyteller,
		Notifier:    f.notifier,
		Clock:       f.clock,
		Progress:    func(ev map[string]any) { f.events = append(f.events, ev) },
		Sleep:       noSleep,
	}

	ctx := context.Background()
	require.NoError(t, store.PutLocation(ctx, world.Location{Name: "glade", Connections: []string{"river"}}))
	require.NoError(t, store.PutLocation(ctx, world.Location{Name: "river", Connections: []string{"glade"}}))
	for i, c := range []struct{ name, loc string }{{"Alba", "glade"}, {"Bruno", "glade"}, {"Cora", "river"}} {
		require.NoError(t, store.CreateCharacter(ctx, world.Character{
			ID:       fmt.Sprintf("c%d", i+1),
			Name:     c.name,
			Traits:   []string{"curious"},
			Location: c.loc,
			Age:      20,
			Alive:    true,
		}))
		f.clock.Advance(time.Second)
	}
	return f
}

func (f *fixture) run(t *testing.T) *Result {
	t.Helper()
	o, err := New(f.cfg)
	require.NoError(t, err)
	res, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func (f *fixture) character(t *testing.T, id string) world.Character {
	t.Helper()
	c, err := f.store.GetCharacter(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (f *fixture) day(t *testing.T) int {
	t.Helper()
	w, err := f.store.GetWorld(context.Background())
	require.NoError(t, err)
	return w.Day
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestRunCycle_DegradedDayProcessesEveryone(t *testing.T) {
	f := newFixture(t)
	res := f.run(t)

	assert.True(t, res.Success, res.Error)
	assert.Equal(t, 1, res.Day)
	assert.Equal(t, StateComplete, res.State)
	assert.True(t, res.Degraded)
	require.Len(t, res.Execute.Decisions, 3)
	for _, d := range res.Execute.Decisions {
		assert.Equal(t, world.SourceTemplate, d.Action.Source)
	}
	assert.Zero(t, f.actionGen.calls)
	assert.Zero(t, f.storyteller.calls)
	assert.Equal(t, 2, f.day(t))

	entry, err := f.store.GetJournal(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Day 1 at Foresta (degraded mode). 3 inhabitants lived their day.", entry.Summary)
	assert.True(t, entry.Degraded)
	assert.Equal(t, 3, entry.Details.ProcessedCount)
	assert.Len(t, entry.Details.Actions, 3)
	assert.Equal(t, res.Log.JournalID, entry.ID)
	digest, err := Digest(entry.Details)
	require.NoError(t, err)
	assert.Equal(t, digest, entry.Digest)

	lock, err := f.store.GetLock(context.Background(), res.LockID)
	require.NoError(t, err)
	assert.Equal(t, world.LockComplete, lock.State)
	assert.ElementsMatch(t, []string{"c1", "c2", "c3"}, lock.Processed)

	alba := f.character(t, "c1")
	assert.Equal(t, 21, alba.Age)
	require.Len(t, alba.History, 1)
	assert.Equal(t, 1, alba.History[0].Day)

	msgs := f.notifier.messages()
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasPrefix(msgs[0], "⚠️ **Day 1**\n\n"), msgs[0])
}

func TestRunCycle_HealthyDayUsesGeneratedSummary(t *testing.T) {
	f := newFixture(t)
	f.storyteller.healthy = true
	f.storyteller.text = "```json\n{\"summary\": \"A calm day by the river.\"}\n```"
	f.actionGen.text = `{"action":"rests","location":"glade","target":null,"narrative":"Someone rests."}`

	res := f.run(t)
	require.True(t, res.Success, res.Error)
	assert.False(t, res.Degraded)
	assert.Equal(t, "A calm day by the river.", res.Notify.Summary)
	assert.True(t, res.Notify.Sent)
	assert.Equal(t, "☀️ **Day 1**\n\nA calm day by the river.", f.notifier.messages()[0])
}

func TestRunCycle_SummaryFallsBackWhenStorytellerFails(t *testing.T) {
	f := newFixture(t)
	f.storyteller.healthy = true
	f.storyteller.err = errors.New("overloaded")
	f.cfg.Decisions = scriptedDecider{}

	res := f.run(t)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "Day 1 at Foresta. The inhabitants lived their day.", res.Notify.Summary)
}

func TestRunCycle_NotifierFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("telegram down")
	res := f.run(t)
	assert.True(t, res.Success)
	assert.False(t, res.Notify.Sent)
	assert.Equal(t, "telegram down", res.Notify.Error)
}

func TestRunCycle_PausedWorldLeavesLockUntouched(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetPaused(context.Background(), true))

	res := f.run(t)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonPaused, res.Error)
	assert.Equal(t, StateIdle, res.State)
	_, err := f.store.GetRunningLock(context.Background(), 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 1, f.day(t))
	assert.Empty(t, f.events)
}

func TestRunCycle_BusyWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	held, err := f.locks.Acquire(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, held)

	res := f.run(t)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonBusy, res.Error)
	assert.Equal(t, 1, f.day(t))
}

func TestRunCycle_AlreadyProcessedDay(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.AppendJournal(context.Background(), world.JournalEntry{ID: "j1", Day: 1, Summary: "done", CreatedAt: f.clock.Now()}))

	res := f.run(t)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonAlreadyProcessed, res.Error)
	assert.Equal(t, StateComplete, res.State)
	lock, err := f.store.GetLock(context.Background(), res.LockID)
	require.NoError(t, err)
	assert.Equal(t, world.LockComplete, lock.State)
	assert.Equal(t, 2, f.day(t), "a logged day the world still sits on is advanced")
	assert.Empty(t, f.notifier.messages())
}

func TestRunCycle_RecoversFromFailedAdvance(t *testing.T) {
	f := newFixture(t)
	stuck := &stuckClock{Store: f.store, err: errors.New("database is locked")}
	f.cfg.Store = stuck

	res := f.run(t)
	assert.False(t, res.Success)
	assert.Equal(t, StateFailed, res.State)
	assert.Contains(t, res.Error, "advance day")
	assert.Equal(t, 1, f.day(t))
	exists, err := f.store.JournalExists(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, exists, "the journal entry survives the failed advance")

	stuck.err = nil
	res = f.run(t)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonAlreadyProcessed, res.Error)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, 2, f.day(t))
	assert.Equal(t, 21, f.character(t, "c1").Age, "the day is not simulated twice")

	res = f.run(t)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.Day)
}

func TestRunCycle_ConsecutiveDays(t *testing.T) {
	f := newFixture(t)
	first := f.run(t)
	second := f.run(t)
	assert.True(t, first.Success)
	assert.True(t, second.Success)
	assert.Equal(t, 1, first.Day)
	assert.Equal(t, 2, second.Day)
	assert.Equal(t, 3, f.day(t))

	entries, err := f.store.ListJournal(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, 22, f.character(t, "c2").Age)
}

func TestRunCycle_SkipsEngagedAndProcessedCharacters(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetConversation(context.Background(), "c2", true, f.clock.Now()))
	f.cfg.Locks = processedLocker{Manager: f.locks, done: map[string]bool{"c3": true}}

	res := f.run(t)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"c2"}, res.Analyze.InConversation)
	assert.Equal(t, []string{"c1", "c3"}, res.Analyze.ToProcess)
	require.Len(t, res.Execute.Decisions, 1)
	assert.Equal(t, "Alba", res.Execute.Decisions[0].Name)

	reasons := map[string]SkipReason{}
	for _, s := range res.Execute.Skipped {
		reasons[s.Name] = s.Reason
	}
	assert.Equal(t, map[string]SkipReason{"Bruno": SkipInConversation, "Cora": SkipAlreadyProcessed}, reasons)
	assert.Equal(t, 20, f.character(t, "c2").Age)

	var skipped int
	for _, ev := range f.events {
		if ev["event"] == "character_skipped" {
			skipped++
		}
	}
	assert.Equal(t, 2, skipped)
}

func TestRunCycle_CharacterErrorIsIsolated(t *testing.T) {
	f := newFixture(t)
	f.cfg.Decisions = scriptedDecider{errs: map[string]error{"Bruno": errors.New("boom")}}

	res := f.run(t)
	require.True(t, res.Success, res.Error)
	assert.Len(t, res.Execute.Decisions, 2)
	require.Len(t, res.Execute.Skipped, 1)
	assert.Equal(t, SkipError, res.Execute.Skipped[0].Reason)
	assert.Equal(t, "boom", res.Execute.Skipped[0].Detail)

	lock, err := f.store.GetLock(context.Background(), res.LockID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c3"}, lock.Processed)
}

func TestRunCycle_PhaseFailureReleasesLockFailed(t *testing.T) {
	f := newFixture(t)
	f.cfg.Store = failingLocations{Store: f.store}

	res := f.run(t)
	assert.False(t, res.Success)
	assert.Equal(t, StateFailed, res.State)
	assert.Contains(t, res.Error, "collect")
	assert.Contains(t, res.Error, "disk on fire")
	assert.Equal(t, 1, f.day(t))

	lock, err := f.store.GetLock(context.Background(), res.LockID)
	require.NoError(t, err)
	assert.Equal(t, world.LockFailed, lock.State)

	msgs := f.notifier.messages()
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasPrefix(msgs[0], "Cycle day 1 failed: "), msgs[0])
	assert.Equal(t, "cycle_failed", f.events[len(f.events)-1]["event"])

	exists, err := f.store.JournalExists(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRunCycle_InteractionUpdatesBothRelationships(t *testing.T) {
	f := newFixture(t)
	f.cfg.Decisions = scriptedDecider{actions: map[string]world.ActionResult{
		"Alba": {Action: "chats", Location: "glade", Target: "Bruno", Narrative: "Alba chats with Bruno.", Source: world.SourceLLM},
		"Cora": {Action: "waves", Location: "river", Target: "Bruno", Narrative: "Cora waves at nobody.", Source: world.SourceLLM},
	}}

	res := f.run(t)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []RelationshipUpdate{{From: "Alba", To: "Bruno"}}, res.Resolve.Relationships)

	alba := f.character(t, "c1")
	require.Len(t, alba.Relationships, 1)
	assert.Equal(t, world.Relationship{TargetID: "c2", TargetName: "Bruno", Kind: world.Acquaintance, Intensity: 0.3}, alba.Relationships[0])
	bruno := f.character(t, "c2")
	require.Len(t, bruno.Relationships, 1)
	assert.Equal(t, "c1", bruno.Relationships[0].TargetID)
	assert.Empty(t, f.character(t, "c3").Relationships)
	assert.Equal(t, []string{"Bruno"}, alba.History[0].Interactions)
}

func TestRunCycle_MilestoneReached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpdateDestiny(ctx, "c1", &world.Destiny{
		EndState:    "keeper of the river",
		Inclination: "drawn towards the river",
		Milestones:  []world.Milestone{{TargetDay: 3, Description: "Finds the river"}},
	}))
	f.cfg.Decisions = scriptedDecider{actions: map[string]world.ActionResult{
		"Alba": {Action: "walks", Location: "river", Narrative: "Alba walks to the river.", Source: world.SourceTemplate},
	}}

	res := f.run(t)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []MilestoneReached{{CharacterID: "c1", Name: "Alba", Description: "Finds the river"}}, res.Resolve.Milestones)
	alba := f.character(t, "c1")
	assert.True(t, alba.Destiny.Milestones[0].Reached)
	assert.Equal(t, "river", alba.Location)
	assert.Empty(t, res.Resolve.Recalculations)
}

func advanceTo(t *testing.T, store *sqlite.Store, day int) {
	t.Helper()
	for d := 1; d < day; d++ {
		require.NoError(t, store.AdvanceDay(context.Background(), d, time.Now()))
	}
}

func TestRunCycle_MissedMilestoneRecalculatesDestiny(t *testing.T) {
	f := newFixture(t)
	advanceTo(t, f.store, 12)
	require.NoError(t, f.store.UpdateDestiny(context.Background(), "c3", &world.Destiny{
		EndState:    "old end",
		Inclination: "wanders",
		Milestones:  []world.Milestone{{TargetDay: 5, Description: "Climbs the hill"}},
	}))
	f.storyteller.healthy = true
	f.storyteller.text = `{"summary":"ok"}`
	f.destinyGen.text = `{"end_state":"new end","inclination":"settles","milestones":[{"target_day":20,"description":"Builds a hut"}]}`
	f.cfg.Decisions = scriptedDecider{}

	res := f.run(t)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 12, res.Day)
	require.Len(t, res.Resolve.Recalculations, 1)
	rec := res.Resolve.Recalculations[0]
	assert.Equal(t, "Cora", rec.Name)
	assert.Equal(t, string(destiny.MilestoneMissed), rec.Reason)
	assert.True(t, rec.Applied)

	cora := f.character(t, "c3")
	assert.Equal(t, "new end", cora.Destiny.EndState)
	require.NotNil(t, cora.Destiny.LastRecalculation)
	assert.Equal(t, 12, *cora.Destiny.LastRecalculation)
	assert.Equal(t, []world.Milestone{{TargetDay: 20, Description: "Builds a hut"}}, cora.Destiny.Milestones)
}

func TestRunCycle_DegradedDefersRecalculation(t *testing.T) {
	f := newFixture(t)
	advanceTo(t, f.store, 12)
	require.NoError(t, f.store.UpdateDestiny(context.Background(), "c3", &world.Destiny{
		EndState:    "old end",
		Inclination: "wanders",
		Milestones:  []world.Milestone{{TargetDay: 5, Description: "Climbs the hill"}},
	}))
	f.cfg.Decisions = scriptedDecider{}

	res := f.run(t)
	require.True(t, res.Success, res.Error)
	require.Len(t, res.Resolve.Recalculations, 1)
	assert.False(t, res.Resolve.Recalculations[0].Applied)
	assert.Zero(t, f.destinyGen.calls)
	assert.Equal(t, "old end", f.character(t, "c3").Destiny.EndState)
}

func TestRunCycle_NaturalDeath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateCharacter(ctx, world.Character{ID: "c4", Name: "Dov", Location: "river", Age: world.MaxAge - 1, Alive: true}))

	res := f.run(t)
	require.True(t, res.Success, res.Error)
	var died []string
	for _, o := range res.Resolve.Outcomes {
		if o.Died {
			died = append(died, o.Name)
		}
	}
	assert.Equal(t, []string{"Dov"}, died)
	living, err := f.store.ListLivingCharacters(ctx)
	require.NoError(t, err)
	assert.Len(t, living, 3)
}

func TestRunCycle_SweepsBeforeCollect(t *testing.T) {
	f := newFixture(t)
	sw := &fakeSweeper{}
	f.cfg.Sweeper = sw
	res := f.run(t)
	assert.True(t, res.Success)
	assert.Equal(t, 1, sw.calls)
}

func TestRunCycle_TensionsFromEvents(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateEvent(context.Background(), world.Event{
		ID: "e1", Kind: "flood", Description: "The river rises", AffectedLocations: []string{"River"}, Active: true, StartDay: 1,
	}))
	res := f.run(t)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []Tension{{EventID: "e1", EventKind: "flood", Characters: []string{"Cora"}}}, res.Analyze.Tensions)
	assert.Equal(t, 1, res.Collect.EventCount)
}

func TestRunCycle_ProgressEvents(t *testing.T) {
	f := newFixture(t)
	f.run(t)

	var kinds []string
	for _, ev := range f.events {
		require.NotEmpty(t, ev["ts"])
		kind := ev["event"].(string)
		if kind == "phase_started" || kind == "phase_completed" {
			kind += ":" + ev["phase"].(string)
		}
		kinds = append(kinds, kind)
	}
	assert.Equal(t, []string{
		"cycle_started",
		"phase_started:collect", "phase_completed:collect",
		"phase_started:analyze", "phase_completed:analyze",
		"phase_started:execute", "phase_completed:execute",
		"phase_started:resolve", "phase_completed:resolve",
		"phase_started:notify", "phase_completed:notify",
		"phase_started:log", "phase_completed:log",
		"cycle_completed",
	}, kinds)
}

func TestRunCycle_Spans(t *testing.T) {
	f := newFixture(t)
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	f.cfg.Tracer = tp.Tracer("test")
	f.run(t)

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "foresta.cycle")
	for _, p := range []Phase{PhaseCollect, PhaseAnalyze, PhaseExecute, PhaseResolve, PhaseNotify, PhaseLog} {
		assert.Contains(t, names, "foresta.phase."+string(p))
	}
}

func TestWithProgress_DoesNotMutateOriginal(t *testing.T) {
	f := newFixture(t)
	f.cfg.Progress = nil
	o, err := New(f.cfg)
	require.NoError(t, err)
	var got []map[string]any
	res, err := o.WithProgress(func(ev map[string]any) { got = append(got, ev) }).RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, got)
	assert.Nil(t, o.progress)
}
