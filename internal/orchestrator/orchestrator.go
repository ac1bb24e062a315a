// Package orchestrator runs one simulated day: it collects the world, analyzes
// tensions, lets every free character decide, resolves the outcomes, notifies
// the outside world and writes the day's journal entry.
//
// A cycle runs under a per-day lock and never runs twice for the same day:
// the lock, the per-character processed set and the journal's day uniqueness
// each guard a different failure window.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/danshapiro/foresta/internal/clock"
	"github.com/danshapiro/foresta/internal/decision"
	"github.com/danshapiro/foresta/internal/destiny"
	"github.com/danshapiro/foresta/internal/retry"
	"github.com/danshapiro/foresta/internal/storage"
	"github.com/danshapiro/foresta/internal/world"
)

// Locker hands out the per-day cycle lock.
type Locker interface {
	Acquire(ctx context.Context, day int) (*world.CycleLock, error)
	Release(ctx context.Context, lockID string, state world.LockState) error
	MarkProcessed(ctx context.Context, lockID, characterID string) error
	IsProcessed(ctx context.Context, lockID, characterID string) (bool, error)
}

// Decider picks a character's action.
type Decider interface {
	Decide(ctx context.Context, dc decision.Context, degraded bool) (world.ActionResult, error)
}

// Destinies updates destinies during resolution.
type Destinies interface {
	MarkMilestoneReached(ctx context.Context, c world.Character, index int) (*world.Destiny, error)
	Recalculate(ctx context.Context, c world.Character, reason destiny.Trigger, day int) (*world.Destiny, error)
}

// Storyteller is the generative collaborator used for the day summary.
type Storyteller interface {
	Healthy(ctx context.Context) bool
	GenerateJSON(ctx context.Context, system, user string) (string, error)
}

// Notifier delivers the day's message to the outside world.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Sweeper clears conversation flags that outlived their session.
type Sweeper interface {
	Sweep(ctx context.Context) ([]string, error)
}

// Config wires an Orchestrator. Store, Locks, Decisions and Destinies are
// required. Progress receives a snapshot of every progress event and
// AdvanceRetry bounds the attempts at moving the world clock forward.
type Config struct {
	Store        storage.Store
	Locks        Locker
	Decisions    Decider
	Destinies    Destinies
	Storyteller  Storyteller
	Notifier     Notifier
	Sweeper      Sweeper
	Clock        clock.Clock
	Logger       *log.Logger
	Tracer       trace.Tracer
	Progress     func(map[string]any)
	AdvanceRetry *retry.Policy
	NewID        func() string
	Sleep        func(context.Context, time.Duration) error
}

type Orchestrator struct {
	store       storage.Store
	locks       Locker
	decisions   Decider
	destinies   Destinies
	storyteller Storyteller
	notifier    Notifier
	sweeper     Sweeper
	clock       clock.Clock
	logger      *log.Logger
	tracer      trace.Tracer
	progress    func(map[string]any)
	advance     retry.Policy
	newID       func() string
	sleep       func(context.Context, time.Duration) error
}

func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case cfg.Locks == nil:
		return nil, errors.New("orchestrator: cycle lock is required")
	case cfg.Decisions == nil:
		return nil, errors.New("orchestrator: decision engine is required")
	case cfg.Destinies == nil:
		return nil, errors.New("orchestrator: destiny engine is required")
	}
	o := &Orchestrator{
		store:       cfg.Store,
		locks:       cfg.Locks,
		decisions:   cfg.Decisions,
		destinies:   cfg.Destinies,
		storyteller: cfg.Storyteller,
		notifier:    cfg.Notifier,
		sweeper:     cfg.Sweeper,
		clock:       clock.OrReal(cfg.Clock),
		logger:      cfg.Logger,
		tracer:      cfg.Tracer,
		progress:    cfg.Progress,
		advance:     retry.StorageWrites(),
		newID:       cfg.NewID,
		sleep:       cfg.Sleep,
	}
	if o.logger == nil {
		o.logger = log.New(io.Discard, "", 0)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("github.com/danshapiro/foresta/internal/orchestrator")
	}
	if cfg.AdvanceRetry != nil {
		o.advance = *cfg.AdvanceRetry
	}
	if o.newID == nil {
		o.newID = func() string { return ulid.Make().String() }
	}
	return o, nil
}

// WithProgress returns a shallow copy of o that reports progress to sink.
// The HTTP trigger uses it to attach a per-run broadcaster.
func (o *Orchestrator) WithProgress(sink func(map[string]any)) *Orchestrator {
	cp := *o
	cp.progress = sink
	return &cp
}

// RunCycle runs the current day. Refusals (paused world, busy lock, day
// already logged) and phase failures come back as a Result with Success
// false; the error return is reserved for failures to start at all.
//
// The cycle ignores cancellation of ctx once started.
func (o *Orchestrator) RunCycle(ctx context.Context) (*Result, error) {
	ctx = context.WithoutCancel(ctx)

	w, err := o.store.GetWorld(ctx)
	if err != nil {
		return nil, fmt.Errorf("read world: %w", err)
	}
	day := w.Day
	res := &Result{Day: day, State: StateIdle}
	if w.Paused {
		res.Error = ReasonPaused
		return res, nil
	}

	lock, err := o.locks.Acquire(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("acquire cycle lock for day %d: %w", day, err)
	}
	if lock == nil {
		res.Error = ReasonBusy
		return res, nil
	}
	res.LockID = lock.ID

	ctx, span := o.tracer.Start(ctx, "foresta.cycle", trace.WithAttributes(
		attribute.Int("foresta.day", day),
		attribute.String("foresta.lock_id", lock.ID),
	))
	defer span.End()

	exists, err := o.store.JournalExists(ctx, day)
	if err != nil {
		return o.fail(ctx, span, res, fmt.Errorf("check journal: %w", err)), nil
	}
	if exists {
		// The journal is written before the clock moves, so a logged day the
		// world still sits on had its advance fail. Finish it now.
		o.logger.Printf("day %d already logged; advancing the world clock", day)
		if err := o.advanceDay(ctx, day); err != nil {
			return o.fail(ctx, span, res, fmt.Errorf("advance logged day: %w", err)), nil
		}
		if err := o.locks.Release(ctx, lock.ID, world.LockComplete); err != nil {
			o.logger.Printf("release lock %s: %v", lock.ID, err)
		}
		res.State = StateComplete
		res.Error = ReasonAlreadyProcessed
		return res, nil
	}

	res.Degraded = o.storyteller == nil || !o.storyteller.Healthy(ctx)
	span.SetAttributes(attribute.Bool("foresta.degraded", res.Degraded))
	if res.Degraded {
		o.logger.Printf("day %d running in degraded mode", day)
	}
	o.emit(map[string]any{"event": "cycle_started", "day": day, "lock_id": lock.ID, "degraded": res.Degraded})

	if o.sweeper != nil {
		if ids, err := o.sweeper.Sweep(ctx); err != nil {
			o.logger.Printf("conversation sweep: %v", err)
		} else if len(ids) > 0 {
			o.logger.Printf("cleared %d stale conversation(s)", len(ids))
		}
	}

	c := &cycle{o: o, day: day, lock: lock, degraded: res.Degraded}
	steps := []struct {
		phase Phase
		state State
		run   func(context.Context, *Result) (map[string]any, error)
	}{
		{PhaseCollect, StateCollecting, c.collect},
		{PhaseAnalyze, StateAnalyzed, c.analyze},
		{PhaseExecute, StateExecuted, c.execute},
		{PhaseResolve, StateResolved, c.resolve},
		{PhaseNotify, StateNotified, c.notify},
		{PhaseLog, StateComplete, c.log},
	}
	res.State = StateCollecting
	for _, step := range steps {
		if err := o.runPhase(ctx, step.phase, res, step.run); err != nil {
			return o.fail(ctx, span, res, fmt.Errorf("%s: %w", step.phase, err)), nil
		}
		if step.phase != PhaseLog {
			res.State = step.state
		}
	}

	if err := o.advanceDay(ctx, day); err != nil {
		return o.fail(ctx, span, res, fmt.Errorf("advance day: %w", err)), nil
	}
	if err := o.locks.Release(ctx, lock.ID, world.LockComplete); err != nil {
		o.logger.Printf("release lock %s: %v", lock.ID, err)
	}

	res.State = StateComplete
	res.Success = true
	span.SetStatus(codes.Ok, "")
	o.logger.Printf("day %d complete: %d decision(s), %d skipped", day, len(res.Execute.Decisions), len(res.Execute.Skipped))
	o.emit(map[string]any{"event": "cycle_completed", "day": day, "degraded": res.Degraded, "journal_id": res.Log.JournalID})
	return res, nil
}

// advanceDay moves the world clock past day. A conflict means the world is
// no longer on day and is not retried.
func (o *Orchestrator) advanceDay(ctx context.Context, day int) error {
	now := o.clock.Now()
	opts := []retry.Option{retry.WithSeed(fmt.Sprintf("advance:%d", day))}
	if o.sleep != nil {
		opts = append(opts, retry.WithSleep(o.sleep))
	}
	return retry.Do(ctx, o.advance, func(ctx context.Context) error {
		err := o.store.AdvanceDay(ctx, day, now)
		if errors.Is(err, storage.ErrConflict) {
			return retry.Permanent(err)
		}
		return err
	}, opts...)
}

func (o *Orchestrator) runPhase(ctx context.Context, phase Phase, res *Result, run func(context.Context, *Result) (map[string]any, error)) error {
	ctx, span := o.tracer.Start(ctx, "foresta.phase."+string(phase))
	defer span.End()
	o.emit(map[string]any{"event": "phase_started", "day": res.Day, "phase": string(phase)})
	counts, err := run(ctx, res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	ev := map[string]any{"event": "phase_completed", "day": res.Day, "phase": string(phase)}
	for k, v := range counts {
		ev[k] = v
		if n, ok := v.(int); ok {
			span.SetAttributes(attribute.Int("foresta."+k, n))
		}
	}
	o.emit(ev)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, span trace.Span, res *Result, err error) *Result {
	res.State = StateFailed
	res.Success = false
	res.Error = err.Error()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.logger.Printf("day %d failed: %v", res.Day, err)

	if res.LockID != "" {
		if rerr := o.locks.Release(ctx, res.LockID, world.LockFailed); rerr != nil {
			o.logger.Printf("release lock %s: %v", res.LockID, rerr)
		}
	}
	if o.notifier != nil {
		if nerr := o.notifier.Notify(ctx, fmt.Sprintf("Cycle day %d failed: %s", res.Day, res.Error)); nerr != nil {
			o.logger.Printf("failure notification: %v", nerr)
		}
	}
	o.emit(map[string]any{"event": "cycle_failed", "day": res.Day, "error": res.Error})
	return res
}

func (o *Orchestrator) emit(ev map[string]any) {
	if o.progress == nil {
		return
	}
	out := make(map[string]any, len(ev)+1)
	for k, v := range ev {
		out[k] = v
	}
	out["ts"] = o.clock.Now().Format(time.RFC3339Nano)
	o.progress(out)
}
