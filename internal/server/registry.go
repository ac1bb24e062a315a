package server

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danshapiro/foresta/internal/orchestrator"
)

// CycleRun tracks a single running or finished cycle.
type CycleRun struct {
	RunID       string
	Trigger     string
	Broadcaster *Broadcaster
	StartedAt   time.Time

	mu     sync.Mutex
	result *orchestrator.Result
	err    error
	done   bool
	doneCh chan struct{}
}

func newCycleRun(runID, trigger string, started time.Time) *CycleRun {
	return &CycleRun{
		RunID:       runID,
		Trigger:     trigger,
		Broadcaster: NewBroadcaster(),
		StartedAt:   started,
		doneCh:      make(chan struct{}),
	}
}

// SetResult records the outcome of the run and closes its event stream.
func (cr *CycleRun) SetResult(res *orchestrator.Result, err error) {
	cr.mu.Lock()
	if cr.done {
		cr.mu.Unlock()
		return
	}
	cr.result = res
	cr.err = err
	cr.done = true
	cr.mu.Unlock()
	cr.Broadcaster.Close()
	close(cr.doneCh)
}

// Done is closed once the run has a result.
func (cr *CycleRun) Done() <-chan struct{} { return cr.doneCh }

// Result returns the outcome, or nil while the run is in progress.
func (cr *CycleRun) Result() (*orchestrator.Result, error) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.result, cr.err
}

// Status returns the current run status for the HTTP API.
func (cr *CycleRun) Status() CycleStatus {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	status := CycleStatus{
		RunID:     cr.RunID,
		Trigger:   cr.Trigger,
		State:     RunRunning,
		StartedAt: cr.StartedAt,
	}
	if cr.done {
		switch {
		case cr.err != nil:
			status.State = RunFailed
			status.Error = cr.err.Error()
		case cr.result != nil:
			status.Result = cr.result
			status.Day = cr.result.Day
			status.Error = cr.result.Error
			switch {
			case cr.result.Success:
				status.State = RunComplete
			case cr.result.State == orchestrator.StateFailed:
				status.State = RunFailed
			default:
				status.State = RunRefused
			}
		}
	}

	history := cr.Broadcaster.History()
	for i := len(history) - 1; i >= 0; i-- {
		if phase, ok := history[i]["phase"].(string); ok && phase != "" {
			if !cr.done {
				status.CurrentPhase = phase
			}
			break
		}
	}
	if len(history) > 0 {
		last := history[len(history)-1]
		if evt, ok := last["event"].(string); ok {
			status.LastEvent = evt
		}
		if status.Day == 0 {
			if day, ok := last["day"].(int); ok {
				status.Day = day
			}
		}
		if ts, ok := last["ts"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				status.LastEventAt = &t
			}
		}
	}
	return status
}

// DefaultRetainedRuns bounds how many runs a registry remembers.
const DefaultRetainedRuns = 64

func (cr *CycleRun) finished() bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.done
}

// RunRegistry tracks the cycle runs started by this server instance. Past
// its limit, the oldest finished runs are forgotten; running ones never are.
type RunRegistry struct {
	mu    sync.RWMutex
	runs  map[string]*CycleRun
	limit int
}

// NewRunRegistry returns a registry retaining up to limit runs. A limit below
// one selects DefaultRetainedRuns.
func NewRunRegistry(limit int) *RunRegistry {
	if limit < 1 {
		limit = DefaultRetainedRuns
	}
	return &RunRegistry{runs: make(map[string]*CycleRun), limit: limit}
}

// Register adds a run. It fails when the id is already taken.
func (r *RunRegistry) Register(cr *CycleRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[cr.RunID]; exists {
		return fmt.Errorf("cycle run %s already exists", cr.RunID)
	}
	r.runs[cr.RunID] = cr
	r.evictLocked()
	return nil
}

func (r *RunRegistry) evictLocked() {
	excess := len(r.runs) - r.limit
	if excess <= 0 {
		return
	}
	var finished []*CycleRun
	for _, cr := range r.runs {
		if cr.finished() {
			finished = append(finished, cr)
		}
	}
	sortRuns(finished)
	for i := 0; i < excess && i < len(finished); i++ {
		delete(r.runs, finished[i].RunID)
	}
}

func (r *RunRegistry) Get(runID string) (*CycleRun, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cr, ok := r.runs[runID]
	return cr, ok
}

// List returns every run, oldest first.
func (r *RunRegistry) List() []*CycleRun {
	r.mu.RLock()
	out := make([]*CycleRun, 0, len(r.runs))
	for _, cr := range r.runs {
		out = append(out, cr)
	}
	r.mu.RUnlock()
	sortRuns(out)
	return out
}

func sortRuns(runs []*CycleRun) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].RunID < runs[j].RunID
		}
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
}
