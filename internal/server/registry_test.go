package server

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danshapiro/foresta/internal/orchestrator"
)

var epoch = time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

func TestRunRegistry_RegisterAndGet(t *testing.T) {
	r := NewRunRegistry(0)
	cr := newCycleRun("run-1", "http", epoch)
	if err := r.Register(cr); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, ok := r.Get("run-1")
	if !ok || got != cr {
		t.Fatalf("get: %v %v", got, ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("expected missing run")
	}
}

func TestRunRegistry_DuplicateRegister(t *testing.T) {
	r := NewRunRegistry(0)
	if err := r.Register(newCycleRun("run-1", "http", epoch)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(newCycleRun("run-1", "schedule", epoch)); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestRunRegistry_ListOldestFirst(t *testing.T) {
	r := NewRunRegistry(0)
	for i, id := range []string{"c", "a", "b"} {
		if err := r.Register(newCycleRun(id, "http", epoch.Add(time.Duration(2-i)*time.Minute))); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	var ids []string
	for _, cr := range r.List() {
		ids = append(ids, cr.RunID)
	}
	if got := ids[0] + ids[1] + ids[2]; got != "bac" {
		t.Fatalf("order: %v", ids)
	}
}

func TestCycleRun_StatusWhileRunning(t *testing.T) {
	cr := newCycleRun("run-1", "schedule", epoch)
	cr.Broadcaster.Send(map[string]any{"event": "cycle_started", "day": 4, "ts": epoch.Format(time.RFC3339Nano)})
	cr.Broadcaster.Send(map[string]any{"event": "phase_started", "day": 4, "phase": "execute", "ts": epoch.Add(time.Second).Format(time.RFC3339Nano)})

	st := cr.Status()
	if st.State != RunRunning {
		t.Fatalf("state: %q", st.State)
	}
	if st.CurrentPhase != "execute" || st.LastEvent != "phase_started" || st.Day != 4 {
		t.Fatalf("status: %+v", st)
	}
	if st.LastEventAt == nil || !st.LastEventAt.Equal(epoch.Add(time.Second)) {
		t.Fatalf("last event at: %v", st.LastEventAt)
	}
}

func TestCycleRun_StatusAfterResult(t *testing.T) {
	cases := []struct {
		name  string
		res   *orchestrator.Result
		err   error
		state string
	}{
		{"complete", &orchestrator.Result{Success: true, Day: 2, State: orchestrator.StateComplete}, nil, RunComplete},
		{"refused", &orchestrator.Result{Day: 2, State: orchestrator.StateIdle, Error: orchestrator.ReasonBusy}, nil, RunRefused},
		{"phase failure", &orchestrator.Result{Day: 2, State: orchestrator.StateFailed, Error: "execute: boom"}, nil, RunFailed},
		{"start failure", nil, errors.New("read world: closed"), RunFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cr := newCycleRun("run-1", "http", epoch)
			cr.Broadcaster.Send(map[string]any{"event": "phase_started", "phase": "collect"})
			cr.SetResult(tc.res, tc.err)
			cr.SetResult(nil, errors.New("ignored"))

			select {
			case <-cr.Done():
			default:
				t.Fatal("done should be closed")
			}
			st := cr.Status()
			if st.State != tc.state {
				t.Fatalf("state: got %q want %q", st.State, tc.state)
			}
			if st.CurrentPhase != "" {
				t.Fatalf("finished run reports phase %q", st.CurrentPhase)
			}
			if tc.err != nil && st.Error != tc.err.Error() {
				t.Fatalf("error: %q", st.Error)
			}
		})
	}
}

func TestRunRegistry_EvictsOldestFinishedRuns(t *testing.T) {
	r := NewRunRegistry(2)
	running := newCycleRun("run-1", "schedule", epoch)
	if err := r.Register(running); err != nil {
		t.Fatalf("register: %v", err)
	}
	for i, id := range []string{"run-2", "run-3", "run-4"} {
		cr := newCycleRun(id, "http", epoch.Add(time.Duration(i+1)*time.Minute))
		if err := r.Register(cr); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
		cr.SetResult(&orchestrator.Result{Success: true, State: orchestrator.StateComplete}, nil)
	}
	if err := r.Register(newCycleRun("run-5", "http", epoch.Add(time.Hour))); err != nil {
		t.Fatalf("register: %v", err)
	}

	var ids []string
	for _, cr := range r.List() {
		ids = append(ids, cr.RunID)
	}
	if got := strings.Join(ids, ","); got != "run-1,run-5" {
		t.Fatalf("retained = %s, want run-1,run-5", got)
	}
	if _, ok := r.Get("run-1"); !ok {
		t.Fatal("running run must never be evicted")
	}
}
