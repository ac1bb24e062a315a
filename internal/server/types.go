package server

import (
	"time"

	"github.com/danshapiro/foresta/internal/orchestrator"
)

// CycleStatus is returned by GET /cycles/{id}.
type CycleStatus struct {
	RunID        string               `json:"run_id"`
	Trigger      string               `json:"trigger"`
	State        string               `json:"state"`
	Day          int                  `json:"day,omitempty"`
	CurrentPhase string               `json:"current_phase,omitempty"`
	LastEvent    string               `json:"last_event,omitempty"`
	LastEventAt  *time.Time           `json:"last_event_at,omitempty"`
	StartedAt    time.Time            `json:"started_at"`
	Error        string               `json:"error,omitempty"`
	Result       *orchestrator.Result `json:"result,omitempty"`
}

// Run states reported by CycleStatus.
const (
	RunRunning  = "running"
	RunComplete = "complete"
	RunRefused  = "refused"
	RunFailed   = "failed"
)

// TriggerResponse is the POST /cycles reply for asynchronous runs.
type TriggerResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
