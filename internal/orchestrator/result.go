package orchestrator

import "github.com/danshapiro/foresta/internal/world"

// State is the position of a cycle in its lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateCollecting State = "collecting"
	StateAnalyzed   State = "analyzed"
	StateExecuted   State = "executed"
	StateResolved   State = "resolved"
	StateNotified   State = "notified"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
)

// Phase names one step of the day cycle.
type Phase string

const (
	PhaseCollect Phase = "collect"
	PhaseAnalyze Phase = "analyze"
	PhaseExecute Phase = "execute"
	PhaseResolve Phase = "resolve"
	PhaseNotify  Phase = "notify"
	PhaseLog     Phase = "log"
)

// Refusal messages for cycles that never start their phases.
const (
	ReasonPaused           = "world paused"
	ReasonBusy             = "busy"
	ReasonAlreadyProcessed = "already processed"
)

// SkipReason explains why a character produced no decision.
type SkipReason string

const (
	SkipInConversation   SkipReason = "in_conversation"
	SkipAlreadyProcessed SkipReason = "already_processed"
	SkipError            SkipReason = "error"
)

// Result is the structured outcome of one RunCycle call.
type Result struct {
	Success  bool           `json:"success"`
	Day      int            `json:"day"`
	State    State          `json:"state"`
	Degraded bool           `json:"degraded"`
	Error    string         `json:"error,omitempty"`
	LockID   string         `json:"lock_id,omitempty"`
	Collect  *CollectOutput `json:"collect,omitempty"`
	Analyze  *AnalyzeOutput `json:"analyze,omitempty"`
	Execute  *ExecuteOutput `json:"execute,omitempty"`
	Resolve  *ResolveOutput `json:"resolve,omitempty"`
	Notify   *NotifyOutput  `json:"notify,omitempty"`
	Log      *LogOutput     `json:"log,omitempty"`
}

type CollectOutput struct {
	Characters []world.Character         `json:"-"`
	Locations  map[string]world.Location `json:"-"`
	Events     []world.Event             `json:"-"`

	CharacterCount int `json:"character_count"`
	LocationCount  int `json:"location_count"`
	EventCount     int `json:"event_count"`
}

// Tension pairs an active event with the characters standing in its way.
type Tension struct {
	EventID    string   `json:"event_id"`
	EventKind  string   `json:"event_kind"`
	Characters []string `json:"characters"`
}

type AnalyzeOutput struct {
	Tensions       []Tension `json:"tensions"`
	ToProcess      []string  `json:"to_process"`
	InConversation []string  `json:"in_conversation"`
}

// Decision is one character's chosen action together with the context it was
// chosen in.
type Decision struct {
	CharacterID string             `json:"character_id"`
	Name        string             `json:"name"`
	Action      world.ActionResult `json:"action"`

	character world.Character
	present   []world.Character
}

type Skip struct {
	CharacterID string     `json:"character_id"`
	Name        string     `json:"name"`
	Reason      SkipReason `json:"reason"`
	Detail      string     `json:"detail,omitempty"`
}

type ExecuteOutput struct {
	Decisions []Decision `json:"decisions"`
	Skipped   []Skip     `json:"skipped"`
}

// Outcome is the persisted effect of a decision on its character.
type Outcome struct {
	CharacterID string `json:"character_id"`
	Name        string `json:"name"`
	Location    string `json:"location"`
	Age         int    `json:"age"`
	Died        bool   `json:"died,omitempty"`
}

type RelationshipUpdate struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type MilestoneReached struct {
	CharacterID string `json:"character_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Recalculation struct {
	CharacterID string `json:"character_id"`
	Name        string `json:"name"`
	Reason      string `json:"reason"`
	Applied     bool   `json:"applied"`
	EndState    string `json:"end_state,omitempty"`
}

type ResolveOutput struct {
	Outcomes       []Outcome            `json:"outcomes"`
	Relationships  []RelationshipUpdate `json:"relationships"`
	Milestones     []MilestoneReached   `json:"milestones"`
	Recalculations []Recalculation      `json:"recalculations"`
	Failures       []Skip               `json:"failures"`
}

type NotifyOutput struct {
	Summary string `json:"summary"`
	Message string `json:"message"`
	Sent    bool   `json:"sent"`
	Error   string `json:"error,omitempty"`
}

type LogOutput struct {
	JournalID string `json:"journal_id"`
	Digest    string `json:"digest"`
	Updated   int    `json:"updated"`
}
