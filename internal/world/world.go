// Package world defines the Foresta domain model: the world clock, characters
// with their destinies and relationships, locations, events and the journal.
package world

import (
	"strings"
	"time"
)

const (
	// MaxAge is the age in days at which a character dies of old age.
	MaxAge = 100
	// HistoryLimit is the number of recent days kept per character.
	HistoryLimit = 5
)

// World is the singleton simulation clock.
type World struct {
	Day         int        `json:"day"`
	Paused      bool       `json:"paused"`
	LastCycleAt *time.Time `json:"last_cycle_at,omitempty"`
}

// Character is one inhabitant of the world.
type Character struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	Traits              []string       `json:"traits"`
	Location            string         `json:"location"`
	Age                 int            `json:"age"`
	Alive               bool           `json:"alive"`
	Destiny             *Destiny       `json:"destiny,omitempty"`
	History             []DayRecord    `json:"history"`
	Relationships       []Relationship `json:"relationships"`
	InConversation      bool           `json:"in_conversation"`
	InConversationSince *time.Time     `json:"in_conversation_since,omitempty"`
	LastAction          *ActionResult  `json:"last_action,omitempty"`
	LastActionDay       *int           `json:"last_action_day,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// DayRecord summarizes one day of a character's life.
type DayRecord struct {
	Day          int      `json:"day"`
	Action       string   `json:"action"`
	Location     string   `json:"location"`
	Interactions []string `json:"interactions"`
}

// Destiny is the hidden long-term arc assigned to a character.
type Destiny struct {
	EndState          string      `json:"end_state"`
	Inclination       string      `json:"inclination"`
	Milestones        []Milestone `json:"milestones"`
	LastRecalculation *int        `json:"last_recalculation,omitempty"`
}

// Milestone is a checkpoint on a destiny. Once reached it stays reached.
type Milestone struct {
	TargetDay   int    `json:"target_day"`
	Description string `json:"description"`
	Reached     bool   `json:"reached"`
}

// Clone returns a deep copy of d.
func (d *Destiny) Clone() *Destiny {
	if d == nil {
		return nil
	}
	out := *d
	out.Milestones = append([]Milestone(nil), d.Milestones...)
	if d.LastRecalculation != nil {
		v := *d.LastRecalculation
		out.LastRecalculation = &v
	}
	return &out
}

// Location is a named territory and the paths leading out of it.
type Location struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Connections []string `json:"connections"`
	State       string   `json:"state"`
}

// Reachable lists the location itself followed by its connections.
func (l Location) Reachable() []string {
	out := make([]string, 0, len(l.Connections)+1)
	out = append(out, l.Name)
	for _, c := range l.Connections {
		if c == l.Name {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Event is a world happening affecting a set of locations. The cycle only reads events.
type Event struct {
	ID                string    `json:"id"`
	Kind              string    `json:"kind"`
	Description       string    `json:"description"`
	AffectedLocations []string  `json:"affected_locations"`
	Active            bool      `json:"active"`
	Progress          float64   `json:"progress"`
	StartDay          int       `json:"start_day"`
	EndDay            *int      `json:"end_day,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Affects reports whether the event touches the named location.
func (e Event) Affects(location string) bool {
	for _, l := range e.AffectedLocations {
		if strings.EqualFold(l, location) {
			return true
		}
	}
	return false
}

// JournalEntry is the single per-day record of a completed cycle.
type JournalEntry struct {
	ID        string         `json:"id"`
	Day       int            `json:"day"`
	Summary   string         `json:"summary"`
	Degraded  bool           `json:"degraded"`
	Details   JournalDetails `json:"details"`
	Digest    string         `json:"digest"`
	CreatedAt time.Time      `json:"created_at"`
}

type JournalDetails struct {
	ProcessedCount   int             `json:"processed_count"`
	ActiveEventCount int             `json:"active_event_count"`
	Actions          []ActionSummary `json:"actions"`
}

type ActionSummary struct {
	Name     string `json:"name"`
	Action   string `json:"action"`
	Location string `json:"location"`
}
