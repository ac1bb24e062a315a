package world

import (
	"math"
	"strings"
)

// Source identifies which decision path produced an action.
type Source string

const (
	SourceLLM      Source = "llm"
	SourceTemplate Source = "template"
)

// ActionResult is one character's decision for the day.
type ActionResult struct {
	Action    string `json:"action"`
	Location  string `json:"location"`
	Target    string `json:"target,omitempty"`
	Narrative string `json:"narrative"`
	Source    Source `json:"source"`
}

// RelationshipKind classifies a relationship.
type RelationshipKind string

const (
	Acquaintance RelationshipKind = "acquaintance"
	Friend       RelationshipKind = "friend"
	Rival        RelationshipKind = "rival"
)

const (
	initialIntensity = 0.3
	intensityStep    = 0.1
	friendshipAbove  = 0.5
	maxIntensity     = 1.0
)

// Relationship is a directed bond from one character to another.
type Relationship struct {
	TargetID   string           `json:"target_id"`
	TargetName string           `json:"target_name"`
	Kind       RelationshipKind `json:"kind"`
	Intensity  float64          `json:"intensity"`
}

// RecordInteraction returns rels updated for one interaction with target.
// A new relationship starts as an acquaintance at 0.3; an existing one gains
// 0.1 (capped at 1.0) and an acquaintance becomes a friend once its
// intensity exceeds 0.5.
func RecordInteraction(rels []Relationship, targetID, targetName string) []Relationship {
	out := append([]Relationship(nil), rels...)
	for i := range out {
		if out[i].TargetID != targetID {
			continue
		}
		out[i].Intensity = math.Round((out[i].Intensity+intensityStep)*100) / 100
		if out[i].Intensity > maxIntensity {
			out[i].Intensity = maxIntensity
		}
		if out[i].Intensity > friendshipAbove && out[i].Kind == Acquaintance {
			out[i].Kind = Friend
		}
		return out
	}
	return append(out, Relationship{
		TargetID:   targetID,
		TargetName: targetName,
		Kind:       Acquaintance,
		Intensity:  initialIntensity,
	})
}

// ApplyOutcome returns c after living one day with the given action: it moves
// to the action's location, remembers the action, appends a history record,
// ages by one day and dies once MaxAge is reached.
func ApplyOutcome(c Character, action ActionResult, day int) Character {
	out := c
	a := action
	d := day
	out.LastAction = &a
	out.LastActionDay = &d
	if strings.TrimSpace(action.Location) != "" {
		out.Location = action.Location
	}

	rec := DayRecord{Day: day, Action: action.Action, Location: out.Location, Interactions: []string{}}
	if action.Target != "" {
		rec.Interactions = []string{action.Target}
	}
	out.History = AppendHistory(c.History, rec)

	out.Age = c.Age + 1
	if out.Age >= MaxAge {
		out.Alive = false
	}
	return out
}

// AppendHistory appends rec and keeps only the most recent HistoryLimit days.
func AppendHistory(history []DayRecord, rec DayRecord) []DayRecord {
	out := append(append([]DayRecord(nil), history...), rec)
	if len(out) > HistoryLimit {
		out = out[len(out)-HistoryLimit:]
	}
	return out
}

// HasTrait reports whether c carries trait, ignoring case.
func (c Character) HasTrait(trait string) bool {
	for _, t := range c.Traits {
		if strings.EqualFold(strings.TrimSpace(t), trait) {
			return true
		}
	}
	return false
}
