// Package validate checks generated JSON against the action, destiny and
// summary contracts before any of it reaches the world.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/danshapiro/foresta/internal/world"
)

// Kind names the contract that was checked.
type Kind string

const (
	KindJSON    Kind = "json"
	KindAction  Kind = "action"
	KindDestiny Kind = "destiny"
	KindSummary Kind = "summary"
)

// ValidationError is a hard rejection carrying every violated constraint.
type ValidationError struct {
	Kind       Kind
	Violations []string
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return fmt.Sprintf("invalid %s response", e.Kind)
	}
	return fmt.Sprintf("invalid %s response: %s", e.Kind, strings.Join(e.Violations, "; "))
}

// Result is the tagged outcome of a boundary check: Value is only meaningful
// when Violations is empty.
type Result[T any] struct {
	Value      T
	Violations []string
}

func (r Result[T]) OK() bool { return len(r.Violations) == 0 }

// Unwrap converts the result into the (value, error) form used by callers.
func (r Result[T]) Unwrap(kind Kind) (T, error) {
	if !r.OK() {
		var zero T
		return zero, &ValidationError{Kind: kind, Violations: r.Violations}
	}
	return r.Value, nil
}

var objectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// Clean strips markdown fences and narrows text to its outermost {...} span.
func Clean(text string) string {
	s := strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(s, "```json"):
		s = s[len("```json"):]
	case strings.HasPrefix(s, "```"):
		s = s[len("```"):]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	s = strings.TrimSpace(s)
	if m := objectPattern.FindString(s); m != "" {
		s = m
	}
	return s
}

// ParseJSON decodes generated text into a generic JSON value.
func ParseJSON(text string) (any, error) {
	cleaned := Clean(text)
	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &ValidationError{Kind: KindJSON, Violations: []string{"unparseable JSON: " + err.Error()}}
	}
	return v, nil
}

type actionPayload struct {
	Action    string  `json:"action"`
	Location  string  `json:"location"`
	Target    *string `json:"target"`
	Narrative string  `json:"narrative"`
}

// CheckAction validates a generated action. The location must be one of
// reachable; a target outside present is dropped rather than rejected.
func CheckAction(raw any, reachable, present []string) Result[world.ActionResult] {
	if v := schemaViolations(actionContract, raw); len(v) > 0 {
		return Result[world.ActionResult]{Violations: v}
	}
	var p actionPayload
	if err := decodeInto(raw, &p); err != nil {
		return Result[world.ActionResult]{Violations: []string{err.Error()}}
	}
	var violations []string
	for field, val := range map[string]string{"action": p.Action, "location": p.Location, "narrative": p.Narrative} {
		if strings.TrimSpace(val) == "" {
			violations = append(violations, "/"+field+": must not be blank")
		}
	}
	if len(violations) == 0 && !slices.Contains(reachable, p.Location) {
		violations = append(violations, fmt.Sprintf("/location: %q is not reachable (reachable: %s)", p.Location, strings.Join(reachable, ", ")))
	}
	if len(violations) > 0 {
		sort.Strings(violations)
		return Result[world.ActionResult]{Violations: violations}
	}
	out := world.ActionResult{
		Action:    strings.TrimSpace(p.Action),
		Location:  p.Location,
		Narrative: strings.TrimSpace(p.Narrative),
		Source:    world.SourceLLM,
	}
	if p.Target != nil && slices.Contains(present, *p.Target) {
		out.Target = *p.Target
	}
	return Result[world.ActionResult]{Value: out}
}

// Action is CheckAction returning a *ValidationError on rejection.
func Action(raw any, reachable, present []string) (world.ActionResult, error) {
	return CheckAction(raw, reachable, present).Unwrap(KindAction)
}

// StayInPlace is the canned action used when a generated action is rejected.
func StayInPlace(name, location string) world.ActionResult {
	return world.ActionResult{
		Action:    "stay",
		Location:  location,
		Narrative: name + " stays put, undecided.",
		Source:    world.SourceTemplate,
	}
}

// ActionWithFallback never fails: a rejected action becomes StayInPlace. The
// violations are returned so the caller can log them.
func ActionWithFallback(raw any, reachable, present []string, name, currentLocation string) (world.ActionResult, []string) {
	r := CheckAction(raw, reachable, present)
	if !r.OK() {
		return StayInPlace(name, currentLocation), r.Violations
	}
	return r.Value, nil
}

type destinyPayload struct {
	EndState    string `json:"end_state"`
	Inclination string `json:"inclination"`
	Milestones  []struct {
		TargetDay   int    `json:"target_day"`
		Description string `json:"description"`
	} `json:"milestones"`
}

// CheckDestiny validates a generated destiny. Accepted milestones are sorted by
// target day and start unreached; LastRecalculation is left unset.
func CheckDestiny(raw any) Result[world.Destiny] {
	if v := schemaViolations(destinyContract, raw); len(v) > 0 {
		return Result[world.Destiny]{Violations: v}
	}
	var p destinyPayload
	if err := decodeInto(raw, &p); err != nil {
		return Result[world.Destiny]{Violations: []string{err.Error()}}
	}
	var violations []string
	if strings.TrimSpace(p.EndState) == "" {
		violations = append(violations, "/end_state: must not be blank")
	}
	if strings.TrimSpace(p.Inclination) == "" {
		violations = append(violations, "/inclination: must not be blank")
	}
	milestones := make([]world.Milestone, 0, len(p.Milestones))
	for i, m := range p.Milestones {
		if strings.TrimSpace(m.Description) == "" {
			violations = append(violations, fmt.Sprintf("/milestones/%d/description: must not be blank", i))
			continue
		}
		milestones = append(milestones, world.Milestone{
			TargetDay:   m.TargetDay,
			Description: strings.TrimSpace(m.Description),
		})
	}
	if len(violations) > 0 {
		return Result[world.Destiny]{Violations: violations}
	}
	SortMilestones(milestones)
	return Result[world.Destiny]{Value: world.Destiny{
		EndState:    strings.TrimSpace(p.EndState),
		Inclination: strings.TrimSpace(p.Inclination),
		Milestones:  milestones,
	}}
}

// Destiny is CheckDestiny returning a *ValidationError on rejection.
func Destiny(raw any) (world.Destiny, error) {
	return CheckDestiny(raw).Unwrap(KindDestiny)
}

// SortMilestones orders milestones by target day, keeping the relative order
// of milestones that share a day.
func SortMilestones(ms []world.Milestone) {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].TargetDay < ms[j].TargetDay })
}

type summaryPayload struct {
	Summary string `json:"summary"`
}

// CheckSummary validates a generated day summary.
func CheckSummary(raw any) Result[string] {
	if v := schemaViolations(summaryContract, raw); len(v) > 0 {
		return Result[string]{Violations: v}
	}
	var p summaryPayload
	if err := decodeInto(raw, &p); err != nil {
		return Result[string]{Violations: []string{err.Error()}}
	}
	s := strings.TrimSpace(p.Summary)
	if s == "" {
		return Result[string]{Violations: []string{"/summary: must not be blank"}}
	}
	return Result[string]{Value: s}
}

// Summary is CheckSummary returning a *ValidationError on rejection.
func Summary(raw any) (string, error) {
	return CheckSummary(raw).Unwrap(KindSummary)
}

func decodeInto(raw any, dst any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("re-encode: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
