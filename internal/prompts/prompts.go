// Package prompts renders the system and user prompts sent to the storyteller.
package prompts

import (
	"bytes"
	"embed"
	"strings"
	"text/template"

	"github.com/danshapiro/foresta/internal/world"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var tmpl = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

func render(name string, data any) string {
	var buf bytes.Buffer
	_ = tmpl.ExecuteTemplate(&buf, name, data)
	return strings.TrimSpace(buf.String())
}

// ActionInput is what a character perceives on the day it decides.
type ActionInput struct {
	Day       int
	Character world.Character
	Location  world.Location
	Present   []world.Character
	Reachable []string
	Events    []world.Event
}

type presentView struct {
	Name   string
	Traits string
}

// ActionSystem is the role prompt for a daily action decision.
func ActionSystem() string { return render("action_system.tmpl", nil) }

// ActionUser describes the character's situation for the day.
func ActionUser(in ActionInput) string {
	present := make([]presentView, 0, len(in.Present))
	for _, p := range in.Present {
		present = append(present, presentView{Name: p.Name, Traits: joinTraits(p.Traits, 2)})
	}
	var paths []string
	for _, r := range in.Reachable {
		if r != in.Character.Location {
			paths = append(paths, r)
		}
	}
	events := make([]string, 0, len(in.Events))
	for _, e := range in.Events {
		events = append(events, e.Description)
	}
	recent := in.Character.History
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}
	location := in.Location.Name
	if location == "" {
		location = in.Character.Location
	}
	return render("action_user.tmpl", map[string]any{
		"Day":                 in.Day,
		"Name":                in.Character.Name,
		"Traits":              joinTraits(in.Character.Traits, 0),
		"Age":                 in.Character.Age,
		"Location":            location,
		"LocationDescription": in.Location.Description,
		"Present":             present,
		"Paths":               paths,
		"Events":              events,
		"Recent":              recent,
	})
}

// DestinyCreateSystem is the role prompt for weaving a newborn's destiny.
func DestinyCreateSystem() string { return render("destiny_create_system.tmpl", nil) }

func DestinyCreateUser(c world.Character) string {
	return render("destiny_create_user.tmpl", map[string]any{
		"Name":     c.Name,
		"Traits":   joinTraits(c.Traits, 0),
		"Location": c.Location,
	})
}

// DestinyRecalcSystem is the role prompt for re-weaving a destiny.
func DestinyRecalcSystem() string { return render("destiny_recalc_system.tmpl", nil) }

// DestinyRecalcUser describes the old destiny and recent behaviour. reason is
// a recalculation trigger name such as "milestone_missed".
func DestinyRecalcUser(c world.Character, reason string) string {
	data := map[string]any{
		"Name":        c.Name,
		"Reason":      ReasonText(reason),
		"Traits":      joinTraits(c.Traits, 0),
		"Age":         c.Age,
		"Location":    c.Location,
		"EndState":    "unknown",
		"Inclination": "unknown",
		"Milestones":  []world.Milestone(nil),
		"Recent":      c.History,
	}
	if c.Destiny != nil {
		data["EndState"] = c.Destiny.EndState
		data["Inclination"] = c.Destiny.Inclination
		data["Milestones"] = c.Destiny.Milestones
	}
	return render("destiny_recalc_user.tmpl", data)
}

// ReasonText turns a trigger name into the sentence shown to the storyteller.
func ReasonText(reason string) string {
	switch reason {
	case "milestone_missed":
		return "An important milestone was missed"
	case "deviation_threshold":
		return "The character drifted significantly from their inclination"
	default:
		return reason
	}
}

// SummaryLine is one inhabitant's contribution to the day.
type SummaryLine struct {
	Name      string
	Traits    []string
	Narrative string
}

type SummaryInput struct {
	Day          int
	Lines        []SummaryLine
	ActiveEvents int
	Degraded     bool
}

// SummarySystem is the role prompt for the daily chronicle.
func SummarySystem() string { return render("summary_system.tmpl", nil) }

func SummaryUser(in SummaryInput) string {
	lines := make([]map[string]string, 0, len(in.Lines))
	for _, l := range in.Lines {
		lines = append(lines, map[string]string{
			"Name":      l.Name,
			"Traits":    joinTraits(l.Traits, 2),
			"Narrative": l.Narrative,
		})
	}
	return render("summary_user.tmpl", map[string]any{
		"Day":          in.Day,
		"Lines":        lines,
		"ActiveEvents": in.ActiveEvents,
		"Degraded":     in.Degraded,
	})
}

// joinTraits joins up to limit traits; limit 0 means all of them.
func joinTraits(traits []string, limit int) string {
	if limit > 0 && len(traits) > limit {
		traits = traits[:limit]
	}
	return strings.Join(traits, ", ")
}
