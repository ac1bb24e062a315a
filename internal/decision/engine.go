// Package decision picks each character's action for the day, either by asking
// the storyteller or by drawing from weighted templates.
package decision

import (
	"context"
	"errors"
	"io"
	"log"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/danshapiro/foresta/internal/prompts"
	"github.com/danshapiro/foresta/internal/validate"
	"github.com/danshapiro/foresta/internal/world"
)

const (
	baseTemplateChance = 0.3
	noDestinyBonus     = 0.1
	youngAgeBonus      = 0.1
	youngAge           = 10
	exploreMoveAbove   = 0.5
)

// Generator asks the storyteller for a JSON answer.
type Generator interface {
	GenerateJSON(ctx context.Context, system, user string) (string, error)
}

// Context is everything a character perceives when deciding. Present holds
// the other living characters at the same location; Reachable is the current
// location followed by its connections.
type Context struct {
	Day       int
	Character world.Character
	Location  world.Location
	Present   []world.Character
	Reachable []string
	Events    []world.Event
}

func (c Context) presentNames() []string {
	out := make([]string, 0, len(c.Present))
	for _, p := range c.Present {
		out = append(out, p.Name)
	}
	return out
}

type Options struct {
	// Rand drives path selection and template draws. Defaults to a
	// time-seeded source.
	Rand   *rand.Rand
	Logger *log.Logger
}

// Engine decides actions. It is safe for concurrent use.
type Engine struct {
	gen    Generator
	logger *log.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New returns an engine. A nil gen restricts the engine to the template path.
func New(gen Generator, opts Options) *Engine {
	rng := opts.Rand
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Engine{gen: gen, rng: rng, logger: logger}
}

func (e *Engine) float64() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64()
}

func (e *Engine) intN(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.IntN(n)
}

// TemplateChance is the probability that c decides from templates: 0.3, plus
// 0.1 without a destiny, plus 0.1 while younger than 10 days.
func TemplateChance(c world.Character) float64 {
	p := baseTemplateChance
	if c.Destiny == nil {
		p += noDestinyBonus
	}
	if c.Age < youngAge {
		p += youngAgeBonus
	}
	return p
}

// ShouldUseTemplate draws the path for c.
func (e *Engine) ShouldUseTemplate(c world.Character) bool {
	return e.float64() < TemplateChance(c)
}

// Template draws a template action for c. Exploring moves the character to a
// random other reachable location half of the time.
func (e *Engine) Template(c world.Character, reachable []string) world.ActionResult {
	t := e.draw(Weights(c.Traits))
	narrative := t.narratives[e.intN(len(t.narratives))]
	location := c.Location
	if t.category == Explore && e.float64() > exploreMoveAbove {
		var others []string
		for _, l := range reachable {
			if l != c.Location {
				others = append(others, l)
			}
		}
		if len(others) > 0 {
			location = others[e.intN(len(others))]
		}
	}
	return world.ActionResult{
		Action:    string(t.category),
		Location:  location,
		Narrative: strings.Replace(narrative, "{name}", c.Name, 1),
		Source:    world.SourceTemplate,
	}
}

func (e *Engine) draw(weights map[Category]float64) template {
	var total float64
	for _, t := range templates {
		total += weights[t.category]
	}
	if total <= 0 {
		return templates[0]
	}
	r := e.float64() * total
	for _, t := range templates {
		w := weights[t.category]
		if r < w {
			return t
		}
		r -= w
	}
	return templates[0]
}

// Decide produces exactly one action for the character. Storyteller failures
// never surface: transport errors fall back to a template draw and a rejected
// answer becomes the canned stay-in-place action. Only a cancelled context is
// returned as an error.
func (e *Engine) Decide(ctx context.Context, dc Context, degraded bool) (world.ActionResult, error) {
	if err := ctx.Err(); err != nil {
		return world.ActionResult{}, err
	}
	c := dc.Character
	if degraded || e.gen == nil || e.ShouldUseTemplate(c) {
		return e.Template(c, dc.Reachable), nil
	}

	text, err := e.gen.GenerateJSON(ctx, prompts.ActionSystem(), prompts.ActionUser(prompts.ActionInput{
		Day:       dc.Day,
		Character: c,
		Location:  dc.Location,
		Present:   dc.Present,
		Reachable: dc.Reachable,
		Events:    dc.Events,
	}))
	if err == nil {
		var raw any
		raw, err = validate.ParseJSON(text)
		if err == nil {
			action, violations := validate.ActionWithFallback(raw, dc.Reachable, dc.presentNames(), c.Name, c.Location)
			if len(violations) > 0 {
				e.logger.Printf("action for %s rejected, staying in place: %s", c.Name, strings.Join(violations, "; "))
			}
			return action, nil
		}
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return world.ActionResult{}, ctx.Err()
	}
	e.logger.Printf("storyteller failed for %s, using template: %v", c.Name, err)
	return e.Template(c, dc.Reachable), nil
}
