// Package destiny weaves, scores and re-weaves character destinies.
package destiny

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/danshapiro/foresta/internal/prompts"
	"github.com/danshapiro/foresta/internal/validate"
	"github.com/danshapiro/foresta/internal/world"
)

// Generator asks the storyteller for a JSON answer.
type Generator interface {
	GenerateJSON(ctx context.Context, system, user string) (string, error)
}

// Store persists destinies.
type Store interface {
	UpdateDestiny(ctx context.Context, id string, d *world.Destiny) error
}

type Engine struct {
	gen    Generator
	store  Store
	logger *log.Logger
}

func New(gen Generator, store Store, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Engine{gen: gen, store: store, logger: logger}
}

func (e *Engine) generate(ctx context.Context, system, user string) (world.Destiny, error) {
	if e.gen == nil {
		return world.Destiny{}, fmt.Errorf("destiny: no storyteller configured")
	}
	text, err := e.gen.GenerateJSON(ctx, system, user)
	if err != nil {
		return world.Destiny{}, err
	}
	raw, err := validate.ParseJSON(text)
	if err != nil {
		return world.Destiny{}, err
	}
	return validate.Destiny(raw)
}

// Create weaves a destiny for a newborn character and persists it.
func (e *Engine) Create(ctx context.Context, c world.Character) (*world.Destiny, error) {
	d, err := e.generate(ctx, prompts.DestinyCreateSystem(), prompts.DestinyCreateUser(c))
	if err != nil {
		return nil, fmt.Errorf("create destiny for %s: %w", c.Name, err)
	}
	d.LastRecalculation = nil
	if err := e.store.UpdateDestiny(ctx, c.ID, &d); err != nil {
		return nil, fmt.Errorf("save destiny for %s: %w", c.Name, err)
	}
	e.logger.Printf("destiny woven for %s: %d milestone(s)", c.Name, len(d.Milestones))
	return &d, nil
}

// Recalculate re-weaves c's destiny for the given reason on day. Milestones
// already reached are kept; of the new milestones only those still ahead of
// day are added.
func (e *Engine) Recalculate(ctx context.Context, c world.Character, reason Trigger, day int) (*world.Destiny, error) {
	d, err := e.generate(ctx, prompts.DestinyRecalcSystem(), prompts.DestinyRecalcUser(c, string(reason)))
	if err != nil {
		return nil, fmt.Errorf("recalculate destiny for %s: %w", c.Name, err)
	}
	merged := Merge(c.Destiny, d, day)
	if err := e.store.UpdateDestiny(ctx, c.ID, merged); err != nil {
		return nil, fmt.Errorf("save destiny for %s: %w", c.Name, err)
	}
	e.logger.Printf("destiny of %s recalculated on day %d (%s)", c.Name, day, reason)
	return merged, nil
}

// Merge combines the reached milestones of old with the future milestones of
// next and stamps the recalculation day.
func Merge(old *world.Destiny, next world.Destiny, day int) *world.Destiny {
	out := next
	if old != nil {
		var ms []world.Milestone
		for _, m := range old.Milestones {
			if m.Reached {
				ms = append(ms, m)
			}
		}
		for _, m := range next.Milestones {
			if m.TargetDay > day {
				ms = append(ms, m)
			}
		}
		out.Milestones = ms
	}
	if out.Milestones == nil {
		out.Milestones = []world.Milestone{}
	}
	validate.SortMilestones(out.Milestones)
	d := day
	out.LastRecalculation = &d
	return &out
}

// MarkMilestoneReached flags milestone index of c's destiny and persists the
// result. A reached milestone never reverts.
func (e *Engine) MarkMilestoneReached(ctx context.Context, c world.Character, index int) (*world.Destiny, error) {
	if c.Destiny == nil {
		return nil, fmt.Errorf("mark milestone for %s: character has no destiny", c.Name)
	}
	if index < 0 || index >= len(c.Destiny.Milestones) {
		return nil, fmt.Errorf("mark milestone for %s: index %d out of range", c.Name, index)
	}
	d := c.Destiny.Clone()
	d.Milestones[index].Reached = true
	if err := e.store.UpdateDestiny(ctx, c.ID, d); err != nil {
		return nil, fmt.Errorf("save destiny for %s: %w", c.Name, err)
	}
	e.logger.Printf("%s reached milestone %q", c.Name, d.Milestones[index].Description)
	return d, nil
}
