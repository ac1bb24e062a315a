package orchestrator

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/danshapiro/foresta/internal/decision"
	"github.com/danshapiro/foresta/internal/destiny"
	"github.com/danshapiro/foresta/internal/prompts"
	"github.com/danshapiro/foresta/internal/storage"
	"github.com/danshapiro/foresta/internal/validate"
	"github.com/danshapiro/foresta/internal/world"
)

// cycle carries the state shared by the phases of one run.
type cycle struct {
	o        *Orchestrator
	day      int
	lock     *world.CycleLock
	degraded bool
}

func (c *cycle) collect(ctx context.Context, res *Result) (map[string]any, error) {
	chars, err := c.o.store.ListLivingCharacters(ctx)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	locs, err := c.o.store.ListLocations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	events, err := c.o.store.ListActiveEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	byName := make(map[string]world.Location, len(locs))
	for _, l := range locs {
		byName[l.Name] = l
	}
	res.Collect = &CollectOutput{
		Characters:     chars,
		Locations:      byName,
		Events:         events,
		CharacterCount: len(chars),
		LocationCount:  len(byName),
		EventCount:     len(events),
	}
	return map[string]any{"characters": len(chars), "locations": len(byName), "events": len(events)}, nil
}

func (c *cycle) analyze(_ context.Context, res *Result) (map[string]any, error) {
	in := res.Collect
	out := &AnalyzeOutput{Tensions: []Tension{}, ToProcess: []string{}, InConversation: []string{}}
	for _, ev := range in.Events {
		var names []string
		for _, ch := range in.Characters {
			if ev.Affects(ch.Location) {
				names = append(names, ch.Name)
			}
		}
		if len(names) > 0 {
			out.Tensions = append(out.Tensions, Tension{EventID: ev.ID, EventKind: ev.Kind, Characters: names})
		}
	}
	for _, ch := range in.Characters {
		if ch.InConversation {
			out.InConversation = append(out.InConversation, ch.ID)
			continue
		}
		out.ToProcess = append(out.ToProcess, ch.ID)
	}
	res.Analyze = out
	return map[string]any{"tensions": len(out.Tensions), "to_process": len(out.ToProcess)}, nil
}

func (c *cycle) execute(ctx context.Context, res *Result) (map[string]any, error) {
	in := res.Collect
	out := &ExecuteOutput{Decisions: []Decision{}, Skipped: []Skip{}}
	res.Execute = out

	skip := func(ch world.Character, reason SkipReason, detail string) {
		out.Skipped = append(out.Skipped, Skip{CharacterID: ch.ID, Name: ch.Name, Reason: reason, Detail: detail})
		c.o.emit(map[string]any{"event": "character_skipped", "day": c.day, "character": ch.Name, "reason": string(reason)})
		if detail != "" {
			c.o.logger.Printf("skipped %s (%s): %s", ch.Name, reason, detail)
		}
	}

	for _, ch := range in.Characters {
		if ch.InConversation {
			skip(ch, SkipInConversation, "")
			continue
		}
		done, err := c.o.locks.IsProcessed(ctx, c.lock.ID, ch.ID)
		if err != nil {
			skip(ch, SkipError, err.Error())
			continue
		}
		if done {
			skip(ch, SkipAlreadyProcessed, "")
			continue
		}

		dc := c.contextFor(ch, in)
		action, err := c.o.decisions.Decide(ctx, dc, c.degraded)
		if err != nil {
			skip(ch, SkipError, err.Error())
			continue
		}
		if err := c.o.locks.MarkProcessed(ctx, c.lock.ID, ch.ID); err != nil {
			skip(ch, SkipError, err.Error())
			continue
		}
		out.Decisions = append(out.Decisions, Decision{
			CharacterID: ch.ID,
			Name:        ch.Name,
			Action:      action,
			character:   ch,
			present:     dc.Present,
		})
	}
	return map[string]any{"decisions": len(out.Decisions), "skipped": len(out.Skipped)}, nil
}

func (c *cycle) contextFor(ch world.Character, in *CollectOutput) decision.Context {
	loc, ok := in.Locations[ch.Location]
	if !ok {
		loc = world.Location{Name: ch.Location}
	}
	var present []world.Character
	for _, other := range in.Characters {
		if other.ID != ch.ID && strings.EqualFold(other.Location, ch.Location) {
			present = append(present, other)
		}
	}
	var events []world.Event
	for _, ev := range in.Events {
		if ev.Affects(ch.Location) {
			events = append(events, ev)
		}
	}
	return decision.Context{
		Day:       c.day,
		Character: ch,
		Location:  loc,
		Present:   present,
		Reachable: loc.Reachable(),
		Events:    events,
	}
}

func (c *cycle) resolve(ctx context.Context, res *Result) (map[string]any, error) {
	out := &ResolveOutput{
		Outcomes:       []Outcome{},
		Relationships:  []RelationshipUpdate{},
		Milestones:     []MilestoneReached{},
		Recalculations: []Recalculation{},
		Failures:       []Skip{},
	}
	res.Resolve = out
	for _, d := range res.Execute.Decisions {
		if err := c.resolveOne(ctx, d, out); err != nil {
			c.o.logger.Printf("resolve %s: %v", d.Name, err)
			out.Failures = append(out.Failures, Skip{CharacterID: d.CharacterID, Name: d.Name, Reason: SkipError, Detail: err.Error()})
		}
	}
	return map[string]any{
		"outcomes":       len(out.Outcomes),
		"relationships":  len(out.Relationships),
		"milestones":     len(out.Milestones),
		"recalculations": len(out.Recalculations),
		"failures":       len(out.Failures),
	}, nil
}

func (c *cycle) resolveOne(ctx context.Context, d Decision, out *ResolveOutput) error {
	store := c.o.store
	updated := world.ApplyOutcome(d.character, d.Action, c.day)
	if err := store.SaveOutcome(ctx, updated); err != nil {
		return fmt.Errorf("save outcome: %w", err)
	}
	out.Outcomes = append(out.Outcomes, Outcome{
		CharacterID: d.CharacterID,
		Name:        d.Name,
		Location:    updated.Location,
		Age:         updated.Age,
		Died:        !updated.Alive,
	})

	if d.Action.Target != "" {
		if target, ok := findByName(d.present, d.Action.Target); ok {
			if err := c.relate(ctx, d.CharacterID, target.ID, target.Name); err != nil {
				return err
			}
			if err := c.relate(ctx, target.ID, d.CharacterID, d.Name); err != nil {
				return err
			}
			out.Relationships = append(out.Relationships, RelationshipUpdate{From: d.Name, To: target.Name})
		}
	}

	if !updated.Alive {
		c.o.logger.Printf("%s died of old age on day %d", d.Name, c.day)
		return nil
	}

	fresh, err := store.GetCharacter(ctx, d.CharacterID)
	if err != nil {
		return fmt.Errorf("reload character: %w", err)
	}
	if idx, ok := destiny.CheckMilestone(fresh, c.day, d.Action.Action, d.Action.Location); ok {
		desc := fresh.Destiny.Milestones[idx].Description
		nd, err := c.o.destinies.MarkMilestoneReached(ctx, fresh, idx)
		if err != nil {
			return fmt.Errorf("mark milestone: %w", err)
		}
		fresh.Destiny = nd
		out.Milestones = append(out.Milestones, MilestoneReached{CharacterID: d.CharacterID, Name: d.Name, Description: desc})
	}

	trigger := destiny.ShouldRecalculate(fresh, c.day)
	if trigger == destiny.NoTrigger {
		return nil
	}
	rec := Recalculation{CharacterID: d.CharacterID, Name: d.Name, Reason: string(trigger)}
	if c.degraded {
		c.o.logger.Printf("destiny recalculation for %s deferred: degraded mode", d.Name)
	} else if nd, err := c.o.destinies.Recalculate(ctx, fresh, trigger, c.day); err != nil {
		c.o.logger.Printf("destiny recalculation for %s skipped: %v", d.Name, err)
	} else {
		rec.Applied = true
		rec.EndState = nd.EndState
	}
	out.Recalculations = append(out.Recalculations, rec)
	return nil
}

// relate records one interaction on the from character's relationship list,
// reading the stored list first so earlier updates in the same cycle count.
func (c *cycle) relate(ctx context.Context, fromID, toID, toName string) error {
	from, err := c.o.store.GetCharacter(ctx, fromID)
	if err != nil {
		return fmt.Errorf("load %s for relationship: %w", fromID, err)
	}
	rels := world.RecordInteraction(from.Relationships, toID, toName)
	if err := c.o.store.UpdateRelationships(ctx, fromID, rels); err != nil {
		return fmt.Errorf("update relationships of %s: %w", from.Name, err)
	}
	return nil
}

func findByName(chars []world.Character, name string) (world.Character, bool) {
	for _, ch := range chars {
		if strings.EqualFold(ch.Name, name) {
			return ch, true
		}
	}
	return world.Character{}, false
}

func (c *cycle) notify(ctx context.Context, res *Result) (map[string]any, error) {
	summary := c.summarize(ctx, res)
	emoji := "☀️"
	if c.degraded {
		emoji = "⚠️"
	}
	out := &NotifyOutput{
		Summary: summary,
		Message: fmt.Sprintf("%s **Day %d**\n\n%s", emoji, c.day, summary),
	}
	res.Notify = out
	if c.o.notifier == nil {
		return map[string]any{"sent": false}, nil
	}
	if err := c.o.notifier.Notify(ctx, out.Message); err != nil {
		out.Error = err.Error()
		c.o.logger.Printf("notification for day %d: %v", c.day, err)
	} else {
		out.Sent = true
	}
	return map[string]any{"sent": out.Sent}, nil
}

func (c *cycle) summarize(ctx context.Context, res *Result) string {
	decisions := res.Execute.Decisions
	if c.degraded || len(decisions) == 0 || c.o.storyteller == nil {
		note := ""
		if c.degraded {
			note = " (degraded mode)"
		}
		return fmt.Sprintf("Day %d at Foresta%s. %d inhabitants lived their day.", c.day, note, len(decisions))
	}
	in := prompts.SummaryInput{Day: c.day, ActiveEvents: len(res.Collect.Events), Degraded: c.degraded}
	for _, d := range decisions {
		in.Lines = append(in.Lines, prompts.SummaryLine{Name: d.Name, Traits: d.character.Traits, Narrative: d.Action.Narrative})
	}
	fallback := fmt.Sprintf("Day %d at Foresta. The inhabitants lived their day.", c.day)
	text, err := c.o.storyteller.GenerateJSON(ctx, prompts.SummarySystem(), prompts.SummaryUser(in))
	if err != nil {
		c.o.logger.Printf("summary for day %d: %v", c.day, err)
		return fallback
	}
	raw, err := validate.ParseJSON(text)
	if err != nil {
		c.o.logger.Printf("summary for day %d: %v", c.day, err)
		return fallback
	}
	summary, err := validate.Summary(raw)
	if err != nil {
		c.o.logger.Printf("summary for day %d: %v", c.day, err)
		return fallback
	}
	return summary
}

func (c *cycle) log(ctx context.Context, res *Result) (map[string]any, error) {
	details := world.JournalDetails{
		ProcessedCount:   len(res.Execute.Decisions),
		ActiveEventCount: len(res.Collect.Events),
		Actions:          []world.ActionSummary{},
	}
	for _, d := range res.Execute.Decisions {
		details.Actions = append(details.Actions, world.ActionSummary{Name: d.Name, Action: d.Action.Action, Location: d.Action.Location})
	}
	digest, err := Digest(details)
	if err != nil {
		return nil, err
	}
	entry := world.JournalEntry{
		ID:        c.o.newID(),
		Day:       c.day,
		Summary:   res.Notify.Summary,
		Degraded:  c.degraded,
		Details:   details,
		Digest:    digest,
		CreatedAt: c.o.clock.Now(),
	}
	if err := c.o.store.AppendJournal(ctx, entry); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, fmt.Errorf("journal for day %d written concurrently: %w", c.day, err)
		}
		return nil, fmt.Errorf("append journal: %w", err)
	}
	res.Log = &LogOutput{JournalID: entry.ID, Digest: digest, Updated: len(res.Execute.Decisions)}
	return map[string]any{"journal_id": entry.ID}, nil
}

// Digest fingerprints a day's journal details with BLAKE3 over their JSON
// encoding.
func Digest(details world.JournalDetails) (string, error) {
	b, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("encode journal details: %w", err)
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
