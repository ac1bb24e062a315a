package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/foresta/internal/storage"
	"github.com/danshapiro/foresta/internal/world"
)

// Store is the write side a seed needs.
type Store interface {
	PutLocation(ctx context.Context, loc world.Location) error
	GetCharacterByName(ctx context.Context, name string) (world.Character, error)
	CreateCharacter(ctx context.Context, c world.Character) error
	CreateEvent(ctx context.Context, ev world.Event) error
}

// Destinies weaves a destiny for a newly created character.
type Destinies interface {
	Create(ctx context.Context, c world.Character) (*world.Destiny, error)
}

// Options tune Apply. Destinies may be nil, in which case characters start
// without a destiny.
type Options struct {
	Destinies Destinies
	Logger    *log.Logger
	NewID     func() string
}

// Report counts what Apply wrote and what it left alone.
type Report struct {
	Locations         int      `json:"locations"`
	Characters        int      `json:"characters"`
	CharactersSkipped int      `json:"characters_skipped"`
	Events            int      `json:"events"`
	EventsSkipped     int      `json:"events_skipped"`
	DestinyFailures   []string `json:"destiny_failures,omitempty"`
}

// Apply writes a seed into the store. Locations are upserted; characters and
// events that already exist are skipped, so a seed can be applied again.
func Apply(ctx context.Context, store Store, f File, opts Options) (Report, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}

	var rep Report
	for _, l := range f.Locations {
		loc := world.Location{
			Name:        strings.TrimSpace(l.Name),
			Description: l.Description,
			Connections: l.Connections,
			State:       l.State,
		}
		if err := store.PutLocation(ctx, loc); err != nil {
			return rep, fmt.Errorf("seed location %s: %w", loc.Name, err)
		}
		rep.Locations++
	}

	for _, sc := range f.Characters {
		name := strings.TrimSpace(sc.Name)
		_, err := store.GetCharacterByName(ctx, name)
		if err == nil {
			rep.CharactersSkipped++
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return rep, fmt.Errorf("seed character %s: %w", name, err)
		}
		c := world.Character{
			ID:       strings.TrimSpace(sc.ID),
			Name:     name,
			Traits:   sc.Traits,
			Location: strings.TrimSpace(sc.Location),
			Age:      sc.Age,
			Alive:    true,
		}
		if c.ID == "" {
			c.ID = newID()
		}
		if err := store.CreateCharacter(ctx, c); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				rep.CharactersSkipped++
				continue
			}
			return rep, fmt.Errorf("seed character %s: %w", name, err)
		}
		rep.Characters++
		if opts.Destinies == nil {
			continue
		}
		if _, err := opts.Destinies.Create(ctx, c); err != nil {
			logger.Printf("seed: destiny for %s: %v", name, err)
			rep.DestinyFailures = append(rep.DestinyFailures, name)
		}
	}

	for _, se := range f.Events {
		ev := world.Event{
			ID:                strings.TrimSpace(se.ID),
			Kind:              strings.TrimSpace(se.Kind),
			Description:       se.Description,
			AffectedLocations: se.Locations,
			Active:            true,
			Progress:          se.Progress,
			StartDay:          se.StartDay,
			EndDay:            se.EndDay,
		}
		if ev.ID == "" {
			ev.ID = newID()
		}
		if err := store.CreateEvent(ctx, ev); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				rep.EventsSkipped++
				continue
			}
			return rep, fmt.Errorf("seed event %s: %w", ev.ID, err)
		}
		rep.Events++
	}

	logger.Printf("seed: %d location(s), %d character(s) (%d skipped), %d event(s) (%d skipped)",
		rep.Locations, rep.Characters, rep.CharactersSkipped, rep.Events, rep.EventsSkipped)
	return rep, nil
}
