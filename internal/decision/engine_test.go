package decision

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/foresta/internal/world"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
	users []string
}

func (f *fakeGenerator) GenerateJSON(_ context.Context, _, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.users = append(f.users, user)
	return f.text, f.err
}

func seeded() *rand.Rand { return rand.New(rand.NewPCG(7, 11)) }

func adult() world.Character {
	return world.Character{
		ID:       "c1",
		Name:     "Alba",
		Traits:   []string{"curious"},
		Location: "glade",
		Age:      20,
		Alive:    true,
		Destiny:  &world.Destiny{EndState: "e", Inclination: "i"},
	}
}

func TestTemplateChance(t *testing.T) {
	c := adult()
	assert.InDelta(t, 0.3, TemplateChance(c), 1e-9)
	c.Destiny = nil
	assert.InDelta(t, 0.4, TemplateChance(c), 1e-9)
	c.Age = 3
	assert.InDelta(t, 0.5, TemplateChance(c), 1e-9)
}

func TestWeights_TraitsAndAliases(t *testing.T) {
	w := Weights([]string{"Curious"})
	assert.Equal(t, 40.0, w[Explore])
	assert.Equal(t, 15.0, w[Stay])

	fr := Weights([]string{"curieux", "gourmand"})
	assert.Equal(t, 40.0, fr[Explore])
	assert.Equal(t, 40.0, fr[Eat])

	floored := Weights([]string{"lazy", "paresseux"})
	assert.Equal(t, 0.0, floored[Explore])
	assert.Equal(t, 55.0, floored[Sleep])

	unknown := Weights([]string{"mysterious"})
	assert.Equal(t, map[Category]float64{Eat: 20, Sleep: 15, Stay: 25, Explore: 25, Socialize: 15}, unknown)
}

func TestCanonicalTrait(t *testing.T) {
	assert.Equal(t, "energetic", CanonicalTrait(" Énergique "))
	assert.Equal(t, "cautious", CanonicalTrait("prudent"))
	assert.Equal(t, "sociable", CanonicalTrait("sociable"))
}

func TestTemplate_Shape(t *testing.T) {
	e := New(nil, Options{Rand: seeded()})
	c := adult()
	reachable := []string{"glade", "river", "hill"}
	moved := false
	seen := map[string]bool{}
	for i := 0; i < 500; i++ {
		a := e.Template(c, reachable)
		seen[a.Action] = true
		assert.Equal(t, world.SourceTemplate, a.Source)
		assert.Contains(t, reachable, a.Location)
		assert.True(t, strings.HasPrefix(a.Narrative, "Alba "), a.Narrative)
		assert.Empty(t, a.Target)
		if a.Location != c.Location {
			moved = true
			assert.Equal(t, "explore", a.Action)
		}
	}
	assert.True(t, moved, "explore never moved the character")
	for _, cat := range []Category{Eat, Sleep, Stay, Explore, Socialize} {
		assert.True(t, seen[string(cat)], "category %s never drawn", cat)
	}
}

func TestTemplate_ExploreWithoutExits(t *testing.T) {
	e := New(nil, Options{Rand: seeded()})
	c := adult()
	for i := 0; i < 200; i++ {
		assert.Equal(t, "glade", e.Template(c, []string{"glade"}).Location)
	}
}

func TestTemplate_ZeroWeightsFallBackToFirst(t *testing.T) {
	e := New(nil, Options{Rand: seeded()})
	got := e.draw(map[Category]float64{})
	assert.Equal(t, Eat, got.category)
}

func TestDecide_DegradedNeverCallsGenerator(t *testing.T) {
	gen := &fakeGenerator{text: `{"action":"eat","location":"glade","target":null,"narrative":"x"}`}
	e := New(gen, Options{Rand: seeded()})
	for i := 0; i < 200; i++ {
		a, err := e.Decide(context.Background(), Context{Day: 1, Character: adult(), Reachable: []string{"glade"}}, true)
		require.NoError(t, err)
		assert.Equal(t, world.SourceTemplate, a.Source)
	}
	assert.Zero(t, gen.calls)
}

func TestDecide_GenerativePath(t *testing.T) {
	gen := &fakeGenerator{text: "```json\n{\"action\":\"greets Mira\",\"location\":\"river\",\"target\":\"Mira\",\"narrative\":\"Alba waves at Mira.\"}\n```"}
	e := New(gen, Options{Rand: seeded()})
	dc := Context{
		Day:       4,
		Character: adult(),
		Location:  world.Location{Name: "glade", Connections: []string{"river"}},
		Present:   []world.Character{{ID: "c2", Name: "Mira"}},
		Reachable: []string{"glade", "river"},
	}
	llm := 0
	for i := 0; i < 100; i++ {
		a, err := e.Decide(context.Background(), dc, false)
		require.NoError(t, err)
		if a.Source == world.SourceLLM {
			llm++
			assert.Equal(t, "river", a.Location)
			assert.Equal(t, "Mira", a.Target)
		}
	}
	assert.Equal(t, gen.calls, llm)
	assert.Greater(t, llm, 0)
	assert.Contains(t, gen.users[0], "CHARACTER: Alba")
}

func TestDecide_RejectedAnswerStaysInPlace(t *testing.T) {
	gen := &fakeGenerator{text: `{"action":"fly","location":"moon","target":null,"narrative":"Alba flies."}`}
	e := New(gen, Options{Rand: seeded()})
	dc := Context{Day: 4, Character: adult(), Reachable: []string{"glade", "river"}}
	stays := 0
	for i := 0; i < 100; i++ {
		a, err := e.Decide(context.Background(), dc, false)
		require.NoError(t, err)
		assert.Equal(t, world.SourceTemplate, a.Source)
		if a.Narrative == "Alba stays put, undecided." {
			stays++
			assert.Equal(t, "stay", a.Action)
			assert.Equal(t, "glade", a.Location)
		}
	}
	assert.Equal(t, gen.calls, stays)
}

func TestDecide_TransportFailureUsesTemplate(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("generation failed after 3 attempt(s)")}
	e := New(gen, Options{Rand: seeded()})
	for i := 0; i < 50; i++ {
		a, err := e.Decide(context.Background(), Context{Character: adult(), Reachable: []string{"glade"}}, false)
		require.NoError(t, err)
		assert.Equal(t, world.SourceTemplate, a.Source)
		assert.NotEqual(t, "Alba stays put, undecided.", a.Narrative)
	}
	assert.Greater(t, gen.calls, 0)
}

func TestDecide_UnparseableAnswerUsesTemplate(t *testing.T) {
	gen := &fakeGenerator{text: "I would rather not answer in JSON."}
	e := New(gen, Options{Rand: seeded()})
	for i := 0; i < 50; i++ {
		a, err := e.Decide(context.Background(), Context{Character: adult(), Reachable: []string{"glade"}}, false)
		require.NoError(t, err)
		assert.Equal(t, world.SourceTemplate, a.Source)
		assert.NotEqual(t, "Alba stays put, undecided.", a.Narrative)
	}
}

func TestDecide_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := New(&fakeGenerator{}, Options{Rand: seeded()})
	_, err := e.Decide(ctx, Context{Character: adult(), Reachable: []string{"glade"}}, false)
	assert.ErrorIs(t, err, context.Canceled)
}
