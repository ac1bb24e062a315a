package decision

import "strings"

// Category is a template action.
type Category string

const (
	Eat       Category = "eat"
	Sleep     Category = "sleep"
	Stay      Category = "stay"
	Explore   Category = "explore"
	Socialize Category = "socialize"
)

type template struct {
	category   Category
	weight     float64
	narratives []string
}

// templates are drawn in this order; the order matters for a seeded draw.
var templates = []template{
	{Eat, 20, []string{
		"{name} looks for food nearby.",
		"{name} makes do with what nature offers.",
		"{name} takes a quiet moment to eat.",
	}},
	{Sleep, 15, []string{
		"{name} rests under shelter.",
		"{name} finds a quiet corner to sleep.",
		"{name} sleeps to recover their strength.",
	}},
	{Stay, 25, []string{
		"{name} stays put, watching the world.",
		"{name} meditates in silence.",
		"{name} takes in the surroundings without moving.",
	}},
	{Explore, 25, []string{
		"{name} curiously explores the area.",
		"{name} discovers new nooks.",
		"{name} roams the territory looking for something new.",
	}},
	{Socialize, 15, []string{
		"{name} seeks the company of other inhabitants.",
		"{name} tries to make contact.",
		"{name} watches the others from a distance.",
	}},
}

var traitModifiers = map[string]map[Category]float64{
	"curious":       {Explore: 15, Stay: -10},
	"cautious":      {Stay: 15, Explore: -10},
	"sociable":      {Socialize: 20, Stay: -10},
	"solitary":      {Stay: 15, Socialize: -15},
	"lazy":          {Sleep: 20, Explore: -15},
	"energetic":     {Explore: 15, Sleep: -10},
	"greedy":        {Eat: 20},
	"contemplative": {Stay: 20, Explore: -10},
}

var traitAliases = map[string]string{
	"curieux":      "curious",
	"curieuse":     "curious",
	"prudent":      "cautious",
	"prudente":     "cautious",
	"solitaire":    "solitary",
	"paresseux":    "lazy",
	"paresseuse":   "lazy",
	"energique":    "energetic",
	"énergique":    "energetic",
	"gourmand":     "greedy",
	"gourmande":    "greedy",
	"contemplatif": "contemplative",
}

// CanonicalTrait lower-cases a trait and maps known aliases onto the
// English trait names.
func CanonicalTrait(trait string) string {
	t := strings.ToLower(strings.TrimSpace(trait))
	if alias, ok := traitAliases[t]; ok {
		return alias
	}
	return t
}

// Weights returns the per-category draw weights for traits, floored at zero.
func Weights(traits []string) map[Category]float64 {
	w := make(map[Category]float64, len(templates))
	for _, t := range templates {
		w[t.category] = t.weight
	}
	for _, trait := range traits {
		for cat, delta := range traitModifiers[CanonicalTrait(trait)] {
			w[cat] = max(0, w[cat]+delta)
		}
	}
	return w
}
