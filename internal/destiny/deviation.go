package destiny

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/danshapiro/foresta/internal/world"
)

const (
	// MilestoneTolerance is the number of days a milestone may be reached
	// early or late.
	MilestoneTolerance = 5
	// DeviationThreshold triggers a recalculation when reached.
	DeviationThreshold = 0.3
	// RecalculationCooldown is the minimum number of days between two
	// recalculations.
	RecalculationCooldown = 5

	deviationWindow     = 5
	minDeviationHistory = 3
	minKeywordRunes     = 4
)

// dangerZones are locations a danger-avoiding character should not visit.
var dangerZones = []string{"veda"}

type rule struct {
	name     string
	keywords []string
	score    func(days []world.DayRecord, inclination string) float64
}

var towardsPattern = regexp.MustCompile(`(?i)\b(?:vers|towards?)\s+(?:(?:the|le|la|les)\s+)?([\p{L}\p{N}_]+)`)

var rules = []rule{
	{
		name:     "location_affinity",
		keywords: []string{"attrait", "vers", "lieu", "drawn", "towards", "toward", "place"},
		score: func(days []world.DayRecord, inclination string) float64 {
			m := towardsPattern.FindStringSubmatch(inclination)
			if m == nil {
				return 0
			}
			target := strings.ToLower(m[1])
			lower := strings.ToLower(inclination)
			for _, d := range days {
				loc := strings.ToLower(d.Location)
				if loc != target && !strings.Contains(lower, loc) {
					return 0.4
				}
			}
			return 0
		},
	},
	{
		name:     "social_seeking",
		keywords: []string{"compagnie", "social", "cherche", "company", "companion", "seek"},
		score: func(days []world.DayRecord, _ string) float64 {
			alone := 0
			for _, d := range days {
				if len(d.Interactions) == 0 {
					alone++
				}
			}
			return float64(alone) * 0.1
		},
	},
	{
		name:     "danger_avoidance",
		keywords: []string{"évite", "danger", "prudent", "fuit", "avoid", "cautious", "flee"},
		score: func(days []world.DayRecord, _ string) float64 {
			for _, d := range days {
				for _, z := range dangerZones {
					if strings.EqualFold(d.Location, z) {
						return 0.5
					}
				}
			}
			return 0
		},
	},
	{
		name:     "calm_seeking",
		keywords: []string{"repos", "calme", "tranquille", "rest", "calm", "quiet", "peace"},
		score: func(days []world.DayRecord, _ string) float64 {
			places := map[string]struct{}{}
			for _, d := range days {
				places[d.Location] = struct{}{}
			}
			if len(places) > 2 {
				return 0.2
			}
			return 0
		},
	},
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// matches reports whether the lower-cased inclination contains a keyword
// anywhere, including inside a longer word.
func (r rule) matches(inclination string) bool {
	for _, kw := range r.keywords {
		if strings.Contains(inclination, kw) {
			return true
		}
	}
	return false
}

// Deviation scores in [0, 1] how much the last five recorded days contradict
// the character's current inclination. Characters without a destiny or with
// fewer than three recorded days score 0.
func Deviation(c world.Character) float64 {
	if c.Destiny == nil || len(c.History) < minDeviationHistory {
		return 0
	}
	days := c.History
	if len(days) > deviationWindow {
		days = days[len(days)-deviationWindow:]
	}
	inclination := c.Destiny.Inclination
	lower := strings.ToLower(inclination)
	var total float64
	for _, r := range rules {
		if r.matches(lower) {
			total += r.score(days, inclination)
		}
	}
	return min(1, max(0, total))
}

// Trigger is the reason a destiny should be recalculated.
type Trigger string

const (
	NoTrigger         Trigger = ""
	MilestoneMissed   Trigger = "milestone_missed"
	DeviationExceeded Trigger = "deviation_threshold"
)

// ShouldRecalculate decides whether c's destiny needs re-weaving on day. A
// missed milestone takes precedence over deviation.
func ShouldRecalculate(c world.Character, day int) Trigger {
	d := c.Destiny
	if d == nil {
		return NoTrigger
	}
	if d.LastRecalculation != nil && day-*d.LastRecalculation < RecalculationCooldown {
		return NoTrigger
	}
	for _, m := range d.Milestones {
		if !m.Reached && day > m.TargetDay+MilestoneTolerance {
			return MilestoneMissed
		}
	}
	if Deviation(c) >= DeviationThreshold {
		return DeviationExceeded
	}
	return NoTrigger
}

// CheckMilestone returns the index of the first unreached milestone within
// MilestoneTolerance days of day that the action or location satisfies: a
// description word of four or more letters appears in the action text or the
// location name, or the whole location name appears in the description.
func CheckMilestone(c world.Character, day int, action, location string) (int, bool) {
	if c.Destiny == nil {
		return -1, false
	}
	actionLower := strings.ToLower(action)
	locLower := strings.ToLower(strings.TrimSpace(location))
	for i, m := range c.Destiny.Milestones {
		if m.Reached || day < m.TargetDay-MilestoneTolerance || day > m.TargetDay+MilestoneTolerance {
			continue
		}
		desc := strings.ToLower(m.Description)
		if locLower != "" && strings.Contains(desc, locLower) {
			return i, true
		}
		for _, w := range words(desc) {
			if utf8.RuneCountInString(w) < minKeywordRunes {
				continue
			}
			if strings.Contains(actionLower, w) || (locLower != "" && strings.Contains(locLower, w)) {
				return i, true
			}
		}
	}
	return -1, false
}
