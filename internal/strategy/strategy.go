// Package strategy maps the management-surface strategy identifier onto the
// set of pattern rules a bot runs.
package strategy

import (
	"fmt"
	"sort"

	"pattern-trader/internal/model"
)

// Strategy is a named selection of pattern kinds.
type Strategy struct {
	ID          string              `json:"id"`
	Description string              `json:"description"`
	Kinds       []model.PatternKind `json:"kinds"`
}

// Default is the strategy used when none is configured.
const Default = "pattern-all"

var registry = map[string]Strategy{
	"pattern-all": {
		ID:          "pattern-all",
		Description: "every rule in the pattern library",
	},
	"reversal": {
		ID:          "reversal",
		Description: "candlestick reversal shapes",
		Kinds: []model.PatternKind{
			model.PatternEngulfing, model.PatternMorningStar, model.PatternEveningStar,
			model.PatternHammer, model.PatternShootingStar, model.PatternDoji, model.PatternReversal,
		},
	},
	"trend": {
		ID:          "trend",
		Description: "breakouts and momentum continuation",
		Kinds:       []model.PatternKind{model.PatternBreakout, model.PatternMomentum},
	},
}

// Lookup returns the strategy registered under id.
func Lookup(id string) (Strategy, error) {
	s, ok := registry[id]
	if !ok {
		return Strategy{}, fmt.Errorf("strategy: unknown id %q (known: %v)", id, IDs())
	}
	return s, nil
}

// IDs lists the registered strategy ids, sorted.
func IDs() []string {
	out := make([]string, 0, len(registry))
	for id := range registry {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
