package equivalence

import (
	"math"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// EditDistance treats two observations as equal when the character edit
// distance between their normalized DOMs is at most
// 2 * max(len(a), len(b)) * (1 - Threshold).
//
// Threshold 1 requires identical text and threshold 0 matches anything.
type EditDistance struct {
	normalizing
	Threshold float64
}

// NewEditDistance validates the threshold and builds the strategy.
func NewEditDistance(threshold float64, chain *Chain) (*EditDistance, error) {
	if err := validateThreshold(threshold); err != nil {
		return nil, err
	}
	return &EditDistance{normalizing: normalizing{chain: chain}, Threshold: threshold}, nil
}

func (*EditDistance) Kind() Kind { return KindEditDistance }

func (e *EditDistance) Equivalent(a, b *Observation) bool {
	return withinEditDistance(a.comparisonText(), b.comparisonText(), e.Threshold)
}

func withinEditDistance(a, b string, threshold float64) bool {
	if a == b {
		return true
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	bound := 2 * float64(max(la, lb)) * (1 - threshold)

	// The distance is never smaller than the length difference.
	if math.Abs(float64(la-lb)) > bound {
		return false
	}
	// A line-level diff yields a valid edit script, so its cost is an upper
	// bound. Similar documents are usually settled here without the
	// quadratic computation.
	if float64(diffCost(a, b)) <= bound {
		return true
	}
	return float64(editDistance(a, b)) <= bound
}

// editDistance is the Levenshtein distance between a and b in runes.
func editDistance(a, b string) int {
	return levenshtein.ComputeDistance(a, b)
}

// diffCost is the cost of the edit script derived from a line-mode diff of
// a and b. It is at least editDistance(a, b) and usually close to it.
func diffCost(a, b string) int {
	if a > b {
		a, b = b, a
	}
	dmp := diffmatchpatch.New()
	// No deadline: a timed-out diff would make the result depend on machine load.
	dmp.DiffTimeout = 0
	return dmp.DiffLevenshtein(dmp.DiffMain(a, b, true))
}
