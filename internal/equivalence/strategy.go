package equivalence

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
)

var (
	// ErrInvalidThreshold is returned when a similarity threshold lies outside [0,1].
	ErrInvalidThreshold = errors.New("threshold must be within [0,1]")
	// ErrTooSimple is reported by the fingerprint algorithm for inputs with too
	// few features to produce a meaningful fingerprint.
	ErrTooSimple = errors.New("input too simple to fingerprint")
	// ErrUnknownStrategy is returned for a strategy name that is not one of the Kind values.
	ErrUnknownStrategy = errors.New("unknown equivalence strategy")
)

// Kind tags the closed set of equivalence strategies.
type Kind string

const (
	KindExact        Kind = "exact"
	KindOracle       Kind = "oracle"
	KindEditDistance Kind = "edit_distance"
	KindTreeDistance Kind = "tree_distance"
	KindFingerprint  Kind = "fingerprint"
)

// Strategy decides whether two observations represent one application state.
//
// Every implementation is reflexive and symmetric. Threshold based variants
// are not transitive, so callers must not infer a~c from a~b and b~c.
type Strategy interface {
	Kind() Kind
	// Normalize derives the stripped DOM this strategy compares.
	Normalize(dom string) string
	// Equivalent compares two non-nil observations.
	Equivalent(a, b *Observation) bool
}

// Comparator applies a Strategy with the rules shared by every variant:
// identical observations and observations carrying the same assigned name are
// always the same state.
type Comparator struct {
	strategy Strategy
	logger   *zap.Logger
}

// NewComparator wraps a strategy.
func NewComparator(strategy Strategy, logger *zap.Logger) *Comparator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Comparator{strategy: strategy, logger: logger.Named("Comparator")}
}

// Strategy returns the wrapped strategy.
func (c *Comparator) Strategy() Strategy { return c.strategy }

// Observe normalizes a raw DOM into an unnamed observation.
func (c *Comparator) Observe(dom string) *Observation {
	return NewObservation("", dom, c.strategy.Normalize(dom))
}

// Same reports whether a and b are the same application state.
func (c *Comparator) Same(a, b *Observation) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.Name != "" && a.Name == b.Name {
		return true
	}
	return c.strategy.Equivalent(a, b)
}

func validateThreshold(t float64) error {
	if math.IsNaN(t) || t < 0 || t > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidThreshold, t)
	}
	return nil
}

// normalizing is embedded by every strategy to carry its normalizer chain as data.
type normalizing struct {
	chain *Chain
}

func (n normalizing) Normalize(dom string) string {
	if n.chain == nil {
		return dom
	}
	return n.chain.Apply(dom)
}

// -- Exact --

// Exact compares normalized DOMs byte for byte. With an empty chain the
// normalized DOM is the raw DOM.
type Exact struct {
	normalizing
}

// NewExact returns an exact strategy over the given chain, which may be nil.
func NewExact(chain *Chain) *Exact {
	return &Exact{normalizing{chain: chain}}
}

func (*Exact) Kind() Kind { return KindExact }

func (*Exact) Equivalent(a, b *Observation) bool {
	return a.comparisonText() == b.comparisonText()
}

// -- Oracle --

// Oracle runs a caller-ordered chain of normalizers and then compares exactly.
// The chain always ends with whitespace collapsing.
type Oracle struct {
	normalizing
}

// NewOracle builds an oracle strategy. The chain order is preserved.
func NewOracle(chain *Chain) *Oracle {
	if chain == nil {
		chain = NewChain(nil)
	}
	return &Oracle{normalizing{chain: chain.withTrailingWhitespace()}}
}

func (*Oracle) Kind() Kind { return KindOracle }

func (*Oracle) Equivalent(a, b *Observation) bool {
	return a.comparisonText() == b.comparisonText()
}
