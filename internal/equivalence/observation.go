package equivalence

import "sync"

// Observation is one observed page as the equivalence strategies see it.
// DOM is the raw serialized document and StrippedDOM the strategy-normalized
// form. Strategies may attach derived data (a fingerprint, a parsed tree)
// which is computed at most once per observation.
//
// An Observation must not be copied after first use.
type Observation struct {
	Name        string
	DOM         string
	StrippedDOM string

	mu      sync.Mutex
	derived map[string]derivedValue
}

type derivedValue struct {
	value any
	err   error
}

// NewObservation builds an observation from already normalized content.
func NewObservation(name, dom, strippedDOM string) *Observation {
	return &Observation{Name: name, DOM: dom, StrippedDOM: strippedDOM}
}

// Derive returns the value cached under key, running compute on the first call.
// Errors are cached as well, so a degenerate input is only rejected once.
func (o *Observation) Derive(key string, compute func() (any, error)) (any, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if v, ok := o.derived[key]; ok {
		return v.value, v.err
	}
	value, err := compute()
	if o.derived == nil {
		o.derived = make(map[string]derivedValue)
	}
	o.derived[key] = derivedValue{value: value, err: err}
	return value, err
}

// comparisonText is what the text-based strategies compare. It falls back to
// the raw DOM for observations created without normalization.
func (o *Observation) comparisonText() string {
	if o.StrippedDOM != "" {
		return o.StrippedDOM
	}
	return o.DOM
}
