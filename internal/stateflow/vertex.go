package stateflow

import (
	"sync"

	"github.com/xkilldash9x/stateflow/internal/candidate"
	"github.com/xkilldash9x/stateflow/internal/equivalence"
)

// IndexName is the name of the initial state.
const IndexName = "index"

// StateVertex is one discovered application state. ID and Name are assigned
// by the graph on insertion and never change afterwards.
//
// Besides the observation, a vertex owns the queue of candidates still to be
// fired on it. Workers exploring the same state concurrently draw from the
// same queue, so every candidate is fired at most once per vertex.
type StateVertex struct {
	ID  int
	URL string
	*equivalence.Observation

	mu          sync.Mutex
	initialized bool
	queue       []candidate.Candidate
	fired       candidate.FiredSet
	failed      []candidate.Candidate
}

// NewStateVertex wraps an observation made at url.
func NewStateVertex(url string, obs *equivalence.Observation) *StateVertex {
	return &StateVertex{URL: url, Observation: obs, fired: make(candidate.FiredSet)}
}

func (v *StateVertex) String() string {
	if v == nil {
		return "<nil>"
	}
	return v.Name
}

// InitCandidates sets the candidate queue. Only the first call has an
// effect; it reports whether this call was the one.
func (v *StateVertex) InitCandidates(candidates []candidate.Candidate) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.initialized {
		return false
	}
	v.initialized = true
	v.queue = append([]candidate.Candidate(nil), candidates...)
	return true
}

// CandidatesInitialized reports whether InitCandidates has run.
func (v *StateVertex) CandidatesInitialized() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.initialized
}

// Selector picks, in order, the queued candidates that may still be fired.
type Selector func(queue []candidate.Candidate, fired candidate.FiredSet) []candidate.Candidate

// Claim removes and returns the first candidate the selector keeps and
// records it as fired. It returns false when nothing is left.
func (v *StateVertex) Claim(selectFn Selector) (candidate.Candidate, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	eligible := selectFn(v.queue, v.fired)
	if len(eligible) == 0 {
		// What remains can never become eligible again.
		v.queue = nil
		return candidate.Candidate{}, false
	}
	c := eligible[0]
	for i, q := range v.queue {
		if q.Index == c.Index && q.Kind == c.Kind {
			v.queue = append(v.queue[:i:i], v.queue[i+1:]...)
			break
		}
	}
	v.fired[c.Key()] = struct{}{}
	return c, true
}

// Release puts a claimed candidate back at the head of the queue, for an
// attempt that was interrupted before the event could be judged.
func (v *StateVertex) Release(c candidate.Candidate) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.fired, c.Key())
	v.queue = append([]candidate.Candidate{c}, v.queue...)
}

// HasCandidates reports whether Claim would return a candidate.
func (v *StateVertex) HasCandidates(selectFn Selector) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.initialized && len(selectFn(v.queue, v.fired)) > 0
}

// MarkFailed records a candidate whose element could not be found.
func (v *StateVertex) MarkFailed(c candidate.Candidate) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failed = append(v.failed, c)
}

// Failed returns the candidates that could not be fired.
func (v *StateVertex) Failed() []candidate.Candidate {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]candidate.Candidate(nil), v.failed...)
}

// FiredCount returns how many candidates were claimed on this vertex.
func (v *StateVertex) FiredCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.fired)
}
