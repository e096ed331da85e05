package crawler

import (
	"sync/atomic"
	"time"

	"github.com/xkilldash9x/stateflow/api/schemas"
)

// ExitNotifier tracks the termination conditions of one crawl. The first
// reason recorded wins; later ones are ignored.
type ExitNotifier struct {
	maxStates  int64
	maxRuntime time.Duration
	now        func() time.Time

	started atomic.Int64 // unix nanos
	states  atomic.Int64
	reason  atomic.Pointer[schemas.ExitStatus]
}

// NewExitNotifier creates a notifier. Zero limits mean unlimited.
func NewExitNotifier(maxStates int, maxRuntime time.Duration) *ExitNotifier {
	return &ExitNotifier{maxStates: int64(maxStates), maxRuntime: maxRuntime, now: time.Now}
}

// Start records the crawl start time.
func (n *ExitNotifier) Start() {
	n.started.Store(n.now().UnixNano())
}

// StateAdded counts a new state and returns the new total.
func (n *ExitNotifier) StateAdded() int {
	return int(n.states.Add(1))
}

// States returns the number of states counted so far.
func (n *ExitNotifier) States() int {
	return int(n.states.Load())
}

// Elapsed returns the time since Start.
func (n *ExitNotifier) Elapsed() time.Duration {
	started := n.started.Load()
	if started == 0 {
		return 0
	}
	return n.now().Sub(time.Unix(0, started))
}

// Stop records status as the exit reason unless one is already set. It
// reports whether this call set it.
func (n *ExitNotifier) Stop(status schemas.ExitStatus) bool {
	return n.reason.CompareAndSwap(nil, &status)
}

// Reason returns the recorded exit reason.
func (n *ExitNotifier) Reason() (schemas.ExitStatus, bool) {
	if r := n.reason.Load(); r != nil {
		return *r, true
	}
	return "", false
}

// Check evaluates the limits and reports whether the crawl must stop.
func (n *ExitNotifier) Check() (schemas.ExitStatus, bool) {
	if r, ok := n.Reason(); ok {
		return r, true
	}
	if n.maxStates > 0 && n.states.Load() >= n.maxStates {
		n.Stop(schemas.ExitMaxStates)
	} else if n.maxRuntime > 0 && n.Elapsed() >= n.maxRuntime {
		n.Stop(schemas.ExitMaxTime)
	}
	return n.Reason()
}
