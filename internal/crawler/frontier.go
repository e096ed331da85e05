package crawler

import (
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"

	"github.com/xkilldash9x/stateflow/internal/stateflow"
)

// Frontier is the shared queue of crawl paths waiting to be explored.
//
// A popped path counts as active until Done is called for it. Once the
// queue is empty and nothing is active, no worker can produce more work and
// Pop reports exhaustion to every waiter.
type Frontier struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     *linkedlistqueue.Queue
	active    int
	waiting   int
	closed    bool
	exhausted bool
}

// NewFrontier creates an empty frontier.
func NewFrontier() *Frontier {
	f := &Frontier{queue: linkedlistqueue.New()}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Push queues a path. It returns false once the frontier is closed.
func (f *Frontier) Push(p stateflow.CrawlPath) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.queue.Enqueue(p)
	f.cond.Signal()
	return true
}

// Pop blocks until a path is available. It returns false when the frontier
// is closed or exhausted.
func (f *Frontier) Pop() (stateflow.CrawlPath, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		if f.closed {
			return nil, false
		}
		if v, ok := f.queue.Dequeue(); ok {
			f.active++
			return v.(stateflow.CrawlPath), true
		}
		if f.active == 0 {
			f.exhausted = true
			f.closed = true
			f.cond.Broadcast()
			return nil, false
		}
		f.waiting++
		f.cond.Wait()
		f.waiting--
	}
}

// Offer queues p only when a worker is blocked in Pop with nothing queued
// for it, and reports whether it did. Workers use it to share a state that
// still has candidates with idle workers.
func (f *Frontier) Offer(p stateflow.CrawlPath) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.waiting <= f.queue.Size() {
		return false
	}
	f.queue.Enqueue(p)
	f.cond.Signal()
	return true
}

// Idle returns the number of blocked Pop calls no queued path is waiting for.
func (f *Frontier) Idle() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return max(f.waiting-f.queue.Size(), 0)
}

// Done marks a popped path as finished.
func (f *Frontier) Done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
	// Waiters re-check for exhaustion.
	f.cond.Broadcast()
}

// Close wakes every waiter and rejects further pushes.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
}

// Exhausted reports whether the frontier ran out of work, as opposed to being closed.
func (f *Frontier) Exhausted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exhausted
}

// Len returns the number of queued paths.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queue.Size()
}
