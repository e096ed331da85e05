package crawler_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xkilldash9x/stateflow/api/schemas"
	"github.com/xkilldash9x/stateflow/internal/crawler"
	"github.com/xkilldash9x/stateflow/internal/stateflow"
)

func pathOf(n int) stateflow.CrawlPath {
	return make(stateflow.CrawlPath, n)
}

func TestFrontier_FIFO(t *testing.T) {
	f := crawler.NewFrontier()
	for i := 0; i < 3; i++ {
		require.True(t, f.Push(pathOf(i)))
	}
	assert.Equal(t, 3, f.Len())
	for i := 0; i < 3; i++ {
		p, ok := f.Pop()
		require.True(t, ok)
		assert.Equal(t, i, p.Depth())
		f.Done()
	}
	_, ok := f.Pop()
	assert.False(t, ok)
	assert.True(t, f.Exhausted())
}

func TestFrontier_WaitsForActiveWork(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := crawler.NewFrontier()
	f.Push(pathOf(0))
	_, ok := f.Pop()
	require.True(t, ok)

	got := make(chan stateflow.CrawlPath, 1)
	go func() {
		p, ok := f.Pop()
		if ok {
			got <- p
		}
		close(got)
	}()

	// The waiter must not see exhaustion while a path is active.
	time.Sleep(20 * time.Millisecond)
	f.Push(pathOf(2))
	f.Done()

	p, ok := <-got
	require.True(t, ok)
	assert.Equal(t, 2, p.Depth())
	f.Done()

	_, ok = f.Pop()
	assert.False(t, ok)
}

func TestFrontier_ExhaustionWakesAllWaiters(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := crawler.NewFrontier()
	f.Push(pathOf(0))
	_, ok := f.Pop()
	require.True(t, ok)

	var wg sync.WaitGroup
	var woke atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := f.Pop(); !ok {
				woke.Add(1)
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	f.Done()
	wg.Wait()

	assert.Equal(t, int32(4), woke.Load())
	assert.True(t, f.Exhausted())
	assert.False(t, f.Push(pathOf(1)), "an exhausted frontier rejects work")
}

func TestFrontier_Close(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := crawler.NewFrontier()
	f.Push(pathOf(0))
	_, _ = f.Pop()

	done := make(chan bool)
	go func() {
		_, ok := f.Pop()
		done <- ok
	}()
	f.Close()
	assert.False(t, <-done)
	assert.False(t, f.Exhausted())
	assert.False(t, f.Push(pathOf(1)))
}

func TestFrontier_NoDuplicateDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)

	const n = 200
	f := crawler.NewFrontier()
	for i := 0; i < n; i++ {
		f.Push(pathOf(i))
	}

	var mu sync.Mutex
	seen := make(map[int]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				p, ok := f.Pop()
				if !ok {
					return
				}
				mu.Lock()
				seen[p.Depth()]++
				mu.Unlock()
				f.Done()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for depth, count := range seen {
		assert.Equal(t, 1, count, "path %d delivered more than once", depth)
	}
}

func TestExitNotifier(t *testing.T) {
	t.Run("unlimited", func(t *testing.T) {
		n := crawler.NewExitNotifier(0, 0)
		n.Start()
		for i := 0; i < 100; i++ {
			n.StateAdded()
		}
		_, stop := n.Check()
		assert.False(t, stop)
		assert.Equal(t, 100, n.States())
	})

	t.Run("max states", func(t *testing.T) {
		n := crawler.NewExitNotifier(3, 0)
		n.Start()
		n.StateAdded()
		n.StateAdded()
		_, stop := n.Check()
		assert.False(t, stop)
		n.StateAdded()
		status, stop := n.Check()
		assert.True(t, stop)
		assert.Equal(t, schemas.ExitMaxStates, status)
	})

	t.Run("max runtime", func(t *testing.T) {
		n := crawler.NewExitNotifier(0, time.Millisecond)
		n.Start()
		time.Sleep(5 * time.Millisecond)
		status, stop := n.Check()
		assert.True(t, stop)
		assert.Equal(t, schemas.ExitMaxTime, status)
		assert.GreaterOrEqual(t, n.Elapsed(), time.Millisecond)
	})

	t.Run("first reason wins", func(t *testing.T) {
		n := crawler.NewExitNotifier(1, 0)
		assert.True(t, n.Stop(schemas.ExitStoppedExternal))
		assert.False(t, n.Stop(schemas.ExitAllWorkersLost))
		n.StateAdded()
		status, stop := n.Check()
		assert.True(t, stop)
		assert.Equal(t, schemas.ExitStoppedExternal, status)
	})

	t.Run("concurrent stops", func(t *testing.T) {
		n := crawler.NewExitNotifier(0, 0)
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				status := schemas.ExitStoppedExternal
				if i%2 == 0 {
					status = schemas.ExitAllWorkersLost
				}
				if n.Stop(status) {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		_, ok := n.Reason()
		assert.True(t, ok)
	})

	t.Run("not started", func(t *testing.T) {
		assert.Zero(t, crawler.NewExitNotifier(0, time.Hour).Elapsed())
	})
}

func TestFrontier_OfferOnlyToIdleWorkers(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := frontierWithActivePath(t)
	assert.False(t, f.Offer(pathOf(1)), "nobody is waiting")
	assert.Zero(t, f.Len())

	got := make(chan stateflow.CrawlPath, 1)
	go func() {
		p, ok := f.Pop()
		if ok {
			got <- p
		}
		close(got)
	}()
	require.Eventually(t, func() bool { return f.Idle() == 1 }, time.Second, time.Millisecond)

	assert.True(t, f.Offer(pathOf(2)))
	assert.False(t, f.Offer(pathOf(3)), "the waiter is already served")

	p, ok := <-got
	require.True(t, ok)
	assert.Equal(t, 2, p.Depth())
	assert.Zero(t, f.Idle())

	f.Done()
	f.Done()
	_, ok = f.Pop()
	assert.False(t, ok)
	assert.True(t, f.Exhausted())
}

// frontierWithActivePath returns a frontier with one popped path in flight.
func frontierWithActivePath(t *testing.T) *crawler.Frontier {
	t.Helper()
	f := crawler.NewFrontier()
	require.True(t, f.Push(pathOf(0)))
	_, ok := f.Pop()
	require.True(t, ok)
	return f
}
