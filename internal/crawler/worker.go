package crawler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/stateflow/api/schemas"
	"github.com/xkilldash9x/stateflow/internal/candidate"
	"github.com/xkilldash9x/stateflow/internal/equivalence"
	"github.com/xkilldash9x/stateflow/internal/stateflow"
)

// errReplayDiverged reports that a replayed path did not lead back to the state it recorded.
var errReplayDiverged = errors.New("replay did not reach the recorded state")

// errWorkerLost reports that a worker spent its restart budget.
var errWorkerLost = errors.New("worker lost its browser")

// errStateLeft reports that a failed event still moved the browser away from the state being explored.
var errStateLeft = errors.New("browser left the explored state")

// worker owns one browser and explores crawl paths from the frontier.
type worker struct {
	id      int
	c       *Crawler
	sess    *Session
	hooks   *hooks
	browser schemas.Browser
	limiter *rate.Limiter
	logger  *zap.Logger

	restartsLeft int
}

func (c *Crawler) newWorker(id int, sess *Session, h *hooks) *worker {
	limit := rate.Inf
	if c.opts.EventsPerSecond > 0 {
		limit = rate.Limit(c.opts.EventsPerSecond)
	}
	return &worker{
		id:           id,
		c:            c,
		sess:         sess,
		hooks:        h,
		limiter:      rate.NewLimiter(limit, 1),
		logger:       c.logger.With(zap.Int("worker_id", id), zap.String("session_id", sess.ID)),
		restartsLeft: c.opts.MaxRestarts,
	}
}

// run is the Idle loop. It returns when the crawl stops, or with
// errWorkerLost once the worker can no longer get a browser.
func (w *worker) run(ctx context.Context) error {
	defer func() { closeBrowser(w.browser, w.logger) }()

	if w.browser == nil && !w.launch(ctx) {
		w.c.workerLost()
		return fmt.Errorf("worker %d: %w", w.id, errWorkerLost)
	}
	w.logger.Debug("Worker started.")

	for {
		if status, stop := w.c.notifier.Check(); stop {
			w.logger.Debug("Worker stopping.", zap.String("reason", string(status)))
			w.c.frontier.Close()
			return nil
		}
		path, ok := w.c.frontier.Pop()
		if !ok {
			w.logger.Debug("Frontier closed, worker stopping.")
			return nil
		}
		lost := w.step(ctx, path)
		w.c.frontier.Done()
		if lost {
			w.c.workerLost()
			return fmt.Errorf("worker %d: %w", w.id, errWorkerLost)
		}
	}
}

// step explores one path and reports whether the worker lost its browser for good.
func (w *worker) step(ctx context.Context, path stateflow.CrawlPath) (lost bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Crawl iteration panicked",
				zap.Stringer("path", path),
				zap.Any("panicValue", r),
				zap.String("stack", string(debug.Stack())),
			)
			w.c.abandoned.Add(1)
			lost = false
		}
	}()

	err := w.explore(ctx, path)
	switch {
	case err == nil:
		return false
	case errors.Is(err, schemas.ErrCommunication):
		w.c.abandoned.Add(1)
		w.logger.Warn("Browser communication failed, replacing browser.", zap.Stringer("path", path), zap.Error(err))
		return !w.replaceBrowser(ctx)
	default:
		w.c.abandoned.Add(1)
		w.logger.Debug("Abandoning crawl path.", zap.Stringer("path", path), zap.Error(err))
		return false
	}
}

// explore runs Replaying, Extracting, Firing and Resolving for one path.
func (w *worker) explore(ctx context.Context, path stateflow.CrawlPath) error {
	current, err := w.replay(ctx, path)
	if err != nil {
		return err
	}
	if !current.CandidatesInitialized() {
		if err := w.extract(ctx, current); err != nil {
			return err
		}
	}

	for {
		cand, ok := current.Claim(w.c.extractor.Unfired)
		if !ok {
			return nil
		}
		if current.HasCandidates(w.c.extractor.Unfired) && w.c.frontier.Offer(path) {
			w.logger.Debug("Sharing state with an idle worker.", zap.String("state", current.Name))
		}
		event := stateflow.NewEventable(cand)

		found, err := w.browser.FindElement(ctx, cand.Identification)
		if err != nil {
			current.Release(cand)
			w.requeue(path, current)
			return fmt.Errorf("failed to look up %s: %w", cand.Identification, err)
		}
		if !found {
			w.fireFailed(ctx, path, current, cand, event, schemas.ErrElementNotFound)
			continue
		}

		if err := w.limiter.Wait(ctx); err != nil {
			current.Release(cand)
			w.requeue(path, current)
			return err
		}
		w.c.fired.Add(1)
		if err := w.browser.FireEvent(ctx, cand.Identification, cand.Kind); err != nil {
			if errors.Is(err, schemas.ErrCommunication) {
				// The event may have had an effect; it is not retried.
				current.MarkFailed(cand)
				w.requeue(path, current)
				return fmt.Errorf("failed to fire %s %s: %w", cand.Kind, cand.Identification, err)
			}
			w.fireFailed(ctx, path, current, cand, event, err)
			if errors.Is(err, schemas.ErrElementNotFound) {
				continue
			}
			// A half-fired event may still have changed the page.
			if err := w.stillIn(ctx, current); err != nil {
				w.requeue(path, current)
				return err
			}
			continue
		}
		sleep(w.c.opts.WaitAfterEvent)

		obs, url, err := w.observe(ctx)
		if err != nil {
			w.requeue(path, current)
			return err
		}
		if w.c.comparator.Same(current.Observation, obs) {
			// Nothing changed; the browser is still in current.
			continue
		}
		w.resolve(ctx, path, current, event, url, obs)
		return nil
	}
}

// replay drives the browser from the seed URL through every event of path
// and returns the state the path ends in.
func (w *worker) replay(ctx context.Context, path stateflow.CrawlPath) (*stateflow.StateVertex, error) {
	if err := w.browser.GoToURL(ctx, w.c.opts.SeedURL); err != nil {
		return nil, fmt.Errorf("failed to reload seed URL: %w", err)
	}
	sleep(w.c.opts.WaitAfterReload)

	target := w.sess.Index()
	for _, e := range path {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		if err := w.browser.FireEvent(ctx, e.Identification, e.Kind); err != nil {
			return nil, fmt.Errorf("failed to replay %s: %w", e, err)
		}
		sleep(w.c.opts.WaitAfterEvent)
		target = e.Target
	}

	if w.c.opts.VerifyReplay {
		obs, _, err := w.observe(ctx)
		if err != nil {
			return nil, err
		}
		if !w.c.comparator.Same(target.Observation, obs) {
			return nil, fmt.Errorf("%w: expected %s", errReplayDiverged, target)
		}
	}
	return target, nil
}

// extract computes the candidate queue of v from the live document.
func (w *worker) extract(ctx context.Context, v *stateflow.StateVertex) error {
	dom, err := w.browser.CurrentDOM(ctx)
	if err != nil {
		return fmt.Errorf("failed to read DOM of %s: %w", v, err)
	}
	url, err := w.browser.CurrentURL(ctx)
	if err != nil {
		return fmt.Errorf("failed to read URL of %s: %w", v, err)
	}
	page, err := w.c.querier.Query(dom, url)
	if err != nil {
		return fmt.Errorf("failed to query candidates of %s: %w", v, err)
	}
	candidates := w.c.extractor.Filter(page)
	if v.InitCandidates(candidates) {
		w.logger.Debug("Candidates extracted.", zap.String("state", v.Name), zap.Int("candidates", len(candidates)))
		w.hooks.preStateCrawling(ctx, w.sess, v, candidates)
	}
	return nil
}

func (w *worker) observe(ctx context.Context) (*equivalence.Observation, string, error) {
	dom, err := w.browser.CurrentDOM(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read DOM: %w", err)
	}
	url, err := w.browser.CurrentURL(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read URL: %w", err)
	}
	return w.c.comparator.Observe(dom), url, nil
}

// resolve records the transition from current caused by event.
func (w *worker) resolve(ctx context.Context, path stateflow.CrawlPath, current *stateflow.StateVertex, event *stateflow.Eventable, url string, obs *equivalence.Observation) {
	graph := w.sess.Graph
	target := stateflow.NewStateVertex(url, obs)
	existing := graph.PutIfAbsent(target)
	if existing != nil {
		target = existing
	}

	added, err := graph.AddEdge(current, target, event)
	if err != nil {
		w.logger.Error("Failed to record transition.", zap.String("from", current.Name), zap.String("to", target.Name), zap.Error(err))
		return
	}
	child := path.Append(event)
	if added {
		w.sess.recordPath(child)
	}

	if existing == nil {
		w.logger.Debug("Discovered new state.", zap.String("state", target.Name), zap.Stringer("path", child))
		w.hooks.onNewState(ctx, w.sess, target)
		if w.c.opts.MaxDepth == 0 || child.Depth() < w.c.opts.MaxDepth {
			w.c.frontier.Push(child)
		}
	} else {
		w.hooks.onRevisitState(ctx, w.sess, target)
	}
	w.requeue(path, current)
}

// fireFailed records a candidate whose element could not be found or fired.
func (w *worker) fireFailed(ctx context.Context, path stateflow.CrawlPath, v *stateflow.StateVertex, cand candidate.Candidate, event *stateflow.Eventable, cause error) {
	v.MarkFailed(cand)
	w.c.failed.Add(1)
	event.Source = v
	w.logger.Debug("Candidate could not be fired, skipping.", zap.String("state", v.Name), zap.Stringer("identification", cand.Identification), zap.Error(cause))
	w.hooks.onFireEventFailed(ctx, w.sess, event, path)
}

// stillIn checks that the browser still shows v.
func (w *worker) stillIn(ctx context.Context, v *stateflow.StateVertex) error {
	obs, _, err := w.observe(ctx)
	if err != nil {
		return err
	}
	if !w.c.comparator.Same(v.Observation, obs) {
		return fmt.Errorf("%w: %s", errStateLeft, v)
	}
	return nil
}

// requeue puts path back on the frontier while its state has candidates left.
func (w *worker) requeue(path stateflow.CrawlPath, v *stateflow.StateVertex) {
	if v.HasCandidates(w.c.extractor.Unfired) {
		w.c.frontier.Push(path)
	}
}

// launch opens the worker's first browser.
func (w *worker) launch(ctx context.Context) bool {
	b, err := w.c.factory.NewBrowser(ctx)
	if err == nil {
		w.browser = b
		return true
	}
	w.logger.Warn("Failed to start browser.", zap.Error(err))
	return w.replaceBrowser(ctx)
}

// replaceBrowser discards the current browser and draws on the restart
// budget until a new one starts. It reports false once the budget is spent.
func (w *worker) replaceBrowser(ctx context.Context) bool {
	closeBrowser(w.browser, w.logger)
	w.browser = nil
	for w.restartsLeft > 0 {
		w.restartsLeft--
		w.c.restarts.Add(1)
		b, err := w.c.factory.NewBrowser(ctx)
		if err != nil {
			w.logger.Warn("Browser restart failed.", zap.Int("restarts_left", w.restartsLeft), zap.Error(err))
			continue
		}
		w.browser = b
		w.logger.Info("Browser replaced.", zap.Int("restarts_left", w.restartsLeft))
		return true
	}
	w.logger.Error("Browser could not be replaced, worker stopping.")
	return false
}
