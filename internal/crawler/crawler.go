// Package crawler drives a pool of browser workers over a web application
// and records the states and transitions they discover in a State-Flow Graph.
//
// Each worker owns one browser and loops Idle, Replaying, Extracting, Firing
// and Resolving over crawl paths taken from a shared Frontier. Termination is
// checked only at the Idle boundary, so a stop request never interrupts a
// browser action in flight.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/stateflow/api/schemas"
	"github.com/xkilldash9x/stateflow/internal/candidate"
	"github.com/xkilldash9x/stateflow/internal/config"
	"github.com/xkilldash9x/stateflow/internal/equivalence"
	"github.com/xkilldash9x/stateflow/internal/stateflow"
)

// ErrAlreadyRunning is returned when Run is called on a crawler that has been started before.
var ErrAlreadyRunning = errors.New("crawler has already been started")

// closeTimeout bounds the browser shutdown at the end of a crawl.
const closeTimeout = 10 * time.Second

// Stats are the counters collected over one crawl.
type Stats struct {
	States      int
	Edges       int
	Fired       int64
	Failed      int64
	Abandoned   int64
	Restarts    int64
	WorkersLost int64
	Duration    time.Duration
}

// Result is the outcome of a crawl. The graph in Session is complete and
// usable whatever the status.
type Result struct {
	Session *Session
	Status  schemas.ExitStatus
	Stats   Stats
}

// Crawler explores one application from a seed URL.
type Crawler struct {
	opts       Options
	factory    schemas.BrowserFactory
	comparator *equivalence.Comparator
	querier    *candidate.Querier
	extractor  *candidate.Extractor
	plugins    []Plugin
	logger     *zap.Logger

	notifier *ExitNotifier
	frontier *Frontier
	started  atomic.Bool

	live        atomic.Int64
	fired       atomic.Int64
	failed      atomic.Int64
	abandoned   atomic.Int64
	restarts    atomic.Int64
	workersLost atomic.Int64
}

// New validates the options and assembles a crawler.
func New(
	opts Options,
	factory schemas.BrowserFactory,
	comparator *equivalence.Comparator,
	querier *candidate.Querier,
	extractor *candidate.Extractor,
	logger *zap.Logger,
	plugins ...Plugin,
) (*Crawler, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if factory == nil || comparator == nil || querier == nil || extractor == nil {
		return nil, fmt.Errorf("%w: browser factory, comparator, querier and extractor are required", ErrInvalidOptions)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{
		opts:       opts,
		factory:    factory,
		comparator: comparator,
		querier:    querier,
		extractor:  extractor,
		plugins:    plugins,
		logger:     logger.Named("Crawler"),
		notifier:   NewExitNotifier(opts.MaxStates, opts.MaxRuntime),
		frontier:   NewFrontier(),
	}, nil
}

// NewFromConfig builds the comparator, rules and querier from configuration
// and returns a crawler over them.
func NewFromConfig(cfg config.Interface, factory schemas.BrowserFactory, logger *zap.Logger, plugins ...Plugin) (*Crawler, error) {
	crawlCfg := cfg.Crawl()
	if err := crawlCfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	comparator, err := equivalence.FromConfig(cfg.Equivalence(), logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	rules, err := candidate.RulesFromConfig(crawlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	kinds := make([]schemas.EventKind, 0, len(crawlCfg.EventKinds))
	for _, k := range crawlCfg.EventKinds {
		kind, err := schemas.ParseEventKind(k)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
		}
		kinds = append(kinds, kind)
	}
	querier, err := candidate.NewQuerier(rules, kinds, crawlCfg.AllowedHosts, crawlCfg.SeedURL, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	extractor := candidate.NewExtractor(rules, logger)
	return New(OptionsFromConfig(crawlCfg, cfg.Browser()), factory, comparator, querier, extractor, logger, plugins...)
}

// Stop asks the crawl to end. Workers finish their current cycle first.
func (c *Crawler) Stop() {
	c.halt(schemas.ExitStoppedExternal)
}

func (c *Crawler) halt(status schemas.ExitStatus) {
	if c.notifier.Stop(status) {
		c.logger.Info("Crawl stopping.", zap.String("reason", string(status)))
	}
	c.frontier.Close()
}

// Run crawls until the frontier is exhausted, a limit is reached, Stop is
// called or ctx is cancelled. Cancelling ctx is treated like Stop: browser
// actions already in flight complete before the workers exit.
//
// An error is returned when the crawl could not start, or together with the
// result when a plugin aborted it.
func (c *Crawler) Run(ctx context.Context) (*Result, error) {
	if !c.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}

	sessionID := uuid.New().String()
	log := c.logger.With(zap.String("session_id", sessionID))
	graph := stateflow.NewGraph(c.comparator, c.logger, stateflow.WithInsertHook(func(*stateflow.StateVertex) {
		c.notifier.StateAdded()
	}))
	sess := newSession(sessionID, c.opts.SeedURL, graph)
	hooks := newHooks(c.plugins, c.opts.FailOnPluginError, c.logger, func() { c.halt(schemas.ExitStoppedExternal) })

	// Browser work is never cancelled mid-action; the stop is observed at the
	// Idle boundary instead.
	workCtx := context.WithoutCancel(ctx)

	log.Info("Starting crawl.", zap.String("seed_url", c.opts.SeedURL), zap.Int("workers", c.opts.Workers))
	c.notifier.Start()

	first, err := c.factory.NewBrowser(workCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	index, err := c.loadIndex(workCtx, first)
	if err != nil {
		closeBrowser(first, log)
		return nil, err
	}
	if err := graph.PutIndex(index); err != nil {
		closeBrowser(first, log)
		return nil, fmt.Errorf("failed to register index state: %w", err)
	}
	hooks.onNewState(workCtx, sess, index)
	c.frontier.Push(stateflow.CrawlPath{})
	if ctx.Err() != nil {
		c.halt(schemas.ExitStoppedExternal)
	}

	stopWatch := make(chan struct{})
	var watch sync.WaitGroup
	watch.Add(1)
	go func() {
		defer watch.Done()
		var deadline <-chan time.Time
		if c.opts.MaxRuntime > 0 {
			timer := time.NewTimer(c.opts.MaxRuntime)
			defer timer.Stop()
			deadline = timer.C
		}
		select {
		case <-ctx.Done():
			c.halt(schemas.ExitStoppedExternal)
		case <-deadline:
			c.halt(schemas.ExitMaxTime)
		case <-stopWatch:
		}
	}()

	c.live.Store(int64(c.opts.Workers))
	var g errgroup.Group
	for id := 1; id <= c.opts.Workers; id++ {
		w := c.newWorker(id, sess, hooks)
		if id == 1 {
			w.browser = first
		}
		g.Go(func() error {
			return w.run(workCtx)
		})
	}
	// A lost worker does not stop the others; Wait only reports the first loss.
	if err := g.Wait(); err != nil {
		log.Warn("Crawl ran with fewer workers.", zap.Int64("workers_lost", c.workersLost.Load()), zap.Error(err))
	}
	close(stopWatch)
	watch.Wait()

	if c.frontier.Exhausted() {
		c.notifier.Stop(schemas.ExitExhausted)
	}
	status, ok := c.notifier.Reason()
	if !ok {
		status = schemas.ExitExhausted
	}
	hooks.postCrawling(workCtx, sess, status)

	result := &Result{
		Session: sess,
		Status:  status,
		Stats: Stats{
			States:      graph.StateCount(),
			Edges:       graph.EdgeCount(),
			Fired:       c.fired.Load(),
			Failed:      c.failed.Load(),
			Abandoned:   c.abandoned.Load(),
			Restarts:    c.restarts.Load(),
			WorkersLost: c.workersLost.Load(),
			Duration:    c.notifier.Elapsed(),
		},
	}
	log.Info("Crawl finished.",
		zap.String("status", string(status)),
		zap.Int("states", result.Stats.States),
		zap.Int("edges", result.Stats.Edges),
		zap.Int64("events_fired", result.Stats.Fired),
		zap.Duration("duration", result.Stats.Duration),
	)
	return result, hooks.err()
}

// loadIndex opens the seed URL and observes the index state.
func (c *Crawler) loadIndex(ctx context.Context, b schemas.Browser) (*stateflow.StateVertex, error) {
	if err := b.GoToURL(ctx, c.opts.SeedURL); err != nil {
		return nil, fmt.Errorf("failed to load seed URL %s: %w", c.opts.SeedURL, err)
	}
	sleep(c.opts.WaitAfterReload)
	dom, err := b.CurrentDOM(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read index DOM: %w", err)
	}
	current, err := b.CurrentURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read index URL: %w", err)
	}
	return stateflow.NewStateVertex(current, c.comparator.Observe(dom)), nil
}

// workerLost records a worker that can no longer get a browser.
func (c *Crawler) workerLost() {
	c.workersLost.Add(1)
	if c.live.Add(-1) == 0 {
		c.halt(schemas.ExitAllWorkersLost)
	}
}

func closeBrowser(b schemas.Browser, log *zap.Logger) {
	if b == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		log.Debug("Failed to close browser.", zap.Error(err))
	}
}

// sleep waits a configured settle delay. It is not interruptible, matching
// the rule that in-flight actions are never preempted.
func sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}
