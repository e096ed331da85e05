package crawler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/stateflow/api/schemas"
	"github.com/xkilldash9x/stateflow/internal/candidate"
	"github.com/xkilldash9x/stateflow/internal/stateflow"
)

// ErrPluginAborted is returned by Run when a plugin failed and the crawl was
// configured to stop on plugin errors.
var ErrPluginAborted = errors.New("crawl aborted by plugin")

// Plugin is the base of every crawl hook. A plugin implements any subset of
// the hook interfaces below; hooks run in registration order on the worker
// that triggered them, so implementations must be safe for concurrent use.
type Plugin interface {
	Name() string
}

// OnNewStatePlugin runs after a state is added to the graph, the index included.
type OnNewStatePlugin interface {
	Plugin
	OnNewState(ctx context.Context, sess *Session, state *stateflow.StateVertex) error
}

// OnRevisitStatePlugin runs when an event leads to a state that is already known.
type OnRevisitStatePlugin interface {
	Plugin
	OnRevisitState(ctx context.Context, sess *Session, state *stateflow.StateVertex) error
}

// PreStateCrawlingPlugin runs once per state, before its first candidate is fired.
type PreStateCrawlingPlugin interface {
	Plugin
	PreStateCrawling(ctx context.Context, sess *Session, state *stateflow.StateVertex, candidates []candidate.Candidate) error
}

// OnFireEventFailedPlugin runs when a candidate could not be found or fired.
type OnFireEventFailedPlugin interface {
	Plugin
	OnFireEventFailed(ctx context.Context, sess *Session, event *stateflow.Eventable, path stateflow.CrawlPath) error
}

// PostCrawlingPlugin runs once after every worker has stopped.
type PostCrawlingPlugin interface {
	Plugin
	PostCrawling(ctx context.Context, sess *Session, status schemas.ExitStatus) error
}

// hooks dispatches to the registered plugins. A panicking or failing plugin
// is logged and never takes its worker down.
type hooks struct {
	plugins     []Plugin
	failOnError bool
	logger      *zap.Logger
	onAbort     func()

	mu       sync.Mutex
	abortErr error
}

func newHooks(plugins []Plugin, failOnError bool, logger *zap.Logger, onAbort func()) *hooks {
	return &hooks{plugins: plugins, failOnError: failOnError, logger: logger.Named("Plugins"), onAbort: onAbort}
}

// invoke runs fn with panic recovery and records failures.
func (h *hooks) invoke(p Plugin, hook string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("Plugin panicked",
					zap.String("plugin", p.Name()),
					zap.String("hook", hook),
					zap.Any("panicValue", r),
					zap.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("plugin %s panicked in %s: %v", p.Name(), hook, r)
			}
		}()
		return fn()
	}()
	if err == nil {
		return
	}
	h.logger.Warn("Plugin hook failed", zap.String("plugin", p.Name()), zap.String("hook", hook), zap.Error(err))
	if !h.failOnError {
		return
	}
	h.mu.Lock()
	first := h.abortErr == nil
	if first {
		h.abortErr = fmt.Errorf("%w: %s.%s: %v", ErrPluginAborted, p.Name(), hook, err)
	}
	h.mu.Unlock()
	if first && h.onAbort != nil {
		h.onAbort()
	}
}

func (h *hooks) err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.abortErr
}

func (h *hooks) onNewState(ctx context.Context, sess *Session, state *stateflow.StateVertex) {
	for _, p := range h.plugins {
		if hp, ok := p.(OnNewStatePlugin); ok {
			h.invoke(p, "OnNewState", func() error { return hp.OnNewState(ctx, sess, state) })
		}
	}
}

func (h *hooks) onRevisitState(ctx context.Context, sess *Session, state *stateflow.StateVertex) {
	for _, p := range h.plugins {
		if hp, ok := p.(OnRevisitStatePlugin); ok {
			h.invoke(p, "OnRevisitState", func() error { return hp.OnRevisitState(ctx, sess, state) })
		}
	}
}

func (h *hooks) preStateCrawling(ctx context.Context, sess *Session, state *stateflow.StateVertex, candidates []candidate.Candidate) {
	for _, p := range h.plugins {
		if hp, ok := p.(PreStateCrawlingPlugin); ok {
			h.invoke(p, "PreStateCrawling", func() error { return hp.PreStateCrawling(ctx, sess, state, candidates) })
		}
	}
}

func (h *hooks) onFireEventFailed(ctx context.Context, sess *Session, event *stateflow.Eventable, path stateflow.CrawlPath) {
	for _, p := range h.plugins {
		if hp, ok := p.(OnFireEventFailedPlugin); ok {
			h.invoke(p, "OnFireEventFailed", func() error { return hp.OnFireEventFailed(ctx, sess, event, path) })
		}
	}
}

func (h *hooks) postCrawling(ctx context.Context, sess *Session, status schemas.ExitStatus) {
	for _, p := range h.plugins {
		if hp, ok := p.(PostCrawlingPlugin); ok {
			h.invoke(p, "PostCrawling", func() error { return hp.PostCrawling(ctx, sess, status) })
		}
	}
}
