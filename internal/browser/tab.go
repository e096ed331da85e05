package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stateflow/api/schemas"
	"github.com/xkilldash9x/stateflow/internal/config"
)

const (
	defaultNavigationTimeout = 30 * time.Second
	defaultActionTimeout     = 10 * time.Second
)

// Tab is one browser tab owned by a single crawl worker. Calls must not overlap.
type Tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	navigationTimeout time.Duration
	actionTimeout     time.Duration

	closeOnce sync.Once
	onClose   func()
}

var _ schemas.Browser = (*Tab)(nil)

func newTab(ctx, allocCtx context.Context, cfg config.BrowserConfig, logger *zap.Logger, onClose func()) (*Tab, error) {
	tabCtx, cancel := chromedp.NewContext(allocCtx)
	t := &Tab{
		ctx:               tabCtx,
		cancel:            cancel,
		logger:            logger.Named("Tab"),
		navigationTimeout: orDefault(cfg.NavigationTimeout, defaultNavigationTimeout),
		actionTimeout:     orDefault(cfg.ActionTimeout, defaultActionTimeout),
		onClose:           onClose,
	}
	chromedp.ListenTarget(tabCtx, t.dismissDialogs)
	// The first Run creates the target.
	if err := t.run(ctx, t.navigationTimeout, chromedp.Navigate("about:blank")); err != nil {
		t.close()
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}
	return t, nil
}

// dismissDialogs answers alert, confirm and prompt dialogs, which would
// otherwise block every later action on the page.
func (t *Tab) dismissDialogs(ev interface{}) {
	dialog, ok := ev.(*page.EventJavascriptDialogOpening)
	if !ok {
		return
	}
	t.logger.Debug("Dismissing JavaScript dialog.", zap.Stringer("type", dialog.Type), zap.String("message", dialog.Message))
	// Listeners must not block the event loop.
	go func() {
		if err := chromedp.Run(t.ctx, page.HandleJavaScriptDialog(false)); err != nil && t.ctx.Err() == nil {
			t.logger.Debug("Failed to dismiss dialog.", zap.Error(err))
		}
	}()
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func (t *Tab) GoToURL(ctx context.Context, url string) error {
	err := t.run(ctx, t.navigationTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

func (t *Tab) CurrentDOM(ctx context.Context) (string, error) {
	var dom string
	if err := t.run(ctx, t.actionTimeout, chromedp.Evaluate(`document.documentElement.outerHTML`, &dom)); err != nil {
		return "", fmt.Errorf("failed to read DOM: %w", err)
	}
	return dom, nil
}

func (t *Tab) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := t.run(ctx, t.actionTimeout, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("failed to read URL: %w", err)
	}
	return url, nil
}

func (t *Tab) FindElement(ctx context.Context, id schemas.Identification) (bool, error) {
	script, err := presenceScript(id)
	if err != nil {
		return false, err
	}
	var found bool
	if err := t.run(ctx, t.actionTimeout, chromedp.Evaluate(script, &found)); err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", id, err)
	}
	return found, nil
}

func (t *Tab) FireEvent(ctx context.Context, id schemas.Identification, kind schemas.EventKind) error {
	found, err := t.FindElement(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", schemas.ErrElementNotFound, id)
	}

	var action chromedp.Action
	sel, by := selectorFor(id)
	switch kind {
	case schemas.EventClick:
		action = chromedp.Click(sel, by, chromedp.NodeReady)
	case schemas.EventDblClick:
		action = chromedp.DoubleClick(sel, by, chromedp.NodeReady)
	case schemas.EventSubmit:
		action = chromedp.Submit(sel, by, chromedp.NodeReady)
	default:
		script, err := dispatchScript(id, kind)
		if err != nil {
			return err
		}
		var dispatched bool
		action = chromedp.Evaluate(script, &dispatched)
	}
	if err := t.run(ctx, t.actionTimeout, action); err != nil {
		return fmt.Errorf("failed to fire %s on %s: %w", kind, id, err)
	}
	return nil
}

// Close closes the tab. It is safe to call more than once.
func (t *Tab) Close(context.Context) error {
	t.close()
	return nil
}

func (t *Tab) close() {
	t.closeOnce.Do(func() {
		t.cancel()
		if t.onClose != nil {
			t.onClose()
		}
	})
}

// run executes actions against the tab with a timeout. The caller's ctx can
// cut the wait short; failures of the browser itself are reported as
// schemas.ErrCommunication.
func (t *Tab) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if err := t.ctx.Err(); err != nil {
		return fmt.Errorf("%w: tab is closed: %v", schemas.ErrCommunication, err)
	}
	runCtx, cancel := context.WithTimeout(t.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && t.ctx.Err() == nil && runCtx.Err() == nil {
		t.logger.Debug("Browser action failed.", zap.Error(err))
	}
	return classify(err, t.ctx.Err() != nil)
}

// connectionMarkers are fragments of errors raised when the DevTools
// connection to the browser breaks.
var connectionMarkers = []string{
	"websocket",
	"target closed",
	"channel closed",
	"connection reset",
	"broken pipe",
	"use of closed network connection",
	"invalid context",
	"session closed",
}

// staleNodeErrors are chromedp errors raised when an element vanished or
// cannot be interacted with.
var staleNodeErrors = []error{
	chromedp.ErrNoResults,
	chromedp.ErrNotVisible,
	chromedp.ErrDisabled,
	chromedp.ErrInvalidBoxModel,
	chromedp.ErrInvalidDimensions,
	chromedp.ErrJSNull,
	chromedp.ErrJSUndefined,
}

// staleNodeMessages are fragments of DevTools protocol errors about nodes.
var staleNodeMessages = []string{
	"could not compute box model",
	"no node with given id",
	"could not find node with given id",
	"node is detached",
	"node is not an element",
}

// classify maps an action error onto the crawl error taxonomy. Timeouts and
// lost connections become ErrCommunication, vanished or unusable elements
// become ErrElementNotFound; other errors pass through.
func classify(err error, tabGone bool) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, schemas.ErrCommunication) || errors.Is(err, schemas.ErrElementNotFound) {
		return err
	}
	if tabGone || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", schemas.ErrCommunication, err)
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range connectionMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v", schemas.ErrCommunication, err)
		}
	}
	if staleNode(err) {
		return fmt.Errorf("%w: %v", schemas.ErrElementNotFound, err)
	}
	return err
}

func staleNode(err error) bool {
	for _, target := range staleNodeErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	msg := err.Error()
	var protoErr *cdproto.Error
	if errors.As(err, &protoErr) {
		msg = protoErr.Message
	}
	msg = strings.ToLower(msg)
	for _, fragment := range staleNodeMessages {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
