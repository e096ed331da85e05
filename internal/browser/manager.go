// Package browser implements the crawl browser capability on top of Chrome,
// driven through the DevTools protocol by chromedp.
package browser

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stateflow/api/schemas"
	"github.com/xkilldash9x/stateflow/internal/config"
)

const (
	launchTimeout       = 30 * time.Second
	shutdownGracePeriod = 15 * time.Second
)

// Manager owns the Chrome process and hands out one isolated tab per crawl
// worker. It implements schemas.BrowserFactory; when the process has died it
// is relaunched on the next NewBrowser call.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	mu              sync.Mutex
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	closed          bool

	// wg tracks open tabs for a graceful shutdown.
	wg sync.WaitGroup
}

var _ schemas.BrowserFactory = (*Manager)(nil)

// NewManager launches the browser process and checks that it responds.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{logger: logger.Named("BrowserManager"), cfg: cfg}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.launchLocked(ctx); err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return m, nil
}

// launchLocked starts Chrome. The allocator outlives ctx; it is torn down by Shutdown.
func (m *Manager) launchLocked(ctx context.Context) error {
	m.logger.Info("Initializing browser allocator...", zap.Bool("headless", m.cfg.Headless))

	allocCtx, cancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), buildAllocatorOptions(m.cfg)...)

	testCtx, cancelTest := context.WithTimeout(allocCtx, launchTimeout)
	defer cancelTest()
	testCtx, cancelTestCtx := chromedp.NewContext(testCtx)
	defer cancelTestCtx()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		cancel()
		return fmt.Errorf("browser failed to start or respond: %w", err)
	}

	m.allocatorCtx = allocCtx
	m.allocatorCancel = cancel
	m.logger.Info("Browser launched and responsive.")
	return nil
}

// NewBrowser opens a fresh tab. A dead browser process is relaunched first.
func (m *Manager) NewBrowser(ctx context.Context) (schemas.Browser, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: browser manager is shut down", schemas.ErrCommunication)
	}
	if m.allocatorCtx == nil || m.allocatorCtx.Err() != nil {
		m.logger.Warn("Browser process is gone, relaunching.")
		if err := m.launchLocked(ctx); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", schemas.ErrCommunication, err)
		}
	}
	allocCtx := m.allocatorCtx
	m.wg.Add(1)
	m.mu.Unlock()

	tab, err := newTab(ctx, allocCtx, m.cfg, m.logger, m.wg.Done)
	if err != nil {
		m.wg.Done()
		return nil, err
	}
	return tab, nil
}

// Shutdown waits for open tabs to close, bounded by ctx, and then
// terminates the browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.logger.Info("Browser manager shutdown initiated. Waiting for open tabs...")
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(ctx, shutdownGracePeriod)
	defer cancel()
	select {
	case <-done:
		m.logger.Info("All tabs closed.")
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded. Forcing browser termination.", zap.Error(ctx.Err()))
	}

	if m.allocatorCancel != nil {
		m.logger.Info("Shutting down browser process...")
		m.allocatorCancel()
		<-m.allocatorCtx.Done()
	}
	return nil
}

// flag is one Chrome command line switch. A false bool omits the switch.
type flag struct {
	name  string
	value interface{}
}

// buildAllocatorOptions assembles the Chrome flags for the configuration.
// Later flags override earlier ones with the same name.
func buildAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	for _, f := range allocatorFlags(cfg) {
		opts = append(opts, chromedp.Flag(f.name, f.value))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		opts = append(opts, chromedp.WindowSize(w, h))
	}
	return opts
}

func allocatorFlags(cfg config.BrowserConfig) []flag {
	flags := []flag{
		{"headless", cfg.Headless},
		{"disable-gpu", cfg.Headless},
		{"disable-extensions", true},
		{"mute-audio", true},
	}
	if cfg.IgnoreTLSErrors {
		flags = append(flags, flag{"ignore-certificate-errors", true}, flag{"allow-insecure-localhost", true})
	}
	// Needed inside containers.
	if runtime.GOOS == "linux" {
		flags = append(flags,
			flag{"no-sandbox", true},
			flag{"disable-dev-shm-usage", true},
			flag{"disable-setuid-sandbox", true},
		)
	}
	// User arguments come last so they can override the defaults.
	for _, arg := range cfg.Args {
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if name == "" {
			continue
		}
		if hasValue {
			flags = append(flags, flag{name, value})
		} else {
			flags = append(flags, flag{name, true})
		}
	}
	return flags
}
