package crawler

import (
	"errors"
	"fmt"
	"time"

	"github.com/xkilldash9x/stateflow/internal/config"
)

// ErrInvalidOptions wraps every options validation failure.
var ErrInvalidOptions = errors.New("invalid crawl options")

// Options are the scheduling parameters of one crawl.
type Options struct {
	SeedURL    string
	Workers    int
	MaxStates  int // 0 = unlimited
	MaxDepth   int // 0 = unlimited
	MaxRuntime time.Duration

	// VerifyReplay checks after every replayed event that the browser
	// reached the recorded state and abandons the path otherwise.
	VerifyReplay      bool
	FailOnPluginError bool

	WaitAfterEvent  time.Duration
	WaitAfterReload time.Duration
	EventsPerSecond float64 // 0 = unthrottled

	// MaxRestarts bounds the browser replacements attempted after a
	// communication failure before the worker is given up.
	MaxRestarts int
}

// OptionsFromConfig maps the crawl and browser sections onto Options.
func OptionsFromConfig(crawl config.CrawlConfig, browser config.BrowserConfig) Options {
	return Options{
		SeedURL:           crawl.SeedURL,
		Workers:           crawl.Workers,
		MaxStates:         crawl.MaxStates,
		MaxDepth:          crawl.MaxDepth,
		MaxRuntime:        crawl.MaxRuntime,
		VerifyReplay:      crawl.VerifyReplay,
		FailOnPluginError: crawl.FailOnPluginError,
		WaitAfterEvent:    crawl.WaitAfterEvent,
		WaitAfterReload:   crawl.WaitAfterReload,
		EventsPerSecond:   crawl.EventsPerSecond,
		MaxRestarts:       browser.MaxRestarts,
	}
}

// Validate checks the options before a crawl starts.
func (o Options) Validate() error {
	seed := config.CrawlConfig{SeedURL: o.SeedURL}
	if err := seed.ValidateSeed(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	switch {
	case o.Workers < 1:
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidOptions, o.Workers)
	case o.MaxStates < 0:
		return fmt.Errorf("%w: max states must not be negative, got %d", ErrInvalidOptions, o.MaxStates)
	case o.MaxDepth < 0:
		return fmt.Errorf("%w: max depth must not be negative, got %d", ErrInvalidOptions, o.MaxDepth)
	case o.MaxRuntime < 0:
		return fmt.Errorf("%w: max runtime must not be negative, got %s", ErrInvalidOptions, o.MaxRuntime)
	case o.EventsPerSecond < 0:
		return fmt.Errorf("%w: events per second must not be negative, got %v", ErrInvalidOptions, o.EventsPerSecond)
	case o.MaxRestarts < 0:
		return fmt.Errorf("%w: max restarts must not be negative, got %d", ErrInvalidOptions, o.MaxRestarts)
	}
	return nil
}
