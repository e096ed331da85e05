package schemas

import (
	"context"
	"errors"
)

// ErrCommunication marks a failure to talk to the browser process itself
// (crash, closed websocket, timeout). The owning worker discards the browser
// and asks its factory for a new one.
var ErrCommunication = errors.New("browser communication failure")

// ErrElementNotFound reports that an identification no longer resolves to an
// element in the current document.
var ErrElementNotFound = errors.New("element not found")

// -- Browser Capability --

// Browser is the blocking, single-owner view of one browser instance that a
// crawl worker drives. Implementations are not required to be safe for
// concurrent use; a worker never issues overlapping calls.
//
//go:generate mockery --name Browser --output ../../internal/mocks --outpkg mocks
type Browser interface {
	// GoToURL navigates the browser to the given absolute URL and waits for the load to settle.
	GoToURL(ctx context.Context, url string) error
	// CurrentDOM returns the serialized document of the current page.
	CurrentDOM(ctx context.Context) (string, error)
	// CurrentURL returns the URL of the current page.
	CurrentURL(ctx context.Context) (string, error)
	// FireEvent dispatches the given event on the element the identification resolves to.
	FireEvent(ctx context.Context, id Identification, kind EventKind) error
	// FindElement reports whether the identification resolves to an element.
	FindElement(ctx context.Context, id Identification) (bool, error)
	// Close releases the browser. It is safe to call more than once.
	Close(ctx context.Context) error
}

// BrowserFactory creates fresh browser instances. A worker calls it once at
// start-up and again each time its browser has to be replaced.
type BrowserFactory interface {
	NewBrowser(ctx context.Context) (Browser, error)
}
