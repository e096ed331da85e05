package mocks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/stateflow/api/schemas"
)

// Attributes the fake browser interprets on page elements.
const (
	// AttrGoTo names the page an event on the element leads to.
	AttrGoTo = "data-goto"
	// AttrVanish makes the element impossible to find when an event is due.
	AttrVanish = "data-vanish"
	// AttrCrash makes an event on the element kill the browser.
	AttrCrash = "data-crash"
)

// Site is a deterministic in-memory web application. Pages are named and
// each has a URL and a DOM; events on elements carrying data-goto switch the
// browser to the named page and every other event leaves it unchanged.
//
// Site implements schemas.BrowserFactory. Configure it before the first
// NewBrowser call.
type Site struct {
	seed  string
	pages map[string]page
	order []string

	mu          sync.Mutex
	launchErrs  []error
	launchLimit int

	launched atomic.Int64
	closed   atomic.Int64
	events   atomic.Int64
}

type page struct {
	name string
	url  string
	dom  string
}

var _ schemas.BrowserFactory = (*Site)(nil)

// NewSite creates a site whose seed page is name.
func NewSite(name, url, dom string) *Site {
	s := &Site{seed: name, pages: make(map[string]page), launchLimit: -1}
	return s.AddPage(name, url, dom)
}

// AddPage registers a page.
func (s *Site) AddPage(name, url, dom string) *Site {
	if _, ok := s.pages[name]; !ok {
		s.order = append(s.order, name)
	}
	s.pages[name] = page{name: name, url: url, dom: dom}
	return s
}

// FailLaunches makes the next NewBrowser calls fail with errs, in order.
func (s *Site) FailLaunches(errs ...error) *Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launchErrs = append(s.launchErrs, errs...)
	return s
}

// LimitLaunches makes every NewBrowser call after the first n fail.
func (s *Site) LimitLaunches(n int) *Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launchLimit = n
	return s
}

// SeedURL returns the URL of the seed page.
func (s *Site) SeedURL() string { return s.pages[s.seed].url }

// Launched returns how many browsers were started.
func (s *Site) Launched() int { return int(s.launched.Load()) }

// Closed returns how many browsers were closed.
func (s *Site) Closed() int { return int(s.closed.Load()) }

// Events returns how many events were fired across all browsers.
func (s *Site) Events() int { return int(s.events.Load()) }

func (s *Site) NewBrowser(ctx context.Context) (schemas.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if len(s.launchErrs) > 0 {
		err := s.launchErrs[0]
		s.launchErrs = s.launchErrs[1:]
		s.mu.Unlock()
		return nil, err
	}
	if s.launchLimit >= 0 && int(s.launched.Load()) >= s.launchLimit {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: launch limit reached", schemas.ErrCommunication)
	}
	s.launched.Add(1)
	s.mu.Unlock()
	return &SiteBrowser{site: s}, nil
}

// SiteBrowser is one browser over a Site.
type SiteBrowser struct {
	site    *Site
	current *page
	dead    bool
	closed  bool
}

var _ schemas.Browser = (*SiteBrowser)(nil)

func (b *SiteBrowser) alive() error {
	if b.dead || b.closed {
		return fmt.Errorf("%w: browser is gone", schemas.ErrCommunication)
	}
	return nil
}

func (b *SiteBrowser) GoToURL(_ context.Context, url string) error {
	if err := b.alive(); err != nil {
		return err
	}
	// Pages may share a URL; navigation always lands on the first page
	// registered for it, the seed first of all.
	if seed := b.site.pages[b.site.seed]; seed.url == url {
		b.current = &seed
		return nil
	}
	for _, name := range b.site.order {
		if p := b.site.pages[name]; p.url == url {
			b.current = &p
			return nil
		}
	}
	return fmt.Errorf("no page at %s", url)
}

func (b *SiteBrowser) CurrentDOM(context.Context) (string, error) {
	if err := b.alive(); err != nil {
		return "", err
	}
	if b.current == nil {
		return "", errors.New("no page loaded")
	}
	return b.current.dom, nil
}

func (b *SiteBrowser) CurrentURL(context.Context) (string, error) {
	if err := b.alive(); err != nil {
		return "", err
	}
	if b.current == nil {
		return "about:blank", nil
	}
	return b.current.url, nil
}

func (b *SiteBrowser) FindElement(_ context.Context, id schemas.Identification) (bool, error) {
	if err := b.alive(); err != nil {
		return false, err
	}
	n, err := b.resolve(id)
	if err != nil {
		return false, err
	}
	return n != nil && !hasAttr(n, AttrVanish), nil
}

func (b *SiteBrowser) FireEvent(_ context.Context, id schemas.Identification, _ schemas.EventKind) error {
	if err := b.alive(); err != nil {
		return err
	}
	n, err := b.resolve(id)
	if err != nil {
		return err
	}
	if n == nil || hasAttr(n, AttrVanish) {
		return fmt.Errorf("%w: %s", schemas.ErrElementNotFound, id)
	}
	b.site.events.Add(1)
	if hasAttr(n, AttrCrash) {
		b.dead = true
		return fmt.Errorf("%w: browser crashed", schemas.ErrCommunication)
	}
	target := htmlquery.SelectAttr(n, AttrGoTo)
	if target == "" {
		return nil
	}
	next, ok := b.site.pages[target]
	if !ok {
		return fmt.Errorf("element %s leads to unknown page %q", id, target)
	}
	b.current = &next
	return nil
}

func (b *SiteBrowser) Close(context.Context) error {
	if !b.closed {
		b.closed = true
		b.site.closed.Add(1)
	}
	return nil
}

// resolve finds the element id points to in the current page, or nil.
func (b *SiteBrowser) resolve(id schemas.Identification) (*html.Node, error) {
	if b.current == nil {
		return nil, nil
	}
	doc, err := htmlquery.Parse(strings.NewReader(b.current.dom))
	if err != nil {
		return nil, err
	}
	switch id.How {
	case schemas.IdentifyByXPath:
		return htmlquery.Query(doc, id.Value)
	case schemas.IdentifyByID:
		return htmlquery.Query(doc, fmt.Sprintf("//*[@id=%q]", id.Value))
	case schemas.IdentifyByName:
		return htmlquery.Query(doc, fmt.Sprintf("//*[@name=%q]", id.Value))
	case schemas.IdentifyByTag:
		return htmlquery.Query(doc, "//"+id.Value)
	case schemas.IdentifyByCSS:
		sel := goquery.NewDocumentFromNode(doc).Find(id.Value)
		if sel.Length() == 0 {
			return nil, nil
		}
		return sel.Get(0), nil
	}
	return nil, fmt.Errorf("unsupported identification %s", id)
}

func hasAttr(n *html.Node, name string) bool {
	for _, a := range n.Attr {
		if a.Key == name {
			return true
		}
	}
	return false
}
