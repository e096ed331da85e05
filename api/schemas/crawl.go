package schemas

import (
	"fmt"
	"strings"
)

// IdentificationKind names the locator strategy used to find an element.
type IdentificationKind string

const (
	IdentifyByXPath IdentificationKind = "xpath"
	IdentifyByID    IdentificationKind = "id"
	IdentifyByTag   IdentificationKind = "tag"
	IdentifyByCSS   IdentificationKind = "css"
	IdentifyByName  IdentificationKind = "name"
)

// Valid reports whether the kind is one of the known locator strategies.
func (k IdentificationKind) Valid() bool {
	switch k {
	case IdentifyByXPath, IdentifyByID, IdentifyByTag, IdentifyByCSS, IdentifyByName:
		return true
	}
	return false
}

// Identification is a stable locator for a UI element.
type Identification struct {
	How   IdentificationKind `json:"how"`
	Value string             `json:"value"`
}

func (i Identification) String() string {
	return fmt.Sprintf("%s %s", i.How, i.Value)
}

// EventKind is the user action fired on a candidate element.
type EventKind string

const (
	EventClick     EventKind = "click"
	EventSubmit    EventKind = "submit"
	EventChange    EventKind = "change"
	EventMouseOver EventKind = "mouseover"
	EventDblClick  EventKind = "dblclick"
)

// ParseEventKind normalizes a configured event kind.
func ParseEventKind(s string) (EventKind, error) {
	k := EventKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case EventClick, EventSubmit, EventChange, EventMouseOver, EventDblClick:
		return k, nil
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

// ExitStatus is the reason a crawl ended.
type ExitStatus string

const (
	ExitExhausted       ExitStatus = "EXHAUSTED"
	ExitMaxStates       ExitStatus = "MAX_STATES_REACHED"
	ExitMaxTime         ExitStatus = "MAX_TIME_REACHED"
	ExitStoppedExternal ExitStatus = "STOPPED_EXTERNALLY"
	ExitAllWorkersLost  ExitStatus = "ALL_WORKERS_LOST"
)

// Successful reports whether the crawl ended on its own terms rather than
// through an external stop or the loss of every worker.
func (s ExitStatus) Successful() bool {
	switch s {
	case ExitExhausted, ExitMaxStates, ExitMaxTime:
		return true
	}
	return false
}

// Element describes the DOM element behind a candidate or an eventable.
type Element struct {
	Tag        string            `json:"tag"`
	Text       string            `json:"text,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	// XPath is the absolute, index-qualified path of the element.
	XPath string `json:"xpath"`
}
