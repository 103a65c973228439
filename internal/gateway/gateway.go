// Package gateway is the boundary to the ad network: requests go out, a
// rendered creative or an empty slot comes back, and video creatives then
// report playback events.
package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/patrickwarner/openadtag/internal/consent"
)

type Kind int

const (
	KindDisplay Kind = iota
	KindVideo
)

func (k Kind) String() string {
	if k == KindVideo {
		return "video"
	}
	return "display"
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "display", "banner", "":
		return KindDisplay, nil
	case "video", "instream", "outstream":
		return KindVideo, nil
	}
	return KindDisplay, Err(ErrConfiguration, nil, "unknown placement kind %q", s)
}

type Size struct {
	W int `json:"w" yaml:"w"`
	H int `json:"h" yaml:"h"`
}

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.W, s.H) }

// Request describes one ad request for one placement.
type Request struct {
	SlotID       string
	AdUnitPath   string
	Kind         Kind
	Sizes        []Size
	Targeting    map[string]string
	Consent      consent.State
	PPID         string
	PageURL      string
	UserAgent    string
	IP           string
	Refresh      bool
	RefreshCount int
	Correlator   string
	SupplyChain  *SupplyChain
}

// Response is the outcome of a successful request. Empty is a valid no-fill.
type Response struct {
	Empty      bool
	Size       Size
	CreativeID string
	CampaignID string
	Markup     string
	TagURL     string
}

type EventType int

const (
	EventStarted EventType = iota
	EventPaused
	EventResumed
	EventCompleted
	EventError
)

func (e EventType) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventPaused:
		return "paused"
	case EventResumed:
		return "resumed"
	case EventCompleted:
		return "completed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

func ParseEventType(s string) (EventType, bool) {
	for _, e := range []EventType{EventStarted, EventPaused, EventResumed, EventCompleted, EventError} {
		if e.String() == s {
			return e, true
		}
	}
	return 0, false
}

// Event is a playback notification from a rendered creative.
type Event struct {
	Type EventType
	Err  error
}

// Instance controls a rendered creative.
type Instance interface {
	Pause()
	Resume()
	Resize(size Size)
	Destroy()
}

// Handler receives the outcome of a request. Gateways invoke both callbacks
// on the scheduler goroutine. OnResponse is called exactly once; OnEvent may
// follow any number of times while the instance lives.
type Handler struct {
	OnResponse func(resp Response, inst Instance, err error)
	OnEvent    func(ev Event)
}

// Gateway issues ad requests.
type Gateway interface {
	Request(ctx context.Context, req Request, h Handler)
}
