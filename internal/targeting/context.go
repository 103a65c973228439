// Package targeting derives the key-values attached to every ad request from
// the page, the device and the visitor's session.
package targeting

import "time"

// Context holds everything known about the page view that targeting is built
// from. It is populated by the page adapter from the publisher context, the
// request headers and the visitor's stored counters.
type Context struct {
	PageURL  string
	Referrer string

	UserAgent    string
	Language     string // browser language, e.g. "en-US"
	PageLanguage string // document language, e.g. "de"
	Timezone     string // IANA name reported by the browser

	ScreenW, ScreenH     float64
	ViewportW, ViewportH float64
	DevicePixelRatio     float64

	// Publisher context. Empty fields are omitted or detected.
	Category           string
	DetectedCategories []string // page metadata candidates, most specific first
	ContentType        string
	LoginStatus        string
	SubStatus          string
	Engagement         string
	Author             string
	PublishDate        time.Time
	Tags               []string

	Session Session
	Country string // ISO code from GeoIP, when known
}

// Session carries the visitor counters kept between page views.
type Session struct {
	Visits    int64
	PageDepth int64
	Started   time.Time
}

// Device is the parsed User-Agent.
type Device struct {
	Class   string // desktop, mobile, tablet or other
	OS      string
	Browser string
	IsBot   bool
}

// Mobile reports whether the device is a phone or tablet.
func (d Device) Mobile() bool { return d.Class == "mobile" || d.Class == "tablet" }
