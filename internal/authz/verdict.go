// Package authz decides whether ads may be delivered on a publisher domain,
// from a remote list, a cached verdict or an embedded fallback list.
package authz

import (
	"strings"
	"sync/atomic"
	"time"
)

type Source int

const (
	SourceRemoteList Source = iota + 1
	SourceCachedList
	SourceFallbackList
)

func (s Source) String() string {
	switch s {
	case SourceRemoteList:
		return "remote_list"
	case SourceCachedList:
		return "cached_list"
	case SourceFallbackList:
		return "fallback_list"
	default:
		return "unknown"
	}
}

func (s Source) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Source) UnmarshalText(b []byte) error {
	switch string(b) {
	case "remote_list":
		*s = SourceRemoteList
	case "cached_list":
		*s = SourceCachedList
	case "fallback_list":
		*s = SourceFallbackList
	default:
		*s = 0
	}
	return nil
}

// Verdict is the authorization decision for one domain.
type Verdict struct {
	Domain     string    `json:"domain"`
	Authorized bool      `json:"authorized"`
	Source     Source    `json:"source"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Mode selects how list membership is interpreted.
type Mode int

const (
	// ModeAllow authorizes only listed domains.
	ModeAllow Mode = iota
	// ModeDeny blocks listed domains and authorizes everything else.
	ModeDeny
)

func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "deny", "block", "blacklist":
		return ModeDeny
	default:
		return ModeAllow
	}
}

func (m Mode) String() string {
	if m == ModeDeny {
		return "deny"
	}
	return "allow"
}

// Latch is the session-wide blocked flag. Once set it stays set until Reset,
// which only an explicit cache bypass performs.
type Latch struct {
	blocked atomic.Bool
}

// Block sets the latch and reports whether this call changed it.
func (l *Latch) Block() bool { return l.blocked.CompareAndSwap(false, true) }

func (l *Latch) Blocked() bool { return l.blocked.Load() }

func (l *Latch) Reset() { l.blocked.Store(false) }
