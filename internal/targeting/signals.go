package targeting

import (
	"net/url"
	"regexp"
	"strings"
	"time"
)

var genericCategories = map[string]bool{
	"home": true, "about": true, "contact": true, "blog": true, "news": true,
	"page": true, "post": true, "index": true, "main": true, "category": true,
	"uncategorized": true,
}

var (
	whitespace   = regexp.MustCompile(`\s+`)
	categoryJunk = regexp.MustCompile(`[^a-z0-9_,]`)
	authorJunk   = regexp.MustCompile(`[^a-z0-9]`)
)

// NormalizeCategory lowercases and cleans a detected category. Generic
// section names are rejected.
func NormalizeCategory(raw string) (string, bool) {
	c := strings.ToLower(strings.TrimSpace(raw))
	c = whitespace.ReplaceAllString(c, "_")
	c = categoryJunk.ReplaceAllString(c, "")
	if len(c) > 50 {
		c = c[:50]
	}
	if c == "" || genericCategories[c] {
		return "", false
	}
	return c, true
}

// AuthorKey turns an author name into a targeting-safe value.
func AuthorKey(name string) string {
	return authorJunk.ReplaceAllString(strings.ToLower(name), "_")
}

func Daypart(hour int) string {
	switch {
	case hour >= 6 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 17:
		return "afternoon"
	case hour >= 17 && hour < 21:
		return "evening"
	default:
		return "night"
	}
}

func VisitBucket(visits int64) string {
	switch {
	case visits <= 1:
		return "1"
	case visits <= 3:
		return "2-3"
	case visits <= 5:
		return "4-5"
	case visits <= 10:
		return "6-10"
	default:
		return "11+"
	}
}

func SessionAgeBucket(age time.Duration) string {
	switch {
	case age < 30*time.Second:
		return "0-30s"
	case age < time.Minute:
		return "30-60s"
	case age < 3*time.Minute:
		return "1-3m"
	case age < 5*time.Minute:
		return "3-5m"
	default:
		return "5m+"
	}
}

func ContentAge(age time.Duration) string {
	switch {
	case age < time.Hour:
		return "fresh"
	case age < 24*time.Hour:
		return "today"
	case age < 7*24*time.Hour:
		return "week"
	default:
		return "old"
	}
}

type sourceRule struct {
	pattern *regexp.Regexp
	source  string
	kind    string
}

var sourceRules = []sourceRule{
	{regexp.MustCompile(`google\.(com|co\.|[a-z]{2})`), "google", "search"},
	{regexp.MustCompile(`bing\.(com|co\.|[a-z]{2})`), "bing", "search"},
	{regexp.MustCompile(`yahoo\.(com|co\.|[a-z]{2})`), "yahoo", "search"},
	{regexp.MustCompile(`facebook\.com|fb\.com|instagram\.com`), "facebook", "social"},
	{regexp.MustCompile(`twitter\.com|^t\.co$|(^|\.)x\.com$`), "twitter", "social"},
	{regexp.MustCompile(`linkedin\.com`), "linkedin", "social"},
	{regexp.MustCompile(`reddit\.com`), "reddit", "social"},
	{regexp.MustCompile(`pinterest\.com`), "pinterest", "social"},
	{regexp.MustCompile(`youtube\.com|youtu\.be`), "youtube", "video"},
}

// ClassifyReferrer returns the referrer host without www, the traffic source
// and its type. An empty or unparsable referrer is direct traffic.
func ClassifyReferrer(referrer string) (host, source, kind string) {
	if referrer == "" {
		return "", "direct", "direct"
	}
	u, err := url.Parse(referrer)
	if err != nil || u.Hostname() == "" {
		return "", "direct", "direct"
	}
	host = strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for _, r := range sourceRules {
		if r.pattern.MatchString(host) {
			return host, r.source, r.kind
		}
	}
	return host, "referral", "referral"
}

// roundDown100 buckets pixel dimensions to the lower hundred.
func roundDown100(v float64) int {
	if v <= 0 {
		return 0
	}
	return int(v) / 100 * 100
}

func lang2(s string) string {
	if len(s) < 2 {
		return strings.ToLower(s)
	}
	return strings.ToLower(s[:2])
}
