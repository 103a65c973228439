package authz

import (
	"net/url"
	"strings"
)

// Normalize reduces a domain, host or URL to a bare lower-case host without a
// leading "www.".
func Normalize(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	if strings.Contains(d, "://") {
		if u, err := url.Parse(d); err == nil {
			d = u.Hostname()
		}
	} else if i := strings.IndexAny(d, "/:"); i >= 0 {
		d = d[:i]
	}
	d = strings.TrimSuffix(d, ".")
	return strings.TrimPrefix(d, "www.")
}

// Matches reports whether domain matches any pattern. Patterns are exact
// hosts or "*.suffix", which matches the suffix itself and every subdomain.
func Matches(domain string, patterns []string) bool {
	d := Normalize(domain)
	if d == "" {
		return false
	}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if suffix, ok := strings.CutPrefix(p, "*."); ok {
			suffix = Normalize(suffix)
			if suffix != "" && (d == suffix || strings.HasSuffix(d, "."+suffix)) {
				return true
			}
			continue
		}
		if Normalize(p) == d {
			return true
		}
	}
	return false
}
