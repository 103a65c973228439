// Package geoip resolves a visitor's country from their IP address. The
// country feeds the consent region heuristic and the country key-value.
package geoip

import (
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/oschwald/geoip2-golang"
)

// GeoIP provides country lookup using a MaxMind DB or a JSON fallback of
// CIDR ranges.
type GeoIP struct {
	db       *geoip2.Reader
	fallback []record
}

type record struct {
	net     *net.IPNet
	country string
	region  string
}

// Location is the result of a lookup. Empty fields are unknown.
type Location struct {
	Country string
	Region  string
}

// Init opens the GeoIP2 database located at path, falling back to a JSON
// file of {"net","country","region"} entries.
func Init(path string) (*GeoIP, error) {
	g := &GeoIP{}
	db, err := geoip2.Open(path)
	if err == nil {
		g.db = db
		return g, nil
	}

	data, jerr := os.ReadFile(path)
	if jerr != nil {
		return nil, err
	}
	var entries []struct {
		Net     string `json:"net"`
		Country string `json:"country"`
		Region  string `json:"region"`
	}
	if jerr = json.Unmarshal(data, &entries); jerr != nil {
		return nil, err
	}
	for _, e := range entries {
		if _, n, perr := net.ParseCIDR(e.Net); perr == nil {
			g.fallback = append(g.fallback, record{net: n, country: strings.ToUpper(e.Country), region: e.Region})
		}
	}
	return g, nil
}

// Country returns the ISO country code for ip, or "" when unknown. A nil
// GeoIP knows nothing.
func (g *GeoIP) Country(ip net.IP) string {
	if g == nil || ip == nil {
		return ""
	}
	if g.db != nil {
		rec, err := g.db.Country(ip)
		if err == nil {
			return rec.Country.IsoCode
		}
	}
	for _, r := range g.fallback {
		if r.net.Contains(ip) {
			return r.country
		}
	}
	return ""
}

// Region returns the subdivision code for ip, or "".
func (g *GeoIP) Region(ip net.IP) string {
	if g == nil || ip == nil {
		return ""
	}
	if g.db != nil {
		rec, err := g.db.City(ip)
		if err == nil && len(rec.Subdivisions) > 0 {
			return rec.Subdivisions[0].IsoCode
		}
	}
	for _, r := range g.fallback {
		if r.net.Contains(ip) {
			return r.region
		}
	}
	return ""
}

// Lookup parses ip and resolves both fields.
func (g *GeoIP) Lookup(ip string) Location {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	return Location{Country: g.Country(parsed), Region: g.Region(parsed)}
}

// ClientIP returns the originating address of r, preferring the first
// X-Forwarded-For hop.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Close releases resources associated with the database.
func (g *GeoIP) Close() error {
	if g != nil && g.db != nil {
		return g.db.Close()
	}
	return nil
}
