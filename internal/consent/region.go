package consent

import "strings"

var euTimezones = stringSet(
	"Europe/London", "Europe/Paris", "Europe/Berlin", "Europe/Rome",
	"Europe/Madrid", "Europe/Amsterdam", "Europe/Brussels", "Europe/Vienna",
	"Europe/Stockholm", "Europe/Copenhagen", "Europe/Helsinki", "Europe/Dublin",
	"Europe/Prague", "Europe/Warsaw", "Europe/Budapest", "Europe/Bucharest",
	"Europe/Athens", "Europe/Lisbon", "Europe/Sofia", "Europe/Zagreb",
	"Europe/Vilnius", "Europe/Tallinn", "Europe/Riga", "Europe/Ljubljana",
	"Europe/Bratislava", "Europe/Luxembourg", "Europe/Malta", "Asia/Nicosia",
	"Europe/Nicosia",
)

var euLanguages = []string{
	"de", "fr", "it", "es", "nl", "pl", "ro", "el", "cs", "pt", "hu", "sv",
	"da", "fi", "sk", "bg", "hr", "lt", "lv", "et", "sl", "mt",
}

// EU, EEA, UK and Swiss country codes.
var euCountries = stringSet(
	"AT", "BE", "BG", "HR", "CY", "CZ", "DK", "EE", "FI", "FR", "DE", "GR",
	"HU", "IE", "IT", "LV", "LT", "LU", "MT", "NL", "PL", "PT", "RO", "SK",
	"SI", "ES", "SE", "IS", "LI", "NO", "GB", "CH",
)

func stringSet(values ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// RegionSignals are the hints available without asking a CMP.
type RegionSignals struct {
	Country    string // ISO 3166-1 alpha-2 from GeoIP, if known
	Timezone   string // IANA zone reported by the browser
	CMPPresent bool   // a TCF stub is installed on the page
	Languages  []string
}

// DetectRegion classifies the visitor. A GeoIP country is authoritative;
// otherwise timezone, CMP presence and language are tried in that order.
// With no signals at all the region is unknown.
func DetectRegion(sig RegionSignals) Region {
	if c := strings.ToUpper(strings.TrimSpace(sig.Country)); c != "" {
		if _, ok := euCountries[c]; ok {
			return RegionEU
		}
		return RegionNonEU
	}
	if _, ok := euTimezones[sig.Timezone]; ok {
		return RegionEU
	}
	if sig.CMPPresent {
		return RegionEU
	}
	for _, lang := range sig.Languages {
		if isEULanguage(lang) {
			return RegionEU
		}
	}
	if sig.Timezone != "" || len(sig.Languages) > 0 {
		return RegionNonEU
	}
	return RegionUnknown
}

func isEULanguage(lang string) bool {
	lang = strings.ToLower(lang)
	if i := strings.IndexAny(lang, "-_"); i >= 0 {
		lang = lang[:i]
	}
	for _, l := range euLanguages {
		if lang == l {
			return true
		}
	}
	return false
}
