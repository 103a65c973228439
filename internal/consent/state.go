// Package consent resolves the privacy state of a page view from whichever
// consent management platform answers first, a region heuristic, or a
// bounded timeout.
package consent

type Region int

const (
	RegionUnknown Region = iota
	RegionEU
	RegionNonEU
)

func (r Region) String() string {
	switch r {
	case RegionEU:
		return "eu"
	case RegionNonEU:
		return "non_eu"
	default:
		return "unknown"
	}
}

// Source names the signal that settled the state.
type Source int

const (
	SourceNone Source = iota
	SourceGPP
	SourceTCF
	SourceUSPrivacy
	SourceRegionHeuristic
	SourceTimeout
)

func (s Source) String() string {
	switch s {
	case SourceGPP:
		return "gpp"
	case SourceTCF:
		return "tcf"
	case SourceUSPrivacy:
		return "us_privacy"
	case SourceRegionHeuristic:
		return "region_heuristic"
	case SourceTimeout:
		return "timeout"
	default:
		return "none"
	}
}

// State is an immutable consent snapshot, created once per page view.
type State struct {
	HasConsent           bool
	NonPersonalizedOnly  bool
	RestrictedProcessing bool
	Region               Region
	ResolvedVia          Source

	GDPRApplies bool
	TCString    string
	GPPString   string
	GPPSections []int
	USPString   string
}

// AllowsAds reports whether any form of ad delivery is permitted.
func (s State) AllowsAds() bool {
	return s.HasConsent || s.NonPersonalizedOnly
}

// Personalized reports whether personalized ads may be requested.
func (s State) Personalized() bool {
	return s.HasConsent && !s.NonPersonalizedOnly
}

// ConsentMode returns the consent-mode signals forwarded to the ad network.
func (s State) ConsentMode() map[string]string {
	personal := "denied"
	if s.Personalized() && !s.RestrictedProcessing {
		personal = "granted"
	}
	storage := "denied"
	if s.AllowsAds() {
		storage = "granted"
	}
	return map[string]string{
		"ad_storage":         storage,
		"ad_user_data":       personal,
		"ad_personalization": personal,
		"analytics_storage":  storage,
	}
}
