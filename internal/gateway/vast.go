package gateway

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/patrickwarner/openadtag/internal/consent"
)

// BuildVASTTagURL appends the standard video ad request parameters for req to
// base: ad unit, sizes, correlator, page URL, key-values and privacy signals.
func BuildVASTTagURL(base string, req Request) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", Err(ErrConfiguration, err, "invalid VAST base URL")
	}
	q := u.Query()
	q.Set("iu", req.AdUnitPath)
	q.Set("sz", joinSizes(req.Sizes))
	q.Set("env", "vp")
	q.Set("gdfp_req", "1")
	q.Set("output", "vast")
	q.Set("unviewed_position_start", "1")
	q.Set("correlator", req.Correlator)
	if req.PageURL != "" {
		q.Set("url", req.PageURL)
		q.Set("description_url", req.PageURL)
	}
	if len(req.Targeting) > 0 {
		q.Set("cust_params", encodeKeyValues(req.Targeting))
	}
	if req.PPID != "" && req.Consent.Personalized() {
		q.Set("ppid", req.PPID)
	}
	if req.SupplyChain != nil {
		q.Set("schain", req.SupplyChain.String())
	}

	c := req.Consent
	if c.GDPRApplies || c.Region == consent.RegionEU {
		q.Set("gdpr", "1")
		if c.TCString != "" {
			q.Set("gdpr_consent", c.TCString)
		}
	}
	if c.USPString != "" {
		q.Set("us_privacy", c.USPString)
	}
	if c.GPPString != "" {
		q.Set("gpp", c.GPPString)
		q.Set("gpp_sid", joinInts(c.GPPSections))
	}
	if c.NonPersonalizedOnly {
		q.Set("npa", "1")
	}
	if c.RestrictedProcessing {
		q.Set("rdp", "1")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func joinSizes(sizes []Size) string {
	parts := make([]string, 0, len(sizes))
	for _, s := range sizes {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, "|")
}

func joinInts(v []int) string {
	parts := make([]string, 0, len(v))
	for _, i := range v {
		parts = append(parts, strconv.Itoa(i))
	}
	return strings.Join(parts, ",")
}

// encodeKeyValues produces the cust_params value: k1=v1&k2=v2, keys sorted.
func encodeKeyValues(kv map[string]string) string {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := url.Values{}
	for _, k := range keys {
		vals.Set(k, kv[k])
	}
	return vals.Encode()
}
