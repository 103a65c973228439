package targeting

import (
	"net/url"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/patrickwarner/openadtag/internal/consent"
)

const maxTags = 5

// Builder assembles page-level key-values.
type Builder struct {
	ScriptVersion string
	Now           func() time.Time
}

// Build returns the targeting map for one page view. adCount is the number
// of placements on the page.
func (b Builder) Build(c Context, st consent.State, ppidEnabled bool, adCount int) map[string]string {
	now := time.Now()
	if b.Now != nil {
		now = b.Now()
	}
	kv := make(map[string]string)
	set := func(k, v string) {
		if v != "" {
			kv[k] = v
		}
	}

	b.applyPublisherContext(c, now, set)

	dev := ResolveDevice(c.UserAgent)
	set("device", dev.Class)
	if c.ScreenW > 0 {
		set("screen_w", strconv.Itoa(roundDown100(c.ScreenW)))
		set("screen_h", strconv.Itoa(roundDown100(c.ScreenH)))
	}
	if c.ViewportW > 0 {
		set("viewport_w", strconv.Itoa(roundDown100(c.ViewportW)))
		set("viewport_h", strconv.Itoa(roundDown100(c.ViewportH)))
		if c.ViewportW > c.ViewportH {
			set("orientation", "landscape")
		} else {
			set("orientation", "portrait")
		}
	}
	if c.DevicePixelRatio >= 2 {
		set("dpr", "high")
	} else {
		set("dpr", "standard")
	}

	local := now
	if c.Timezone != "" {
		if loc, err := time.LoadLocation(c.Timezone); err == nil {
			local = now.In(loc)
		}
		set("timezone", strings.ReplaceAll(c.Timezone, "/", "_"))
	}
	day := int(local.Weekday())
	set("hour", strconv.Itoa(local.Hour()))
	set("day", strconv.Itoa(day))
	set("month", strconv.Itoa(int(local.Month())))
	if day == 0 || day == 6 {
		set("is_weekend", "1")
	} else {
		set("is_weekend", "0")
	}
	set("daypart", Daypart(local.Hour()))

	if c.Session.Visits > 0 {
		set("visit_count", VisitBucket(c.Session.Visits))
	}
	if c.Session.PageDepth > 0 {
		set("page_depth", strconv.FormatInt(min(c.Session.PageDepth, 10), 10))
	}
	if !c.Session.Started.IsZero() {
		set("session_age", SessionAgeBucket(now.Sub(c.Session.Started)))
	}

	host, source, kind := ClassifyReferrer(c.Referrer)
	set("referrer", host)
	set("source", source)
	set("source_type", kind)

	lang := c.Language
	if lang == "" {
		lang = "en"
	}
	set("lang", lang2(lang))
	if c.PageLanguage != "" && lang2(c.PageLanguage) != lang2(lang) {
		set("page_lang", lang2(c.PageLanguage))
	}

	set("script_version", b.ScriptVersion)
	if u, err := url.Parse(c.PageURL); err == nil {
		set("domain", u.Hostname())
	}
	if ppidEnabled {
		set("ppid_enabled", "1")
	}
	set("ad_count", strconv.Itoa(adCount))
	set("country", strings.ToLower(c.Country))
	if st.Region == consent.RegionEU {
		set("consent_region", "eu")
	} else {
		set("consent_region", "non_eu")
	}
	return kv
}

func (b Builder) applyPublisherContext(c Context, now time.Time, set func(k, v string)) {
	if c.Category != "" {
		set("category", c.Category)
		set("category_source", "publisher")
	} else {
		source := "none"
		for _, candidate := range c.DetectedCategories {
			if cat, ok := NormalizeCategory(candidate); ok {
				set("category", cat)
				source = "meta"
				break
			}
		}
		set("category_source", source)
	}

	contentType := c.ContentType
	if contentType == "" {
		contentType = "page"
	}
	set("content_type", contentType)

	set("login_status", c.LoginStatus)
	set("sub_status", c.SubStatus)
	set("engagement", c.Engagement)
	if c.Author != "" {
		set("author", AuthorKey(c.Author))
	}
	if !c.PublishDate.IsZero() {
		set("content_age", ContentAge(now.Sub(c.PublishDate)))
	}
	if len(c.Tags) > 0 {
		tags := c.Tags
		if len(tags) > maxTags {
			tags = tags[:maxTags]
		}
		set("tags", strings.Join(tags, ","))
	}
}
