package targeting

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadtag/internal/consent"
	"github.com/patrickwarner/openadtag/internal/db"
)

const iphoneUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 16_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.5 Mobile/15E148 Safari/604.1"
const desktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func TestResolveDevice(t *testing.T) {
	tests := []struct {
		name    string
		ua      string
		class   string
		os      string
		browser string
		bot     bool
	}{
		{"windows chrome", desktopUA, "desktop", "Windows", "Chrome", false},
		{"iphone safari", iphoneUA, "mobile", "iOS", "Safari", false},
		{
			name:    "ipad safari",
			ua:      "Mozilla/5.0 (iPad; CPU OS 15_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.0 Mobile/15E148 Safari/605.1.15",
			class:   "tablet",
			os:      "iOS",
			browser: "Safari",
		},
		{
			name:    "googlebot",
			ua:      "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
			class:   "desktop",
			os:      "Bot",
			browser: "GoogleBot",
			bot:     true,
		},
		{"empty", "", "other", "Unknown", "Unknown", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := ResolveDevice(tt.ua)
			assert.Equal(t, tt.class, d.Class)
			assert.Contains(t, d.OS, tt.os)
			assert.Contains(t, d.Browser, tt.browser)
			assert.Equal(t, tt.bot, d.IsBot)
		})
	}
	assert.True(t, ResolveDevice(iphoneUA).Mobile())
	assert.False(t, ResolveDevice(desktopUA).Mobile())
}

func TestNormalizeCategory(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Sports News", "sports_news", true},
		{"  Tech & Gadgets ", "tech__gadgets", true},
		{"Home", "", false},
		{"uncategorized", "", false},
		{"", "", false},
		{strings.Repeat("a", 80), strings.Repeat("a", 50), true},
	}
	for _, tt := range tests {
		got, ok := NormalizeCategory(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestClassifyReferrer(t *testing.T) {
	tests := []struct {
		ref, host, source, kind string
	}{
		{"", "", "direct", "direct"},
		{"https://www.google.co.uk/search?q=x", "google.co.uk", "google", "search"},
		{"https://t.co/abc", "t.co", "twitter", "social"},
		{"https://x.com/someone", "x.com", "twitter", "social"},
		{"https://www.reddit.com/r/golang", "reddit.com", "reddit", "social"},
		{"https://m.youtube.com/watch", "m.youtube.com", "youtube", "video"},
		{"https://netflix.com/", "netflix.com", "referral", "referral"},
		{"https://blog.example.org/post", "blog.example.org", "referral", "referral"},
	}
	for _, tt := range tests {
		host, source, kind := ClassifyReferrer(tt.ref)
		assert.Equal(t, tt.host, host, tt.ref)
		assert.Equal(t, tt.source, source, tt.ref)
		assert.Equal(t, tt.kind, kind, tt.ref)
	}
}

func TestBuckets(t *testing.T) {
	assert.Equal(t, "morning", Daypart(6))
	assert.Equal(t, "afternoon", Daypart(12))
	assert.Equal(t, "evening", Daypart(20))
	assert.Equal(t, "night", Daypart(21))
	assert.Equal(t, "night", Daypart(3))

	assert.Equal(t, "1", VisitBucket(1))
	assert.Equal(t, "2-3", VisitBucket(3))
	assert.Equal(t, "4-5", VisitBucket(5))
	assert.Equal(t, "6-10", VisitBucket(10))
	assert.Equal(t, "11+", VisitBucket(11))

	assert.Equal(t, "0-30s", SessionAgeBucket(10*time.Second))
	assert.Equal(t, "30-60s", SessionAgeBucket(45*time.Second))
	assert.Equal(t, "1-3m", SessionAgeBucket(2*time.Minute))
	assert.Equal(t, "3-5m", SessionAgeBucket(4*time.Minute))
	assert.Equal(t, "5m+", SessionAgeBucket(time.Hour))

	assert.Equal(t, "fresh", ContentAge(30*time.Minute))
	assert.Equal(t, "today", ContentAge(5*time.Hour))
	assert.Equal(t, "week", ContentAge(72*time.Hour))
	assert.Equal(t, "old", ContentAge(30*24*time.Hour))
}

func TestBuilder_Build(t *testing.T) {
	// Saturday 2024-03-02 08:30 in Berlin.
	now := time.Date(2024, 3, 2, 7, 30, 0, 0, time.UTC)
	b := Builder{ScriptVersion: "2.1.0", Now: func() time.Time { return now }}

	c := Context{
		PageURL:            "https://news.example.com/article/1",
		Referrer:           "https://www.google.de/",
		UserAgent:          iphoneUA,
		Language:           "de-DE",
		PageLanguage:       "en",
		Timezone:           "Europe/Berlin",
		ScreenW:            393,
		ScreenH:            852,
		ViewportW:          393,
		ViewportH:          660,
		DevicePixelRatio:   3,
		DetectedCategories: []string{"News", "Local Politics"},
		Author:             "Jane Doe",
		PublishDate:        now.Add(-2 * time.Hour),
		Tags:               []string{"a", "b", "c", "d", "e", "f"},
		Session:            Session{Visits: 4, PageDepth: 12, Started: now.Add(-90 * time.Second)},
		Country:            "DE",
	}
	kv := b.Build(c, consent.State{Region: consent.RegionEU}, true, 3)

	want := map[string]string{
		"category":        "local_politics",
		"category_source": "meta",
		"content_type":    "page",
		"author":          "jane_doe",
		"content_age":     "today",
		"tags":            "a,b,c,d,e",
		"device":          "mobile",
		"screen_w":        "300",
		"screen_h":        "800",
		"viewport_w":      "300",
		"viewport_h":      "600",
		"orientation":     "portrait",
		"dpr":             "high",
		"timezone":        "Europe_Berlin",
		"hour":            "8",
		"day":             "6",
		"month":           "3",
		"is_weekend":      "1",
		"daypart":         "morning",
		"visit_count":     "4-5",
		"page_depth":      "10",
		"session_age":     "1-3m",
		"referrer":        "google.de",
		"source":          "google",
		"source_type":     "search",
		"lang":            "de",
		"page_lang":       "en",
		"script_version":  "2.1.0",
		"domain":          "news.example.com",
		"ppid_enabled":    "1",
		"ad_count":        "3",
		"country":         "de",
		"consent_region":  "eu",
	}
	assert.Equal(t, want, kv)
}

func TestBuilder_PublisherCategoryWins(t *testing.T) {
	b := Builder{Now: func() time.Time { return time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC) }}
	kv := b.Build(Context{Category: "finance", ContentType: "article", DetectedCategories: []string{"sports"}}, consent.State{}, false, 1)
	assert.Equal(t, "finance", kv["category"])
	assert.Equal(t, "publisher", kv["category_source"])
	assert.Equal(t, "article", kv["content_type"])
	assert.Equal(t, "direct", kv["source"])
	assert.Equal(t, "non_eu", kv["consent_region"])
	assert.Equal(t, "en", kv["lang"])
	assert.NotContains(t, kv, "ppid_enabled")
	assert.NotContains(t, kv, "visit_count")
}

func newTestStore(t *testing.T) *db.RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return db.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestPPIDProvider_Resolve(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	p := NewPPIDProvider(store, 0, zap.NewNop())

	id, src := p.Resolve(ctx, "pub-123", "example.com", "v1")
	assert.Equal(t, "pub-123", id)
	assert.Equal(t, PPIDPublisher, src)

	id, src = p.Resolve(ctx, "", "news.example.com", "v1")
	assert.Equal(t, PPIDGenerated, src)
	assert.True(t, strings.HasPrefix(id, "news_example_com_"))
	assert.Len(t, strings.TrimPrefix(id, "news_example_com_"), 16)

	again, src := p.Resolve(ctx, "", "news.example.com", "v1")
	assert.Equal(t, PPIDPersisted, src)
	assert.Equal(t, id, again)

	other, _ := p.Resolve(ctx, "", "news.example.com", "v2")
	assert.NotEqual(t, id, other)
}

type failingStore struct{}

func (failingStore) LoadPPID(context.Context, string, string) (string, error) {
	return "", errors.New("connection refused")
}
func (failingStore) SavePPID(context.Context, string, string, string, time.Duration) error {
	return errors.New("connection refused")
}

func TestPPIDProvider_SessionFallback(t *testing.T) {
	ctx := context.Background()

	id, src := NewPPIDProvider(nil, 0, nil).Resolve(ctx, "", "example.com", "v1")
	assert.Equal(t, PPIDSession, src)
	assert.True(t, strings.HasPrefix(id, "session_"))

	id, src = NewPPIDProvider(failingStore{}, 0, nil).Resolve(ctx, "", "example.com", "v1")
	assert.Equal(t, PPIDSession, src)
	assert.True(t, strings.HasPrefix(id, "session_"))
}

func TestCountPageView(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	started := time.Now()

	s := CountPageView(ctx, store, "v1", "s1", started, zap.NewNop())
	assert.Equal(t, int64(1), s.Visits)
	assert.Equal(t, int64(1), s.PageDepth)

	s = CountPageView(ctx, store, "v1", "s1", started, zap.NewNop())
	assert.Equal(t, int64(2), s.Visits)
	assert.Equal(t, int64(2), s.PageDepth)
	assert.Equal(t, started, s.Started)

	s = CountPageView(ctx, nil, "v1", "s1", started, zap.NewNop())
	assert.Zero(t, s.Visits)
}
