package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/patrickwarner/openadtag/internal/authz"
	"github.com/patrickwarner/openadtag/internal/gateway"
	"github.com/patrickwarner/openadtag/internal/refresh"
	"github.com/patrickwarner/openadtag/internal/slot"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	RedisAddr    string
	GeoIPDB      string
	ServiceName  string
	Environment  string
	Debug        bool
	// SessionSecret signs page-session tokens handed to page adapters.
	SessionSecret string
	SessionTTL    time.Duration
	MaxSessions   int

	// Tracing configuration
	TracingEnabled    bool
	TempoEndpoint     string
	TracingSampleRate float64

	// Consent
	ConsentTimeout       time.Duration
	AutoConsentOutsideEU bool

	// Domain authorization
	AuthListURL         string
	AuthListTimeout     time.Duration
	AuthMode            string
	AuthTTL             time.Duration
	StrictAuthorization bool
	AuthFallback        []string

	// Refresh policy and global budget
	RefreshInterval         time.Duration
	MaxRefreshesPerSlot     int
	MinViewablePercent      float64
	ViewabilityPollInterval time.Duration
	RefreshBurst            int
	RefreshPerMinute        float64

	// Retry policy
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMaxAttempts    int
	DisplayDwell        time.Duration

	// Ad network gateway
	AdServerURL    string
	AdServerAPIKey string
	PublisherID    int
	AdTimeout      time.Duration
	AdRPS          float64
	AdBurst        int
	VASTBaseURL    string

	PlacementsFile string
	SellersFile    string
	SellerASI      string
	ScriptVersion  string
	PPIDTTL        time.Duration
}

// Load reads an optional .env file (ENV_FILE overrides the path), then parses
// environment variables and returns a Config populated with defaults when
// variables are absent.
func Load() Config {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	// Missing files are normal outside local development.
	_ = godotenv.Load(envFile)

	cfg := Config{}

	cfg.Port = getenv("PORT", "8787")
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", 5*time.Second)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", 10*time.Second)
	cfg.RedisAddr = getenv("REDIS_ADDR", "")
	cfg.GeoIPDB = getenv("GEOIP_DB", "internal/geoip/testdata/GeoLite2-Country.mmdb")
	cfg.ServiceName = getenv("SERVICE_NAME", "openadtag")
	cfg.Environment = getenv("ENV", "development")
	cfg.Debug = envBool("DEBUG", false)
	cfg.SessionSecret = getenv("SESSION_SECRET", "")
	cfg.SessionTTL = envDuration("SESSION_TTL", 30*time.Minute)
	cfg.MaxSessions = envInt("MAX_SESSIONS", 10000)

	// Tracing configuration
	cfg.TracingEnabled = envBool("TRACING_ENABLED", false)
	cfg.TempoEndpoint = getenv("TEMPO_ENDPOINT", "tempo:4317")
	cfg.TracingSampleRate = envFloat("TRACING_SAMPLE_RATE", 1.0)

	cfg.ConsentTimeout = envDuration("CONSENT_TIMEOUT", time.Second)
	cfg.AutoConsentOutsideEU = envBool("AUTO_CONSENT_OUTSIDE_EU", true)

	cfg.AuthListURL = getenv("AUTH_LIST_URL", "")
	cfg.AuthListTimeout = envDuration("AUTH_LIST_TIMEOUT", 2*time.Second)
	cfg.AuthMode = getenv("AUTH_MODE", "allow")
	cfg.AuthTTL = envDuration("AUTH_TTL", authz.DefaultTTL)
	cfg.StrictAuthorization = envBool("STRICT_AUTHORIZATION", false)
	cfg.AuthFallback = envList("AUTH_FALLBACK_DOMAINS", nil)

	// Ad networks reject refresh intervals under 30 seconds.
	cfg.RefreshInterval = max(envDuration("REFRESH_INTERVAL", refresh.MinimumInterval), refresh.MinimumInterval)
	cfg.MaxRefreshesPerSlot = envInt("MAX_REFRESHES_PER_SLOT", refresh.DefaultMaxRefreshesPerSlot)
	cfg.MinViewablePercent = envFloat("MIN_VIEWABLE_PERCENT", refresh.DefaultMinViewablePercent)
	cfg.ViewabilityPollInterval = envDuration("VIEWABILITY_POLL_INTERVAL", refresh.DefaultPolicy().ViewabilityPollInterval)
	cfg.RefreshBurst = envInt("REFRESH_BURST", 0)
	cfg.RefreshPerMinute = envFloat("REFRESH_PER_MINUTE", 0)

	retry := slot.DefaultRetryPolicy()
	cfg.RetryInitialBackoff = envDuration("RETRY_INITIAL_BACKOFF", retry.InitialBackoff)
	cfg.RetryMaxBackoff = envDuration("RETRY_MAX_BACKOFF", retry.MaxBackoff)
	cfg.RetryMaxAttempts = envInt("RETRY_MAX_ATTEMPTS", retry.MaxRetries)
	cfg.DisplayDwell = envDuration("DISPLAY_DWELL", 0)

	cfg.AdServerURL = getenv("AD_SERVER_URL", "http://localhost:8787/ad")
	cfg.AdServerAPIKey = getenv("AD_SERVER_API_KEY", "")
	cfg.PublisherID = envInt("PUBLISHER_ID", 1)
	cfg.AdTimeout = envDuration("AD_TIMEOUT", 3*time.Second)
	cfg.AdRPS = envFloat("AD_RPS", 0)
	cfg.AdBurst = envInt("AD_BURST", 1)
	cfg.VASTBaseURL = getenv("VAST_BASE_URL", "")

	cfg.PlacementsFile = getenv("PLACEMENTS_FILE", "placements.yaml")
	cfg.SellersFile = getenv("SELLERS_FILE", "")
	cfg.SellerASI = getenv("SELLER_ASI", "")
	cfg.ScriptVersion = getenv("SCRIPT_VERSION", "dev")
	cfg.PPIDTTL = envDuration("PPID_TTL", 0)

	return cfg
}

// RefreshPolicy assembles the refresh policy. Values below the network
// minimums are raised by the policy itself.
func (c Config) RefreshPolicy() refresh.Policy {
	return refresh.Policy{
		MinInterval:             c.RefreshInterval,
		MaxRefreshesPerSlot:     c.MaxRefreshesPerSlot,
		MinViewablePercent:      c.MinViewablePercent,
		ViewabilityPollInterval: c.ViewabilityPollInterval,
		GlobalBurst:             c.RefreshBurst,
		GlobalPerMinute:         c.RefreshPerMinute,
	}.Normalize()
}

func (c Config) RetryPolicy() slot.RetryPolicy {
	p := slot.DefaultRetryPolicy()
	p.InitialBackoff = c.RetryInitialBackoff
	p.MaxBackoff = c.RetryMaxBackoff
	p.MaxRetries = c.RetryMaxAttempts
	return p
}

func (c Config) AuthOptions() authz.Options {
	return authz.Options{
		Mode:     authz.ParseMode(c.AuthMode),
		TTL:      c.AuthTTL,
		Fallback: c.AuthFallback,
	}
}

func (c Config) GatewayConfig() gateway.HTTPConfig {
	return gateway.HTTPConfig{
		Endpoint:          c.AdServerURL,
		APIKey:            c.AdServerAPIKey,
		PublisherID:       c.PublisherID,
		Timeout:           c.AdTimeout,
		RequestsPerSecond: c.AdRPS,
		Burst:             c.AdBurst,
		VASTBaseURL:       c.VASTBaseURL,
	}
}

// getenv returns the value of the environment variable if set, otherwise def.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration parses an environment variable into a time.Duration.
// The value can be a duration string (e.g. "5s") or a number of seconds.
// If the variable is unset or invalid, def is returned.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// envBool parses a boolean environment variable. Accepted values are those
// supported by strconv.ParseBool. When unset or invalid, def is returned.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

// envInt parses an integer environment variable. When unset or invalid, def is returned.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

// envFloat parses a float64 environment variable. When unset or invalid, def is returned.
func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}

// envList splits a comma separated variable, dropping blanks.
func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
