package authz

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadtag/internal/observability"
)

var (
	ErrListUnavailable = errors.New("authorization list unavailable")
	ErrMalformedList   = errors.New("malformed authorization list")
)

//go:embed fallback_domains.json
var embeddedFallback []byte

// listDocument is the wire shape of the authorization list.
type listDocument struct {
	Domains []string `json:"domains"`
}

// ParseList decodes a list document and validates its shape.
func ParseList(data []byte) ([]string, error) {
	var doc listDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedList, err)
	}
	if doc.Domains == nil {
		return nil, fmt.Errorf("%w: missing domains array", ErrMalformedList)
	}
	return doc.Domains, nil
}

// EmbeddedFallback returns the list compiled into the binary.
func EmbeddedFallback() []string {
	domains, err := ParseList(embeddedFallback)
	if err != nil {
		return nil
	}
	return domains
}

// ListSource fetches the current authorization list.
type ListSource interface {
	Fetch(ctx context.Context, bypassCache bool) ([]string, error)
}

// RemoteSource fetches the list over HTTP behind a circuit breaker.
type RemoteSource struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	metrics observability.MetricsRegistry
	now     func() time.Time
}

func NewRemoteSource(listURL string, timeout time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) *RemoteSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	settings := gobreaker.Settings{
		Name:     "authz-list",
		Interval: 60 * time.Second,
		Timeout:  60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("authorization list breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &RemoteSource{
		url: listURL,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

func (s *RemoteSource) Fetch(ctx context.Context, bypassCache bool) ([]string, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.fetch(ctx, bypassCache)
	})
	if err != nil {
		outcome := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			outcome = "breaker_open"
		}
		s.metrics.IncrementAuthorizationListFetches(outcome)
		return nil, err
	}
	s.metrics.IncrementAuthorizationListFetches("success")
	return result.([]string), nil
}

func (s *RemoteSource) fetch(ctx context.Context, bypassCache bool) ([]string, error) {
	target := s.url
	if bypassCache {
		u, err := url.Parse(s.url)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrListUnavailable, err)
		}
		q := u.Query()
		q.Set("nocache", "1")
		q.Set("_t", strconv.FormatInt(s.now().UnixMilli(), 10))
		u.RawQuery = q.Encode()
		target = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if bypassCache {
		req.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListUnavailable, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			s.logger.Warn("failed to close list response body", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrListUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListUnavailable, err)
	}
	return ParseList(body)
}
