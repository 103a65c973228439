package targeting

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadtag/internal/db"
)

// PPIDSource says where a publisher-provided ID came from.
type PPIDSource string

const (
	PPIDPublisher PPIDSource = "publisher"
	PPIDPersisted PPIDSource = "persisted"
	PPIDGenerated PPIDSource = "generated"
	PPIDSession   PPIDSource = "session"
)

// DefaultPPIDTTL keeps generated IDs for roughly a year of return visits.
const DefaultPPIDTTL = 395 * 24 * time.Hour

// PPIDStore persists generated IDs per visitor. *db.RedisStore satisfies it.
type PPIDStore interface {
	LoadPPID(ctx context.Context, domain, visitorID string) (string, error)
	SavePPID(ctx context.Context, domain, visitorID, ppid string, ttl time.Duration) error
}

var hostJunk = regexp.MustCompile(`[^a-z0-9]`)

type PPIDProvider struct {
	store  PPIDStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewPPIDProvider returns a provider. A nil store yields session-only IDs.
func NewPPIDProvider(store PPIDStore, ttl time.Duration, logger *zap.Logger) *PPIDProvider {
	if ttl <= 0 {
		ttl = DefaultPPIDTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PPIDProvider{store: store, ttl: ttl, logger: logger}
}

// Resolve picks the publisher's ID when given, else the visitor's persisted
// ID, generating and storing one on first sight. When nothing can be
// persisted the ID is valid for this session only.
func (p *PPIDProvider) Resolve(ctx context.Context, publisherPPID, domain, visitorID string) (string, PPIDSource) {
	if publisherPPID != "" {
		return publisherPPID, PPIDPublisher
	}
	if p.store == nil || visitorID == "" {
		return "session_" + randomPart(), PPIDSession
	}

	existing, err := p.store.LoadPPID(ctx, domain, visitorID)
	switch {
	case err == nil && existing != "":
		return existing, PPIDPersisted
	case err != nil && !errors.Is(err, db.ErrNotFound):
		p.logger.Warn("ppid lookup failed, using session id", zap.Error(err))
		return "session_" + randomPart(), PPIDSession
	}

	id := hostJunk.ReplaceAllString(strings.ToLower(domain), "_") + "_" + randomPart()
	if err := p.store.SavePPID(ctx, domain, visitorID, id, p.ttl); err != nil {
		p.logger.Warn("ppid save failed, using session id", zap.Error(err))
		return "session_" + randomPart(), PPIDSession
	}
	p.logger.Debug("generated ppid", zap.String("domain", domain))
	return id, PPIDGenerated
}

func randomPart() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
