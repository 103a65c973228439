package targeting

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	VisitWindow   = 30 * 24 * time.Hour
	SessionWindow = 30 * time.Minute
)

// CounterStore keeps visit and page-depth counters. *db.RedisStore satisfies it.
type CounterStore interface {
	IncrementVisits(ctx context.Context, visitorID string, window time.Duration) (int64, error)
	IncrementPageDepth(ctx context.Context, sessionID string, window time.Duration) (int64, error)
}

// CountPageView records one page view and returns the updated session.
// Storage failures leave the affected counter at zero so its key is omitted.
func CountPageView(ctx context.Context, store CounterStore, visitorID, sessionID string, started time.Time, logger *zap.Logger) Session {
	s := Session{Started: started}
	if store == nil {
		return s
	}
	if visitorID != "" {
		n, err := store.IncrementVisits(ctx, visitorID, VisitWindow)
		if err != nil {
			logger.Debug("visit counter unavailable", zap.Error(err))
		}
		s.Visits = n
	}
	if sessionID != "" {
		n, err := store.IncrementPageDepth(ctx, sessionID, SessionWindow)
		if err != nil {
			logger.Debug("page depth counter unavailable", zap.Error(err))
		}
		s.PageDepth = n
	}
	return s
}
