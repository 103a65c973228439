package clock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrLoopStopped is returned by Do when the loop exits before running fn.
var ErrLoopStopped = errors.New("event loop stopped")

// Loop is the production Scheduler. Callbacks run in FIFO order on the
// goroutine that calls Run.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	logger *zap.Logger
}

// NewLoop creates a loop. Callbacks queued before Run starts are kept.
func NewLoop(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (l *Loop) Now() time.Time { return time.Now() }

func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.inner = time.AfterFunc(d, func() {
		l.Post(func() {
			// Stop may have run after the Go timer fired but before we got here.
			if t.state.CompareAndSwap(timerArmed, timerFired) {
				fn()
			}
		})
	})
	return t
}

// Run drains the queue until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.invoke(fn)
		}

		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Do runs fn on the loop and waits for it to finish. HTTP handlers use it to
// read controller state without racing the loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop callback panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

const (
	timerArmed int32 = iota
	timerFired
	timerStopped
)

type loopTimer struct {
	inner *time.Timer
	state atomic.Int32
}

func (t *loopTimer) Stop() bool {
	if t.state.CompareAndSwap(timerArmed, timerStopped) {
		t.inner.Stop()
		return true
	}
	return false
}
