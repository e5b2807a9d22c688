package listing

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically writes the expiry transition for listings whose
// expires_at has passed. Reads already apply the transition lazily;
// the sweep keeps list endpoints and stored rows consistent.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates an expiry sweeper. A zero interval defaults to 30s.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or ctx is cancelled.
func (t *Timer) Start(ctx context.Context) {
	if !t.running.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer t.running.Store(false)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stop:
				return
			case <-ticker.C:
				t.safeSweep(ctx)
			}
		}
	}()
}

// Stop signals the sweep loop to exit. Safe to call more than once.
func (t *Timer) Stop() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("listing expiry sweep panicked", "panic", r)
		}
	}()
	n, err := t.service.ExpireDue(ctx, 100)
	if err != nil {
		t.logger.Error("listing expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("expired listings swept", "count", n)
	}
}
