package battles

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSweepInterval is how often the Timer looks for overdue invitations.
const DefaultSweepInterval = 30 * time.Second

// Timer periodically expires pending invitations past their deadline.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a new invitation expiry timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the expiry loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
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
}

// Stop signals the timer to stop. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in invitation expiry timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

// sweep drains overdue invitations batch by batch.
func (t *Timer) sweep(ctx context.Context) {
	now := t.service.now()
	total := 0
	for ctx.Err() == nil {
		n, err := t.service.ExpireInvitations(ctx, now)
		if err != nil {
			t.logger.Warn("invitation expiry sweep failed", "error", err)
			break
		}
		total += n
		if n < expireBatchSize {
			break
		}
	}
	if total > 0 {
		t.logger.Info("expired invitations", "count", total)
	}
}
