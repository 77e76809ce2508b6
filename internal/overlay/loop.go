package overlay

import (
	"context"
	"sync"
	"time"

	"github.com/traffic-vision/overlay-monitor/internal/logger"
)

// Loop is a cancellable redraw task. It calls tick at a fixed interval
// between Start and Stop; its owner must call Stop on teardown.
type Loop struct {
	interval time.Duration
	tick     func(time.Time)
	log      logger.Component

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	ticks  uint64
}

// NewLoop creates a stopped loop.
func NewLoop(interval time.Duration, tick func(time.Time)) *Loop {
	if interval <= 0 {
		interval = time.Second / 30
	}
	return &Loop{interval: interval, tick: tick, log: logger.For("RenderLoop")}
}

// Start begins ticking until ctx is cancelled or Stop is called. Starting a
// running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runningLocked() {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
	l.log.Debug("Started (interval %v)", l.interval)
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.tick(now)
			l.mu.Lock()
			l.ticks++
			l.mu.Unlock()
		}
	}
}

// Stop cancels the loop and waits for the in-flight tick to finish. No tick
// runs after Stop returns.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	l.log.Debug("Stopped")
}

// Running reports whether the loop is scheduled.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runningLocked()
}

func (l *Loop) runningLocked() bool {
	if l.done == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Ticks returns how many ticks have run.
func (l *Loop) Ticks() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ticks
}
