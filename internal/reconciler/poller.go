package reconciler

import (
	"context"
	"sync"
	"time"
)

// Poller drives periodic background syncs. A tick that finds a sync
// already in flight is simply superseded by the sequence guard, so
// overlapping cycles cannot clobber fresher data.
type Poller struct {
	rec      *Reconciler
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	kick   chan struct{}
}

// NewPoller wires a poller around rec. Interval must be positive.
func NewPoller(rec *Reconciler, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{rec: rec, interval: interval}
}

// Start launches the polling loop with an immediate first sync. Calling
// Start on a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.kick = make(chan struct{}, 1)
	go p.loop(ctx)
}

// Stop halts the loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// ForceSync requests an out-of-band sync on a running poller. The
// request coalesces with any already pending tick.
func (p *Poller) ForceSync() {
	p.mu.Lock()
	kick := p.kick
	p.mu.Unlock()
	if kick == nil {
		return
	}
	select {
	case kick <- struct{}{}:
	default:
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	_, _ = p.rec.Sync(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.kick:
		}
		if ctx.Err() != nil {
			return
		}
		_, _ = p.rec.Sync(ctx)
	}
}
