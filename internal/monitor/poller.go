// Package monitor provides a background poller that watches the channel
// height and tells every browser when a new block lands.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"vehicles.ledger/vtrack/internal/types"
)

// Chain reads channel height and block stats.
type Chain interface {
	ChannelStats(ctx context.Context) (uint64, error)
	QueryBlock(ctx context.Context, number uint64) (*types.BlockStats, error)
}

// Broadcaster pushes a message to all connections.
type Broadcaster interface {
	Broadcast(msg types.Outbound)
}

// Readiness reports whether startup finished.
type Readiness interface {
	Ready() bool
}

// Poller periodically reads the channel height and broadcasts a reset plus
// the newest block's stats when it grows.
type Poller struct {
	log      *slog.Logger
	chain    Chain
	hub      Broadcaster
	ready    Readiness
	interval func() time.Duration

	// last observed height, zero until the first successful poll
	mu         sync.Mutex
	lastHeight uint64
}

// NewPoller constructs a Poller. interval is read before every wait so a
// config change to block_delay takes effect on the next tick.
func NewPoller(log *slog.Logger, chain Chain, hub Broadcaster, ready Readiness, interval func() time.Duration) *Poller {
	return &Poller{
		log:      log,
		chain:    chain,
		hub:      hub,
		ready:    ready,
		interval: interval,
	}
}

// Start begins the polling loop in a goroutine. It stops when ctx is done.
func (p *Poller) Start(ctx context.Context) {
	go func() {
		timer := time.NewTimer(p.wait())
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				p.PollOnce(ctx)
				timer.Reset(p.wait())
			}
		}
	}()
}

func (p *Poller) wait() time.Duration {
	d := p.interval()
	if d <= 0 {
		d = time.Second
	}
	return d
}

// PollOnce checks the height once. It returns true if a new block was
// announced.
func (p *Poller) PollOnce(ctx context.Context) bool {
	if !p.ready.Ready() {
		return false
	}
	height, err := p.chain.ChannelStats(ctx)
	if err != nil {
		p.log.Warn("monitor: channel height error", "err", err)
		return false
	}

	p.mu.Lock()
	last := p.lastHeight
	p.lastHeight = height
	p.mu.Unlock()

	if last == 0 || height <= last {
		return false
	}

	p.log.Info("new block, refreshing browsers", "height", height)
	p.hub.Broadcast(types.NewReset())

	msg := types.NewChainStats(height, nil)
	block, err := p.chain.QueryBlock(ctx, height-1)
	if err != nil {
		msg.Error = err.Error()
	} else {
		block.Height = height - 1
		msg.BlockStats = block
	}
	p.hub.Broadcast(msg)
	return true
}
