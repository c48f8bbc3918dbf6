package poller

import (
	"context"
	"errors"
	"time"

	"github.com/aquamarinepk/aqm"

	"github.com/saporito/orderdeck/internal/backend"
	"github.com/saporito/orderdeck/internal/order"
)

// DefaultInterval is the kitchen view's poll cadence. The poller runs
// regardless of push channel health: a connected-looking channel that has
// silently stalled is corrected within one interval.
const DefaultInterval = 5 * time.Second

// FetchFunc retrieves the authoritative order list for the owning view.
type FetchFunc func(ctx context.Context) ([]*order.Order, error)

// ApplyFunc reconciles a poll result into the view's store, normally the
// store's ReplaceAll.
type ApplyFunc func(orders []*order.Order)

// Poller re-fetches the authoritative order list on a fixed interval and
// feeds it through the same reconciliation path as push events.
type Poller struct {
	name     string
	interval time.Duration
	fetch    FetchFunc
	apply    ApplyFunc
	logger   aqm.Logger

	// OnAuthFailure fires once when a poll returns 401/403. The
	// credential is already cleared; the loop halts and is not retried.
	OnAuthFailure func()

	ctx    context.Context
	cancel context.CancelFunc
}

func New(name string, interval time.Duration, fetch FetchFunc, apply ApplyFunc, logger aqm.Logger) *Poller {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		name:     name,
		interval: interval,
		fetch:    fetch,
		apply:    apply,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start runs an immediate fetch and then the interval loop in the
// background.
func (p *Poller) Start(ctx context.Context) error {
	p.logger.Info("starting order poller", "poller", p.name, "interval", p.interval)
	go p.run()
	return nil
}

// Stop halts the loop. Views must stop their poller on teardown.
func (p *Poller) Stop(ctx context.Context) error {
	p.cancel()
	return nil
}

func (p *Poller) run() {
	if !p.poll() {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if !p.poll() {
				return
			}
		}
	}
}

// poll performs a single fetch+apply cycle. Returns false when the loop
// must halt.
func (p *Poller) poll() bool {
	orders, err := p.fetch(p.ctx)
	if err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			p.logger.Info("poll rejected, halting", "poller", p.name)
			if p.OnAuthFailure != nil && p.ctx.Err() == nil {
				p.OnAuthFailure()
			}
			return false
		}
		if p.ctx.Err() != nil {
			return false
		}
		// Transient failure: the previous snapshot stays visible and
		// the next tick tries again.
		p.logger.Debug("poll failed", "poller", p.name, "error", err)
		return true
	}

	if p.ctx.Err() != nil {
		return false
	}
	p.apply(orders)
	return true
}
