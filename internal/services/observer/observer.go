// Package observer polls token prices on a fixed cadence and retains a
// bounded time-windowed history per token. Pollers are shared by reference
// count: multiple strategies watching the same token drive one poller.
package observer

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/launchpilot/internal/domain"
	"github.com/vadiminshakov/launchpilot/pkg/indicators"
)

type pricer interface {
	Price(ctx context.Context, token common.Address) (decimal.Decimal, error)
}

type feed struct {
	refs   int
	cancel context.CancelFunc

	mu      sync.RWMutex
	history []domain.PricePoint
}

func (f *feed) append(p domain.PricePoint, window time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.history = append(f.history, p)
	cutoff := p.Time.Add(-window)
	drop := 0
	for drop < len(f.history) && f.history[drop].Time.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		f.history = f.history[drop:]
	}
}

// Observer owns one polling loop per watched token.
type Observer struct {
	pricer   pricer
	logger   *zap.Logger
	interval time.Duration
	window   time.Duration

	mu    sync.Mutex
	feeds map[common.Address]*feed
}

// New creates an Observer polling every interval and retaining window of
// history per token.
func New(pricer pricer, logger *zap.Logger, interval, window time.Duration) *Observer {
	return &Observer{
		pricer:   pricer,
		logger:   logger,
		interval: interval,
		window:   window,
		feeds:    make(map[common.Address]*feed),
	}
}

// Watch registers interest in a token, starting a poller on first use.
func (o *Observer) Watch(ctx context.Context, token common.Address) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if f, ok := o.feeds[token]; ok {
		f.refs++
		return
	}

	pollCtx, cancel := context.WithCancel(ctx)
	f := &feed{refs: 1, cancel: cancel}
	o.feeds[token] = f

	go o.poll(pollCtx, token, f)
}

// Release drops one reference; the poller stops when nobody watches.
func (o *Observer) Release(token common.Address) {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, ok := o.feeds[token]
	if !ok {
		return
	}
	f.refs--
	if f.refs <= 0 {
		f.cancel()
		delete(o.feeds, token)
	}
}

// Refs returns the current watcher count for a token.
func (o *Observer) Refs(token common.Address) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f, ok := o.feeds[token]; ok {
		return f.refs
	}
	return 0
}

func (o *Observer) poll(ctx context.Context, token common.Address, f *feed) {
	l := o.logger.With(zap.String("token", token.Hex()))

	// take one sample immediately so strategies don't wait a full interval
	o.sample(ctx, token, f, l)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sample(ctx, token, f, l)
		}
	}
}

func (o *Observer) sample(ctx context.Context, token common.Address, f *feed, l *zap.Logger) {
	price, err := o.pricer.Price(ctx, token)
	if err != nil {
		// transient: skip this sample, keep polling
		l.Debug("price poll failed", zap.Error(err))
		return
	}
	f.append(domain.PricePoint{Time: time.Now(), Price: price}, o.window)
}

// LastPrice returns the most recent observation for a token.
func (o *Observer) LastPrice(token common.Address) (decimal.Decimal, bool) {
	f := o.feed(token)
	if f == nil {
		return decimal.Zero, false
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.history) == 0 {
		return decimal.Zero, false
	}
	return f.history[len(f.history)-1].Price, true
}

// History returns a copy of the retained observations for a token.
func (o *Observer) History(token common.Address) []domain.PricePoint {
	f := o.feed(token)
	if f == nil {
		return nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]domain.PricePoint, len(f.history))
	copy(out, f.history)
	return out
}

// EMA returns the exponential moving average over the last period
// observations, or false when not enough history has accumulated.
func (o *Observer) EMA(token common.Address, period int) (decimal.Decimal, bool) {
	f := o.feed(token)
	if f == nil {
		return decimal.Zero, false
	}

	f.mu.RLock()
	closes := make([]decimal.Decimal, len(f.history))
	for i, p := range f.history {
		closes[i] = p.Price
	}
	f.mu.RUnlock()

	ema, err := indicators.LastEMA(closes, period)
	if err != nil {
		return decimal.Zero, false
	}
	return ema, true
}

// Observe injects an observation directly. Used by tests and by engines that
// already fetched a price out of band.
func (o *Observer) Observe(token common.Address, t time.Time, price decimal.Decimal) {
	o.mu.Lock()
	f, ok := o.feeds[token]
	if !ok {
		f = &feed{refs: 0, cancel: func() {}}
		o.feeds[token] = f
	}
	o.mu.Unlock()

	f.append(domain.PricePoint{Time: t, Price: price}, o.window)
}

func (o *Observer) feed(token common.Address) *feed {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.feeds[token]
}
