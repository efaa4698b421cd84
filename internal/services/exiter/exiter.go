// Package exiter liquidates graduated positions through ordered tranches,
// preemptable by a stop-loss. The stop-loss always wins: it is checked before
// any tranche on every tick, and once it fires the remaining tranches are
// skipped for good.
package exiter

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/launchpilot/internal/domain"
	"github.com/vadiminshakov/launchpilot/internal/services/executor"
)

var hundred = decimal.NewFromInt(100)

type priceWatcher interface {
	Watch(ctx context.Context, token common.Address)
	Release(token common.Address)
	LastPrice(token common.Address) (decimal.Decimal, bool)
}

type tokenSeller interface {
	Sell(ctx context.Context, owner string, token common.Address, tokenAmount decimal.Decimal) (executor.SwapOutcome, error)
}

type balanceReader interface {
	TokenBalance(ctx context.Context, owner, token common.Address, decimals int32) (decimal.Decimal, error)
}

type notifier interface {
	Notify(ctx context.Context, text string)
}

type dirtyMarker interface {
	MarkDirty()
}

// Engine owns every live exit strategy and its tick loop.
type Engine struct {
	mu         sync.Mutex
	strategies map[common.Address]*domain.ExitStrategy
	loops      map[common.Address]context.CancelFunc

	prices   priceWatcher
	seller   tokenSeller
	chain    balanceReader
	notifier notifier
	store    dirtyMarker
	logger   *zap.Logger

	wallet       common.Address
	tickInterval time.Duration
}

// NewEngine creates an exit engine ticking every tickInterval, selling
// wallet's positions.
func NewEngine(prices priceWatcher, seller tokenSeller, chain balanceReader, notifier notifier,
	store dirtyMarker, wallet common.Address, logger *zap.Logger, tickInterval time.Duration) *Engine {

	return &Engine{
		strategies:   make(map[common.Address]*domain.ExitStrategy),
		loops:        make(map[common.Address]context.CancelFunc),
		prices:       prices,
		seller:       seller,
		chain:        chain,
		notifier:     notifier,
		store:        store,
		logger:       logger,
		wallet:       wallet,
		tickInterval: tickInterval,
	}
}

// Add registers a new strategy, subscribes to its token price and starts the
// tick loop.
func (e *Engine) Add(ctx context.Context, s *domain.ExitStrategy) error {
	e.mu.Lock()
	if _, exists := e.strategies[s.Auction]; exists {
		e.mu.Unlock()
		return errors.Errorf("exit strategy for auction %s already exists", s.Auction.Hex())
	}
	e.strategies[s.Auction] = s
	s.Events.Infof("exit strategy created: balance %s, entry price %s, %d tranches",
		s.Balance, s.EntryPrice, len(s.Tranches))
	e.mu.Unlock()

	e.store.MarkDirty()

	e.prices.Watch(ctx, s.Token)
	e.startLoop(ctx, s)
	return nil
}

// Cancel requests cooperative termination. Pending tranches are left pending
// for audit; the position is not touched.
func (e *Engine) Cancel(auction common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.strategies[auction]
	if !ok {
		return errors.Errorf("no exit strategy for auction %s", auction.Hex())
	}
	if !s.Terminal() {
		s.Status = domain.ExitStatusCancelled
		s.Events.Infof("cancelled by operator")
	}
	return nil
}

// Get returns the strategy for an auction, if any.
func (e *Engine) Get(auction common.Address) (*domain.ExitStrategy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.strategies[auction]
	return s, ok
}

// Collect serializes the full strategy map under the engine lock, so a
// snapshot flush never observes a strategy mid-tick.
func (e *Engine) Collect() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return json.Marshal(e.strategies)
}

// Restore repopulates the strategy map from a snapshot section, resubscribes
// prices and re-arms loops for non-terminal strategies.
func (e *Engine) Restore(ctx context.Context, data []byte) error {
	restored := make(map[common.Address]*domain.ExitStrategy)
	if err := json.Unmarshal(data, &restored); err != nil {
		return errors.Wrap(err, "unmarshal exit strategies")
	}

	e.mu.Lock()
	for addr, s := range restored {
		if s.Events == nil {
			s.Events = domain.NewEventLog(0)
		}
		e.strategies[addr] = s
	}
	e.mu.Unlock()

	for _, s := range restored {
		if !s.Terminal() {
			e.logger.Info("resuming exit strategy",
				zap.String("auction", s.Auction.Hex()),
				zap.Int("pending_tranches", s.PendingTranches()))
			e.prices.Watch(ctx, s.Token)
			e.startLoop(ctx, s)
		}
	}
	return nil
}

// Close stops every running loop.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cancel := range e.loops {
		cancel()
	}
	e.loops = make(map[common.Address]context.CancelFunc)
}

func (e *Engine) startLoop(ctx context.Context, s *domain.ExitStrategy) {
	loopCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.loops[s.Auction] = cancel
	e.mu.Unlock()

	go e.run(loopCtx, s)
}

func (e *Engine) stopLoop(s *domain.ExitStrategy) {
	e.mu.Lock()
	cancel, ok := e.loops[s.Auction]
	if ok {
		delete(e.loops, s.Auction)
	}
	e.mu.Unlock()
	if ok {
		cancel()
	}
	e.prices.Release(s.Token)
}

func (e *Engine) run(ctx context.Context, s *domain.ExitStrategy) {
	l := e.logger.With(zap.String("auction", s.Auction.Hex()), zap.String("token", s.Token.Hex()))

	defer func() {
		if r := recover(); r != nil {
			l.Error("exit strategy loop panicked", zap.Any("panic", r))
			e.mu.Lock()
			s.Status = domain.ExitStatusFailed
			s.Events.Errorf("strategy failed: %v", r)
			e.mu.Unlock()
			e.store.MarkDirty()
			e.stopLoop(s)
		}
	}()

	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.terminal(s) {
				e.store.MarkDirty()
				e.stopLoop(s)
				return
			}
			e.Tick(ctx, s)
			if e.terminal(s) {
				e.store.MarkDirty()
				e.stopLoop(s)
				return
			}
		}
	}
}

func (e *Engine) terminal(s *domain.ExitStrategy) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.Terminal()
}

// Tick refreshes the on-chain balance, then evaluates the stop-loss and the
// tranche ladder against the latest observed price. The stop-loss fires only
// strictly below its multiple; holding exactly at the boundary is not a fall.
func (e *Engine) Tick(ctx context.Context, s *domain.ExitStrategy) {
	price, ok := e.prices.LastPrice(s.Token)
	if !ok {
		return
	}

	l := e.logger.With(zap.String("auction", s.Auction.Hex()), zap.String("token", s.Token.Hex()))

	// the position can move outside our own sells (transfers, airdrops), so
	// the ladder always works on the actual on-chain balance
	if balance, err := e.chain.TokenBalance(ctx, e.wallet, s.Token, s.TokenDecimals); err != nil {
		l.Debug("balance refresh failed, keeping tracked balance", zap.Error(err))
	} else if !balance.Equal(s.Balance) {
		e.mu.Lock()
		s.Events.Infof("on-chain balance moved outside the ladder: %s -> %s", s.Balance, balance)
		s.Balance = balance
		e.mu.Unlock()
		e.store.MarkDirty()
	}

	multiple := s.CurrentMultiple(price)

	if s.StopLossMultiple != nil && multiple.LessThan(*s.StopLossMultiple) {
		e.fireStopLoss(ctx, s, price, multiple, l)
		return
	}

	e.runTranches(ctx, s, price, multiple, l)
}

func (e *Engine) fireStopLoss(ctx context.Context, s *domain.ExitStrategy, price, multiple decimal.Decimal, l *zap.Logger) {
	if s.Balance.IsPositive() {
		outcome, err := e.seller.Sell(ctx, s.Auction.Hex(), s.Token, s.Balance)
		if err != nil {
			// position intact, stop-loss re-fires next tick
			e.mu.Lock()
			s.Events.Errorf("stop-loss sell failed: %v", err)
			e.mu.Unlock()
			l.Error("stop-loss sell failed", zap.Error(err))
			e.store.MarkDirty()
			return
		}

		e.mu.Lock()
		s.Realized = s.Realized.Add(outcome.AmountOut)
		s.Events.Tradef("stop-loss sold %s at multiple %s for %s (tx %s)",
			s.Balance, multiple.StringFixed(4), outcome.AmountOut, outcome.TxRef)
		s.Balance = decimal.Zero
		e.mu.Unlock()
	}

	e.mu.Lock()
	s.SkipPending()
	s.Status = domain.ExitStatusStopped
	e.mu.Unlock()
	e.store.MarkDirty()

	l.Warn("stop-loss fired",
		zap.String("price", price.String()),
		zap.String("multiple", multiple.String()))
	e.notifier.Notify(ctx, "stop-loss fired for "+s.Token.Hex()+" at multiple "+multiple.StringFixed(4))
}

func (e *Engine) runTranches(ctx context.Context, s *domain.ExitStrategy, price, multiple decimal.Decimal, l *zap.Logger) {
	// declared order: a later tranche never executes before an earlier
	// pending one, even when both triggers are satisfied
	for _, t := range s.Tranches {
		if t.Status != domain.TranchePending {
			continue
		}
		if multiple.LessThan(t.TriggerMultiple) {
			return
		}

		amount := s.Balance.Mul(t.Percent).Div(hundred)
		if amount.IsZero() {
			e.mu.Lock()
			t.Status = domain.TrancheSkipped
			s.Events.Infof("tranche at %sx skipped: nothing left to sell", t.TriggerMultiple)
			e.mu.Unlock()
			e.store.MarkDirty()
			continue
		}

		outcome, err := e.seller.Sell(ctx, s.Auction.Hex(), s.Token, amount)
		if err != nil {
			// tranche stays pending and is retried next tick
			e.mu.Lock()
			s.Events.Errorf("tranche sell at %sx failed: %v", t.TriggerMultiple, err)
			e.mu.Unlock()
			l.Error("tranche sell failed",
				zap.String("trigger_multiple", t.TriggerMultiple.String()),
				zap.Error(err))
			e.store.MarkDirty()
			return
		}

		e.mu.Lock()
		t.Status = domain.TrancheExecuted
		t.SoldAmount = amount
		t.Proceeds = outcome.AmountOut
		t.ExecutedAt = time.Now()
		s.Balance = s.Balance.Sub(amount)
		s.Realized = s.Realized.Add(outcome.AmountOut)
		s.Events.Tradef("tranche at %sx sold %s for %s (tx %s)",
			t.TriggerMultiple, amount, outcome.AmountOut, outcome.TxRef)
		e.mu.Unlock()
		e.store.MarkDirty()

		l.Info("tranche executed",
			zap.String("trigger_multiple", t.TriggerMultiple.String()),
			zap.String("sold", amount.String()),
			zap.String("proceeds", outcome.AmountOut.String()))
		e.notifier.Notify(ctx, "tranche executed for "+s.Token.Hex()+" at "+t.TriggerMultiple.String()+"x")
	}

	if s.PendingTranches() == 0 {
		e.mu.Lock()
		s.Status = domain.ExitStatusDone
		s.Events.Infof("all tranches settled, realized %s", s.Realized)
		e.mu.Unlock()
		e.store.MarkDirty()
	}
}
