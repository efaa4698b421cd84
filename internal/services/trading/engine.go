// Package trading runs user-declared algorithmic strategies against
// token/USDC markets. One tick loop per strategy; on every tick the risk
// limits are checked before the strategy's own evaluator gets a say.
package trading

import (
	"context"
	"encoding/json"
	"fmt"
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

type trader interface {
	Buy(ctx context.Context, owner string, token common.Address, quoteAmount decimal.Decimal) (executor.SwapOutcome, error)
	Sell(ctx context.Context, owner string, token common.Address, tokenAmount decimal.Decimal) (executor.SwapOutcome, error)
}

type priceWatcher interface {
	Watch(ctx context.Context, token common.Address)
	Release(token common.Address)
	LastPrice(token common.Address) (decimal.Decimal, bool)
}

type notifier interface {
	Notify(ctx context.Context, text string)
}

type dirtyMarker interface {
	MarkDirty()
}

// Engine owns every trading strategy and its tick loop.
type Engine struct {
	mu         sync.Mutex
	strategies map[int64]*domain.TradingStrategy
	loops      map[int64]context.CancelFunc
	nextID     int64

	trader   trader
	prices   priceWatcher
	notifier notifier
	store    dirtyMarker
	logger   *zap.Logger

	tickInterval time.Duration
	// maxTradeNotional caps the quote size of any single trade; zero
	// disables the cap
	maxTradeNotional decimal.Decimal
}

// NewEngine creates a trading engine ticking every tickInterval.
func NewEngine(trader trader, prices priceWatcher, notifier notifier, store dirtyMarker,
	logger *zap.Logger, tickInterval time.Duration, maxTradeNotional decimal.Decimal) *Engine {

	return &Engine{
		strategies:       make(map[int64]*domain.TradingStrategy),
		loops:            make(map[int64]context.CancelFunc),
		nextID:           1,
		trader:           trader,
		prices:           prices,
		notifier:         notifier,
		store:            store,
		logger:           logger,
		tickInterval:     tickInterval,
		maxTradeNotional: maxTradeNotional,
	}
}

// Add validates and registers a strategy, assigns it an ID and starts its
// tick loop.
func (e *Engine) Add(ctx context.Context, s *domain.TradingStrategy) error {
	if err := s.Validate(); err != nil {
		return errors.Wrap(err, "invalid trading strategy")
	}

	e.mu.Lock()
	if s.ID == 0 {
		s.ID = e.nextID
	}
	if s.ID >= e.nextID {
		e.nextID = s.ID + 1
	}
	if _, exists := e.strategies[s.ID]; exists {
		e.mu.Unlock()
		return errors.Errorf("trading strategy %d already exists", s.ID)
	}
	if s.Status == "" {
		s.Status = domain.TradeStatusRunning
	}
	if s.Events == nil {
		s.Events = domain.NewEventLog(0)
	}
	e.strategies[s.ID] = s
	s.Events.Infof("%s strategy created for %s", s.Kind, s.Token.Hex())
	e.mu.Unlock()

	e.store.MarkDirty()

	e.prices.Watch(ctx, s.Token)
	e.startLoop(ctx, s)
	return nil
}

// Pause suspends trading. The loop keeps running so the stop-loss still
// protects the open position.
func (e *Engine) Pause(id int64) error {
	return e.setStatus(id, domain.TradeStatusRunning, domain.TradeStatusPaused, "paused")
}

// Resume restarts a paused strategy. A drawdown pause is never lifted
// automatically; this is the only way out of it.
func (e *Engine) Resume(id int64) error {
	return e.setStatus(id, domain.TradeStatusPaused, domain.TradeStatusRunning, "resumed")
}

func (e *Engine) setStatus(id int64, from, to domain.TradeStatus, verb string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.strategies[id]
	if !ok {
		return errors.Errorf("no trading strategy %d", id)
	}
	if s.Status != from {
		return errors.Errorf("strategy %d is %s, cannot be %s", id, s.Status, verb)
	}
	s.Status = to
	s.Events.Infof("%s by operator", verb)
	return nil
}

// Stop terminates a strategy without touching its position.
func (e *Engine) Stop(id int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.strategies[id]
	if !ok {
		return errors.Errorf("no trading strategy %d", id)
	}
	if !s.Terminal() {
		s.Status = domain.TradeStatusDone
		s.Events.Infof("stopped by operator")
	}
	return nil
}

// HasActive reports whether a non-terminal strategy of the same kind already
// runs against token. Used to keep config declarations from piling up
// duplicates across restarts.
func (e *Engine) HasActive(kind domain.StrategyKind, token common.Address) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.strategies {
		if s.Kind == kind && s.Token == token && !s.Terminal() {
			return true
		}
	}
	return false
}

// Get returns the strategy with the given ID, if any.
func (e *Engine) Get(id int64) (*domain.TradingStrategy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.strategies[id]
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
// prices and re-arms loops. Paused strategies get a loop too: their stop-loss
// stays armed, only trading is suspended.
func (e *Engine) Restore(ctx context.Context, data []byte) error {
	restored := make(map[int64]*domain.TradingStrategy)
	if err := json.Unmarshal(data, &restored); err != nil {
		return errors.Wrap(err, "unmarshal trading strategies")
	}

	e.mu.Lock()
	for id, s := range restored {
		if s.Events == nil {
			s.Events = domain.NewEventLog(0)
		}
		e.strategies[id] = s
		if id >= e.nextID {
			e.nextID = id + 1
		}
	}
	e.mu.Unlock()

	for _, s := range restored {
		if !s.Terminal() {
			e.logger.Info("resuming trading strategy",
				zap.Int64("id", s.ID),
				zap.String("kind", string(s.Kind)),
				zap.String("status", string(s.Status)))
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
	e.loops = make(map[int64]context.CancelFunc)
}

func (e *Engine) startLoop(ctx context.Context, s *domain.TradingStrategy) {
	loopCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.loops[s.ID] = cancel
	e.mu.Unlock()

	go e.run(loopCtx, s)
}

func (e *Engine) stopLoop(s *domain.TradingStrategy) {
	e.mu.Lock()
	cancel, ok := e.loops[s.ID]
	if ok {
		delete(e.loops, s.ID)
	}
	e.mu.Unlock()
	if ok {
		cancel()
	}
	e.prices.Release(s.Token)
}

func (e *Engine) run(ctx context.Context, s *domain.TradingStrategy) {
	l := e.logger.With(zap.Int64("strategy", s.ID), zap.String("kind", string(s.Kind)))

	defer func() {
		if r := recover(); r != nil {
			l.Error("trading strategy loop panicked", zap.Any("panic", r))
			e.mu.Lock()
			s.Status = domain.TradeStatusFailed
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
			e.Tick(ctx, s, time.Now())
			if e.terminal(s) {
				e.store.MarkDirty()
				e.stopLoop(s)
				return
			}
		}
	}
}

func (e *Engine) terminal(s *domain.TradingStrategy) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.Terminal()
}

// Tick records the latest price, enforces risk limits and, when the strategy
// is running, lets its evaluator trade. Risk beats the evaluator: the
// stop-loss and the drawdown limit are checked first and short-circuit the
// tick when they fire.
func (e *Engine) Tick(ctx context.Context, s *domain.TradingStrategy, now time.Time) {
	price, ok := e.prices.LastPrice(s.Token)
	if !ok {
		return
	}

	l := e.logger.With(zap.Int64("strategy", s.ID), zap.String("kind", string(s.Kind)))

	e.mu.Lock()
	s.RecordPrice(now, price)
	e.mu.Unlock()
	e.store.MarkDirty()

	if e.checkStopLoss(ctx, s, price, l) {
		return
	}
	if s.Status != domain.TradeStatusRunning {
		return
	}
	if e.checkDrawdown(ctx, s, price, l) {
		return
	}

	sig := evaluate(s, now, price)
	if sig == nil {
		return
	}
	e.execute(ctx, s, sig, price, now, l)
}

// checkStopLoss sells the whole position and terminates the strategy once
// the price falls strictly more than StopLossPercent below the average
// entry; sitting exactly at the boundary does not fire. Armed even while
// paused.
func (e *Engine) checkStopLoss(ctx context.Context, s *domain.TradingStrategy, price decimal.Decimal, l *zap.Logger) bool {
	limit := s.Risk.StopLossPercent
	if !limit.IsPositive() || !s.Position.Balance.IsPositive() || !s.Position.AvgEntryPrice.IsPositive() {
		return false
	}

	lossPct := s.Position.AvgEntryPrice.Sub(price).Div(s.Position.AvgEntryPrice).Mul(hundred)
	if !lossPct.GreaterThan(limit) {
		return false
	}

	amount := s.Position.Balance
	outcome, err := e.trader.Sell(ctx, e.owner(s), s.Token, amount)
	if err != nil {
		// position intact, re-fires next tick
		e.mu.Lock()
		s.Events.Errorf("stop-loss sell failed: %v", err)
		e.mu.Unlock()
		l.Error("stop-loss sell failed", zap.Error(err))
		e.store.MarkDirty()
		return true
	}

	e.mu.Lock()
	if err := s.Position.ApplySell(amount, outcome.AmountOut); err != nil {
		l.Error("stop-loss position update failed", zap.Error(err))
	}
	s.Trades = append(s.Trades, domain.TradeRecord{
		Time:        time.Now(),
		Side:        domain.TradeSideSell,
		Price:       price,
		TokenAmount: amount,
		QuoteAmount: outcome.AmountOut,
		TxRef:       outcome.TxRef,
		Reason:      "stop-loss",
	})
	s.Status = domain.TradeStatusDone
	s.Events.Tradef("stop-loss sold %s at %s (loss %s%%), strategy done",
		amount, price, lossPct.StringFixed(2))
	e.mu.Unlock()
	e.store.MarkDirty()

	l.Warn("stop-loss fired",
		zap.String("price", price.String()),
		zap.String("loss_percent", lossPct.StringFixed(2)))
	e.notifier.Notify(ctx, fmt.Sprintf("strategy %d stop-loss fired at %s", s.ID, price))
	return true
}

// checkDrawdown pauses the strategy once the loss on invested capital
// crosses MaxDrawdownPercent. The position is kept; only the operator can
// resume.
func (e *Engine) checkDrawdown(ctx context.Context, s *domain.TradingStrategy, price decimal.Decimal, l *zap.Logger) bool {
	limit := s.Risk.MaxDrawdownPercent
	if !limit.IsPositive() {
		return false
	}

	dd := s.Drawdown(price)
	if dd.LessThan(limit) {
		return false
	}

	e.mu.Lock()
	s.Status = domain.TradeStatusPaused
	s.Events.Errorf("paused: drawdown %s%% breached limit %s%%", dd.StringFixed(2), limit)
	e.mu.Unlock()
	e.store.MarkDirty()

	l.Warn("drawdown limit breached",
		zap.String("drawdown_percent", dd.StringFixed(2)),
		zap.String("limit_percent", limit.String()))
	e.notifier.Notify(ctx, fmt.Sprintf("strategy %d paused on %s%% drawdown", s.ID, dd.StringFixed(2)))
	return true
}

func (e *Engine) execute(ctx context.Context, s *domain.TradingStrategy, sig *Signal, price decimal.Decimal, now time.Time, l *zap.Logger) {
	amount := sig.Amount
	if e.maxTradeNotional.IsPositive() && amount.GreaterThan(e.maxTradeNotional) {
		amount = e.maxTradeNotional
	}
	if !amount.IsPositive() {
		return
	}

	switch sig.Side {
	case domain.TradeSideBuy:
		e.executeBuy(ctx, s, sig, amount, price, now, l)
	case domain.TradeSideSell:
		e.executeSell(ctx, s, sig, amount, price, now, l)
	}
}

func (e *Engine) executeBuy(ctx context.Context, s *domain.TradingStrategy, sig *Signal, amount, price decimal.Decimal, now time.Time, l *zap.Logger) {
	if limit := s.Risk.MaxPositionValue; limit.IsPositive() {
		projected := s.Position.Value(price).Add(amount)
		if projected.GreaterThan(limit) {
			l.Debug("buy suppressed by max position value",
				zap.String("projected", projected.String()),
				zap.String("limit", limit.String()))
			return
		}
	}

	outcome, err := e.trader.Buy(ctx, e.owner(s), s.Token, amount)
	if err != nil {
		e.mu.Lock()
		s.Events.Errorf("buy failed: %v", err)
		e.mu.Unlock()
		l.Error("buy failed", zap.Error(err), zap.String("amount", amount.String()))
		e.store.MarkDirty()
		return
	}

	e.mu.Lock()
	s.Position.ApplyBuy(price, amount, outcome.AmountOut)
	s.Trades = append(s.Trades, domain.TradeRecord{
		Time:        now,
		Side:        domain.TradeSideBuy,
		Price:       price,
		TokenAmount: outcome.AmountOut,
		QuoteAmount: amount,
		TxRef:       outcome.TxRef,
		Reason:      sig.Reason,
	})
	s.Events.Tradef("bought %s for %s at %s (%s)", outcome.AmountOut, amount, price, sig.Reason)
	e.commit(s, now)
	e.mu.Unlock()
	e.store.MarkDirty()

	l.Info("buy executed",
		zap.String("quote_in", amount.String()),
		zap.String("tokens_out", outcome.AmountOut.String()),
		zap.String("reason", sig.Reason))
}

func (e *Engine) executeSell(ctx context.Context, s *domain.TradingStrategy, sig *Signal, amount, price decimal.Decimal, now time.Time, l *zap.Logger) {
	if !price.IsPositive() {
		l.Warn("sell skipped, no positive price to convert notional", zap.String("price", price.String()))
		return
	}

	// notional to tokens, capped at what we actually hold
	tokens := amount.Div(price)
	if tokens.GreaterThan(s.Position.Balance) {
		tokens = s.Position.Balance
	}
	if !tokens.IsPositive() {
		return
	}

	outcome, err := e.trader.Sell(ctx, e.owner(s), s.Token, tokens)
	if err != nil {
		e.mu.Lock()
		s.Events.Errorf("sell failed: %v", err)
		e.mu.Unlock()
		l.Error("sell failed", zap.Error(err), zap.String("tokens", tokens.String()))
		e.store.MarkDirty()
		return
	}

	e.mu.Lock()
	if err := s.Position.ApplySell(tokens, outcome.AmountOut); err != nil {
		l.Error("sell position update failed", zap.Error(err))
	}
	s.Trades = append(s.Trades, domain.TradeRecord{
		Time:        now,
		Side:        domain.TradeSideSell,
		Price:       price,
		TokenAmount: tokens,
		QuoteAmount: outcome.AmountOut,
		TxRef:       outcome.TxRef,
		Reason:      sig.Reason,
	})
	s.Events.Tradef("sold %s for %s at %s (%s)", tokens, outcome.AmountOut, price, sig.Reason)
	e.commit(s, now)
	e.mu.Unlock()
	e.store.MarkDirty()

	l.Info("sell executed",
		zap.String("tokens_in", tokens.String()),
		zap.String("quote_out", outcome.AmountOut.String()),
		zap.String("reason", sig.Reason))
}

// commit applies the post-execution param changes for the strategy's kind.
// Called with the engine lock held, only after a confirmed trade.
func (e *Engine) commit(s *domain.TradingStrategy, now time.Time) {
	switch s.Kind {
	case domain.KindScheduled:
		s.Scheduled.LastBuy = now
	case domain.KindTimeSlice:
		s.TimeSlice.Executed++
		if s.TimeSlice.Executed >= s.TimeSlice.Slices {
			s.Status = domain.TradeStatusDone
			s.Events.Infof("all %d slices executed", s.TimeSlice.Slices)
		}
	case domain.KindMeanRev:
		s.MeanRev.LastTrade = now
	}
}

func (e *Engine) owner(s *domain.TradingStrategy) string {
	return fmt.Sprintf("strategy-%d", s.ID)
}
