// Package bidder runs one state machine per watched auction:
// waiting -> watching -> bidding -> done/failed. Commitment is intentionally
// delayed until the auction is nearly over to minimize price-staleness risk;
// inside the bidding state the target price races the clearing price with a
// bounded number of bumped retries.
package bidder

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

const maxBidAttempts = 5

var (
	// margin applied over the observed clearing valuation: survives price
	// drift between decision and submission plus contract tick alignment
	clearingMargin = decimal.NewFromFloat(1.10)
	// smaller margin over the floor when nobody has bid yet
	floorMargin = decimal.NewFromFloat(1.05)
	// multiplicative bump after a price-too-low rejection
	retryBump = decimal.NewFromFloat(1.20)
)

type auctionReader interface {
	Auction(ctx context.Context, addr common.Address) (domain.Auction, error)
}

type headReader interface {
	CurrentHead(ctx context.Context) (domain.ChainHead, error)
}

type bidPlacer interface {
	PlaceBid(ctx context.Context, req executor.BidRequest) (executor.BidResult, error)
}

type notifier interface {
	Notify(ctx context.Context, text string)
}

type dirtyMarker interface {
	MarkDirty()
}

// Engine owns every live bid strategy and its tick loop.
type Engine struct {
	mu         sync.Mutex
	strategies map[common.Address]*domain.BidStrategy
	loops      map[common.Address]context.CancelFunc

	auctions auctionReader
	chain    headReader
	exec     bidPlacer
	notifier notifier
	store    dirtyMarker
	logger   *zap.Logger

	tickInterval       time.Duration
	commitWindowBlocks uint64
}

// NewEngine creates a bid engine ticking every tickInterval and committing
// to a bid once commitWindowBlocks or fewer remain before the auction ends.
func NewEngine(auctions auctionReader, chain headReader, exec bidPlacer, notifier notifier, store dirtyMarker,
	logger *zap.Logger, tickInterval time.Duration, commitWindowBlocks uint64) *Engine {

	return &Engine{
		strategies:         make(map[common.Address]*domain.BidStrategy),
		loops:              make(map[common.Address]context.CancelFunc),
		auctions:           auctions,
		chain:              chain,
		exec:               exec,
		notifier:           notifier,
		store:              store,
		logger:             logger,
		tickInterval:       tickInterval,
		commitWindowBlocks: commitWindowBlocks,
	}
}

// Add registers a new strategy and starts its tick loop.
func (e *Engine) Add(ctx context.Context, s *domain.BidStrategy) error {
	e.mu.Lock()
	if _, exists := e.strategies[s.Auction]; exists {
		e.mu.Unlock()
		return errors.Errorf("bid strategy for auction %s already exists", s.Auction.Hex())
	}
	e.strategies[s.Auction] = s
	s.Events.Infof("bid strategy created: amount %s, ceiling %s", s.Amount, s.MaxValuation)
	e.mu.Unlock()

	e.store.MarkDirty()
	e.startLoop(ctx, s)
	return nil
}

// Cancel requests cooperative termination: the strategy is marked done and
// its loop observes that at the next tick boundary.
func (e *Engine) Cancel(auction common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.strategies[auction]
	if !ok {
		return errors.Errorf("no bid strategy for auction %s", auction.Hex())
	}
	if !s.Terminal() {
		s.Status = domain.BidStatusDone
		s.Events.Infof("cancelled by operator")
	}
	return nil
}

// Get returns the strategy for an auction, if any.
func (e *Engine) Get(auction common.Address) (*domain.BidStrategy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.strategies[auction]
	return s, ok
}

// CompletedWithExit returns done strategies carrying an exit profile that
// has not been handed to the exit engine yet.
func (e *Engine) CompletedWithExit() []*domain.BidStrategy {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*domain.BidStrategy
	for _, s := range e.strategies {
		if s.Status == domain.BidStatusDone && s.Exit != nil && !s.ExitSpawned && !s.LastAcceptedPrice.IsZero() {
			out = append(out, s)
		}
	}
	return out
}

// MarkExitSpawned records that the exit strategy for an auction was created.
func (e *Engine) MarkExitSpawned(auction common.Address) {
	e.mu.Lock()
	if s, ok := e.strategies[auction]; ok {
		s.ExitSpawned = true
		s.Events.Infof("position handed to the exit engine")
	}
	e.mu.Unlock()
	e.store.MarkDirty()
}

// Collect serializes the full strategy map under the engine lock, so a
// snapshot flush never observes a strategy mid-tick.
func (e *Engine) Collect() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return json.Marshal(e.strategies)
}

// Restore repopulates the strategy map from a snapshot section and re-arms
// the tick loop for every non-terminal strategy. No external action is
// replayed: the loops resume observation only.
func (e *Engine) Restore(ctx context.Context, data []byte) error {
	restored := make(map[common.Address]*domain.BidStrategy)
	if err := json.Unmarshal(data, &restored); err != nil {
		return errors.Wrap(err, "unmarshal bid strategies")
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
			e.logger.Info("resuming bid strategy",
				zap.String("auction", s.Auction.Hex()),
				zap.String("status", string(s.Status)))
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

func (e *Engine) startLoop(ctx context.Context, s *domain.BidStrategy) {
	loopCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.loops[s.Auction] = cancel
	e.mu.Unlock()

	go e.run(loopCtx, s)
}

func (e *Engine) stopLoop(auction common.Address) {
	e.mu.Lock()
	cancel, ok := e.loops[auction]
	if ok {
		delete(e.loops, auction)
	}
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Engine) run(ctx context.Context, s *domain.BidStrategy) {
	l := e.logger.With(zap.String("auction", s.Auction.Hex()))

	defer func() {
		// a panic escaping a tick marks this strategy failed without
		// touching any other strategy or the process
		if r := recover(); r != nil {
			l.Error("bid strategy loop panicked", zap.Any("panic", r))
			e.mu.Lock()
			s.Status = domain.BidStatusFailed
			s.Events.Errorf("strategy failed: %v", r)
			e.mu.Unlock()
			e.store.MarkDirty()
			e.stopLoop(s.Auction)
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
				e.stopLoop(s.Auction)
				return
			}
			e.Tick(ctx, s)
			if e.terminal(s) {
				e.store.MarkDirty()
				e.stopLoop(s.Auction)
				return
			}
		}
	}
}

func (e *Engine) terminal(s *domain.BidStrategy) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.Terminal()
}

// Tick advances the strategy's state machine by one step.
func (e *Engine) Tick(ctx context.Context, s *domain.BidStrategy) {
	l := e.logger.With(zap.String("auction", s.Auction.Hex()), zap.String("status", string(s.Status)))

	switch s.Status {
	case domain.BidStatusWaiting:
		e.tickWaiting(ctx, s, l)
	case domain.BidStatusWatching:
		e.tickWatching(ctx, s, l)
	case domain.BidStatusBidding:
		e.tickBidding(ctx, s, l)
	}
}

func (e *Engine) tickWaiting(ctx context.Context, s *domain.BidStrategy, l *zap.Logger) {
	auction, err := e.auctions.Auction(ctx, s.Auction)
	if err != nil {
		l.Warn("auction poll failed", zap.Error(err))
		return
	}
	head, err := e.chain.CurrentHead(ctx)
	if err != nil {
		l.Warn("chain head poll failed", zap.Error(err))
		return
	}

	if head.Height < auction.StartHeight {
		l.Debug("auction not started",
			zap.Uint64("height", head.Height),
			zap.Uint64("start_height", auction.StartHeight))
		return
	}

	e.mu.Lock()
	s.Status = domain.BidStatusWatching
	s.Events.Infof("auction started at height %d", head.Height)
	e.mu.Unlock()
	e.store.MarkDirty()
}

func (e *Engine) tickWatching(ctx context.Context, s *domain.BidStrategy, l *zap.Logger) {
	auction, err := e.auctions.Auction(ctx, s.Auction)
	if err != nil {
		l.Warn("auction poll failed", zap.Error(err))
		return
	}
	head, err := e.chain.CurrentHead(ctx)
	if err != nil {
		l.Warn("chain head poll failed", zap.Error(err))
		return
	}

	if auction.ClearingPrice != nil {
		implied, err := auction.ImpliedValuation()
		if err != nil {
			l.Warn("implied valuation failed", zap.Error(err))
		} else if !implied.Equal(s.ClearingValuation) {
			e.mu.Lock()
			s.ClearingValuation = implied
			e.mu.Unlock()
			e.store.MarkDirty()
			l.Debug("clearing valuation updated",
				zap.String("implied", implied.String()),
				zap.Int("bid_count", auction.BidCount))
		}
	}

	remaining := auction.RemainingBlocks(head.Height)
	if remaining > e.commitWindowBlocks {
		return
	}

	// inside the commit window: pick the opening target and start bidding
	target, err := e.initialTarget(s, auction)
	if err != nil {
		l.Warn("initial target computation failed", zap.Error(err))
		return
	}

	e.mu.Lock()
	s.TargetValuation = target
	s.Status = domain.BidStatusBidding
	s.Events.Infof("entering bidding with target %s (%d blocks remaining)", target, remaining)
	e.mu.Unlock()
	e.store.MarkDirty()

	// place the first bid in the same tick; the window is short
	e.tickBidding(ctx, s, l)
}

func (e *Engine) initialTarget(s *domain.BidStrategy, auction domain.Auction) (decimal.Decimal, error) {
	if auction.ClearingPrice != nil {
		implied, err := auction.ImpliedValuation()
		if err != nil {
			return decimal.Zero, err
		}
		return s.ClampTarget(implied.Mul(clearingMargin)), nil
	}

	floorVal, err := auction.FloorValuation()
	if err != nil {
		return decimal.Zero, err
	}
	return s.ClampTarget(floorVal.Mul(floorMargin)), nil
}

func (e *Engine) tickBidding(ctx context.Context, s *domain.BidStrategy, l *zap.Logger) {
	res, err := e.exec.PlaceBid(ctx, executor.BidRequest{
		Auction:         s.Auction,
		TargetValuation: s.TargetValuation,
		Amount:          s.Amount,
	})

	e.mu.Lock()
	defer func() {
		e.mu.Unlock()
		e.store.MarkDirty()
	}()

	switch {
	case err == nil:
		s.LastAcceptedPrice = res.AcceptedPrice
		s.Status = domain.BidStatusDone
		s.Events.Tradef("bid accepted at %s (tx %s)", res.AcceptedPrice, res.TxRef)
		l.Info("bid accepted",
			zap.String("accepted_price", res.AcceptedPrice.String()),
			zap.String("tx", res.TxRef))
		e.notifier.Notify(ctx, "bid accepted for "+s.Auction.Hex()+" at "+res.AcceptedPrice.String())

	case errors.Is(err, domain.ErrAuctionEnded):
		s.Status = domain.BidStatusDone
		s.Events.Infof("auction ended before our bid landed")
		l.Info("auction ended, giving up")

	case errors.Is(err, domain.ErrBidPriceTooLow):
		s.Attempts++
		if s.Attempts >= maxBidAttempts {
			s.Status = domain.BidStatusDone
			s.Events.Errorf("gave up after %d rejected attempts, last target %s", s.Attempts, s.TargetValuation)
			l.Warn("bid attempts exhausted", zap.Int("attempts", s.Attempts))
			e.notifier.Notify(ctx, "bid attempts exhausted for "+s.Auction.Hex())
			return
		}
		bumped := s.ClampTarget(s.TargetValuation.Mul(retryBump))
		s.Events.Infof("price too low, bumping target %s -> %s (attempt %d)", s.TargetValuation, bumped, s.Attempts)
		l.Info("bid rejected as too low, bumping",
			zap.String("target", s.TargetValuation.String()),
			zap.String("bumped", bumped.String()),
			zap.Int("attempt", s.Attempts))
		s.TargetValuation = bumped

	default:
		// unrecognized failure: treated as transient while attempts remain
		s.Attempts++
		s.Events.Errorf("bid submission failed: %v", err)
		l.Error("bid submission failed", zap.Error(err), zap.Int("attempt", s.Attempts))
		if s.Attempts >= maxBidAttempts {
			s.Status = domain.BidStatusDone
			s.Events.Errorf("gave up after %d attempts", s.Attempts)
			e.notifier.Notify(ctx, "bid failed for "+s.Auction.Hex()+": "+err.Error())
		}
	}
}
