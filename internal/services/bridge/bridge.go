// Package bridge hands won auctions over to the exit engine. Once a bid
// strategy finishes with an accepted bid and its auction graduates, the
// bridge reads the actual on-chain token balance and spawns the configured
// exit strategy exactly once.
package bridge

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/launchpilot/internal/domain"
)

type bidSource interface {
	CompletedWithExit() []*domain.BidStrategy
	MarkExitSpawned(auction common.Address)
}

type auctionReader interface {
	Auction(ctx context.Context, addr common.Address) (domain.Auction, error)
}

type balanceReader interface {
	TokenBalance(ctx context.Context, owner, token common.Address, decimals int32) (decimal.Decimal, error)
}

type exitSink interface {
	Add(ctx context.Context, s *domain.ExitStrategy) error
}

// Bridge polls won auctions for graduation and spawns exit strategies.
type Bridge struct {
	bids     bidSource
	auctions auctionReader
	chain    balanceReader
	exits    exitSink
	logger   *zap.Logger

	wallet   common.Address
	interval time.Duration
}

// New creates a bridge polling every interval for wallet's graduated wins.
func New(bids bidSource, auctions auctionReader, chain balanceReader, exits exitSink,
	wallet common.Address, interval time.Duration, logger *zap.Logger) *Bridge {

	return &Bridge{
		bids:     bids,
		auctions: auctions,
		chain:    chain,
		exits:    exits,
		logger:   logger,
		wallet:   wallet,
		interval: interval,
	}
}

// Run polls until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.Sweep(ctx)
		}
	}
}

// Sweep checks every won auction awaiting an exit strategy and spawns one
// for each that has graduated.
func (b *Bridge) Sweep(ctx context.Context) {
	for _, s := range b.bids.CompletedWithExit() {
		b.spawn(ctx, s)
	}
}

func (b *Bridge) spawn(ctx context.Context, s *domain.BidStrategy) {
	l := b.logger.With(zap.String("auction", s.Auction.Hex()))

	auction, err := b.auctions.Auction(ctx, s.Auction)
	if err != nil {
		l.Warn("graduation poll failed", zap.Error(err))
		return
	}
	if !auction.Graduated {
		return
	}

	// the position the auction actually delivered, not the bid size
	balance, err := b.chain.TokenBalance(ctx, b.wallet, auction.Token, auction.TokenDecimals)
	if err != nil {
		l.Warn("token balance read failed", zap.Error(err))
		return
	}
	if !balance.IsPositive() {
		// graduated but tokens not delivered yet, retried next sweep
		l.Warn("graduated auction with zero token balance")
		return
	}

	if !auction.TotalSupply.IsPositive() {
		l.Error("auction has no total supply, cannot derive entry price")
		b.bids.MarkExitSpawned(s.Auction)
		return
	}
	// the accepted bid is a valuation; tranche triggers work on unit price
	entryPrice := s.LastAcceptedPrice.Div(auction.TotalSupply)

	exit, err := domain.NewExitStrategy(s.Auction, auction.Token, auction.TokenDecimals, entryPrice, balance, *s.Exit)
	if err != nil {
		l.Error("exit strategy construction failed", zap.Error(err))
		b.bids.MarkExitSpawned(s.Auction)
		return
	}

	if err := b.exits.Add(ctx, exit); err != nil {
		l.Error("exit strategy registration failed", zap.Error(err))
		return
	}
	b.bids.MarkExitSpawned(s.Auction)

	l.Info("exit strategy spawned",
		zap.String("token", auction.Token.Hex()),
		zap.String("balance", balance.String()),
		zap.String("entry_price", entryPrice.String()))
}
