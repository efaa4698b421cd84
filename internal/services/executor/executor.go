// Package executor performs the irreversible actions the engines decide on:
// auction bids and token swaps. Every action is journaled before dispatch
// and confirmed after, so a restart can tell exactly which actions happened.
package executor

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/launchpilot/internal/services/providers"
	"github.com/vadiminshakov/launchpilot/internal/storage/journal"
)

type bidSubmitter interface {
	SubmitBid(ctx context.Context, req providers.BidSubmission) (providers.BidReceipt, error)
}

type swapper interface {
	Swap(ctx context.Context, tokenIn, tokenOut common.Address, amountIn decimal.Decimal) (providers.SwapReceipt, error)
}

type actionJournal interface {
	Prepare(kind journal.ActionKind, owner, token string, amount, price decimal.Decimal) (*journal.Intent, error)
	MarkDone(intent *journal.Intent, txRef string) error
	MarkFailed(intent *journal.Intent, cause error) error
}

// BidRequest describes one bid to place.
type BidRequest struct {
	Auction         common.Address
	TargetValuation decimal.Decimal
	Amount          decimal.Decimal
}

// BidResult is the confirmed outcome of a placed bid.
type BidResult struct {
	AcceptedPrice decimal.Decimal
	TxRef         string
}

// SwapOutcome is the confirmed outcome of a buy or sell.
type SwapOutcome struct {
	AmountOut decimal.Decimal
	TxRef     string
}

// Executor wraps the launchpad and the aggregator behind journaled,
// exactly-once-effective actions.
type Executor struct {
	launchpad bidSubmitter
	swapper   swapper
	journal   actionJournal
	logger    *zap.Logger
	wallet    common.Address
	quote     common.Address // quote currency token (USDC)
}

// New creates an Executor trading from wallet with quote as the quote token.
func New(launchpad bidSubmitter, swapper swapper, journal actionJournal, wallet, quote common.Address, logger *zap.Logger) *Executor {
	return &Executor{
		launchpad: launchpad,
		swapper:   swapper,
		journal:   journal,
		logger:    logger,
		wallet:    wallet,
		quote:     quote,
	}
}

// PlaceBid journals and submits a bid. Classified rejections pass through
// unchanged for the bid engine to act on.
func (e *Executor) PlaceBid(ctx context.Context, req BidRequest) (BidResult, error) {
	intent, err := e.journal.Prepare(journal.ActionBid, req.Auction.Hex(), "", req.Amount, req.TargetValuation)
	if err != nil {
		return BidResult{}, errors.Wrap(err, "journal bid intent")
	}

	receipt, err := e.launchpad.SubmitBid(ctx, providers.BidSubmission{
		Bidder:          e.wallet,
		Auction:         req.Auction,
		TargetValuation: req.TargetValuation,
		Amount:          req.Amount,
	})
	if err != nil {
		if jerr := e.journal.MarkFailed(intent, err); jerr != nil {
			e.logger.Error("failed to journal bid failure", zap.Error(jerr), zap.String("intent", intent.ID))
		}
		return BidResult{}, err
	}

	if err := e.journal.MarkDone(intent, receipt.TxRef); err != nil {
		e.logger.Error("failed to journal bid confirmation", zap.Error(err), zap.String("intent", intent.ID))
	}

	return BidResult{AcceptedPrice: receipt.AcceptedPrice, TxRef: receipt.TxRef}, nil
}

// Buy swaps quoteAmount of the quote currency into token.
func (e *Executor) Buy(ctx context.Context, owner string, token common.Address, quoteAmount decimal.Decimal) (SwapOutcome, error) {
	return e.swap(ctx, journal.ActionBuy, owner, e.quote, token, quoteAmount)
}

// Sell swaps tokenAmount of token back into the quote currency.
func (e *Executor) Sell(ctx context.Context, owner string, token common.Address, tokenAmount decimal.Decimal) (SwapOutcome, error) {
	return e.swap(ctx, journal.ActionSell, owner, token, e.quote, tokenAmount)
}

func (e *Executor) swap(ctx context.Context, kind journal.ActionKind, owner string, tokenIn, tokenOut common.Address, amountIn decimal.Decimal) (SwapOutcome, error) {
	if amountIn.LessThanOrEqual(decimal.Zero) {
		return SwapOutcome{}, errors.Errorf("swap amount must be positive, got %s", amountIn)
	}

	token := tokenOut
	if kind == journal.ActionSell {
		token = tokenIn
	}

	intent, err := e.journal.Prepare(kind, owner, token.Hex(), amountIn, decimal.Zero)
	if err != nil {
		return SwapOutcome{}, errors.Wrap(err, "journal swap intent")
	}

	receipt, err := e.swapper.Swap(ctx, tokenIn, tokenOut, amountIn)
	if err != nil {
		if jerr := e.journal.MarkFailed(intent, err); jerr != nil {
			e.logger.Error("failed to journal swap failure", zap.Error(jerr), zap.String("intent", intent.ID))
		}
		return SwapOutcome{}, err
	}

	if err := e.journal.MarkDone(intent, receipt.TxRef); err != nil {
		e.logger.Error("failed to journal swap confirmation", zap.Error(err), zap.String("intent", intent.ID))
	}

	return SwapOutcome{AmountOut: receipt.AmountOut, TxRef: receipt.TxRef}, nil
}
