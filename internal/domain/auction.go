package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ChainHead is the current block height and its timestamp.
type ChainHead struct {
	Height uint64
	Time   time.Time
}

// Auction is the observed state of a launch auction. All monetary fields are
// already normalized out of their on-chain fixed-point representation
// (see NormalizeUnits); valuations are fully-diluted, in quote currency.
type Auction struct {
	Address       common.Address
	Token         common.Address
	StartHeight   uint64
	EndHeight     uint64
	FloorPrice    decimal.Decimal
	ClearingPrice *decimal.Decimal // nil until the first bid lands
	BidCount      int
	RequiredRaise decimal.Decimal
	AuctionAmount decimal.Decimal
	TotalSupply   decimal.Decimal
	TokenDecimals int32
	Graduated     bool
}

// Bid is a single observed bid in an auction.
type Bid struct {
	Bidder common.Address
	Price  decimal.Decimal
	Amount decimal.Decimal
	Time   time.Time
}

// NormalizeUnits converts a raw fixed-point integer amount into its decimal
// value. Every provider response goes through this helper so unit handling
// lives in exactly one place.
func NormalizeUnits(raw decimal.Decimal, decimals int32) decimal.Decimal {
	return raw.Shift(-decimals)
}

// FloorValuation returns the fully-diluted valuation implied by the auction
// floor parameters: (requiredRaise / auctionAmount) * totalSupply.
func (a *Auction) FloorValuation() (decimal.Decimal, error) {
	if a.AuctionAmount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, errors.New("auction amount must be positive")
	}
	return a.RequiredRaise.Div(a.AuctionAmount).Mul(a.TotalSupply), nil
}

// ImpliedValuation converts the contract clearing price into a fully-diluted
// valuation by scaling it with the floor parameters:
// clearingPrice * (floorValuation / floorPrice).
func (a *Auction) ImpliedValuation() (decimal.Decimal, error) {
	if a.ClearingPrice == nil {
		return decimal.Zero, ErrNoData
	}
	if a.FloorPrice.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, errors.New("floor price must be positive")
	}
	floorVal, err := a.FloorValuation()
	if err != nil {
		return decimal.Zero, err
	}
	return a.ClearingPrice.Mul(floorVal.Div(a.FloorPrice)), nil
}

// RemainingBlocks returns how many blocks are left before the auction closes.
func (a *Auction) RemainingBlocks(height uint64) uint64 {
	if height >= a.EndHeight {
		return 0
	}
	return a.EndHeight - height
}
