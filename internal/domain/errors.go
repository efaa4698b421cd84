package domain

import "github.com/pkg/errors"

// Classified rejection reasons returned by the launchpad and the swap aggregator.
// Engines match these with errors.Is; anything else is treated as transient.
var (
	// ErrBidPriceTooLow means the submitted price was rejected as below the
	// current clearing price (possibly after contract-side tick alignment).
	ErrBidPriceTooLow = errors.New("bid price below clearing")

	// ErrAuctionEnded means the auction no longer accepts bids.
	ErrAuctionEnded = errors.New("auction ended")

	// ErrNoLiquidity means the aggregator found no route or the swap reverted.
	ErrNoLiquidity = errors.New("no liquidity for swap")

	// ErrNoData means a provider has no observation yet for the requested key.
	ErrNoData = errors.New("no data")
)
