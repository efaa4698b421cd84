package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// BidStatus is the lifecycle state of a bid strategy. Transitions are
// monotonic: a state is never revisited once left, except for price-race
// retries inside StatusBidding.
type BidStatus string

const (
	BidStatusWaiting  BidStatus = "waiting"
	BidStatusWatching BidStatus = "watching"
	BidStatusBidding  BidStatus = "bidding"
	BidStatusDone     BidStatus = "done"
	BidStatusFailed   BidStatus = "failed"
)

// TrancheSpec declares one exit tranche: sell percent of the position once
// the valuation reaches triggerMultiple of the entry.
type TrancheSpec struct {
	Percent         decimal.Decimal `json:"percent"`
	TriggerMultiple decimal.Decimal `json:"trigger_multiple"`
}

// ExitProfile links a bid strategy to the exit strategy spawned after the
// auction graduates.
type ExitProfile struct {
	Tranches         []TrancheSpec    `json:"tranches"`
	StopLossMultiple *decimal.Decimal `json:"stop_loss_multiple,omitempty"`
}

// BidStrategy is one state machine per watched auction. It is created by an
// external command, mutated only by its own tick loop and never deleted:
// terminal strategies stay in the map for audit.
type BidStrategy struct {
	Auction common.Address `json:"auction"`
	Token   common.Address `json:"token"`
	Status  BidStatus      `json:"status"`

	// Amount is the quote-currency size of the bid.
	Amount decimal.Decimal `json:"amount"`
	// MaxValuation caps the target valuation; bids are never placed above it.
	MaxValuation decimal.Decimal `json:"max_valuation"`
	// MinValuation, when positive, floors the computed target.
	MinValuation decimal.Decimal `json:"min_valuation"`

	Attempts          int             `json:"attempts"`
	TargetValuation   decimal.Decimal `json:"target_valuation"`
	LastAcceptedPrice decimal.Decimal `json:"last_accepted_price"`
	ClearingValuation decimal.Decimal `json:"clearing_valuation"`

	Exit        *ExitProfile `json:"exit,omitempty"`
	ExitSpawned bool         `json:"exit_spawned"`

	Events *EventLog `json:"events"`
}

// NewBidStrategy validates and constructs a bid strategy in StatusWaiting.
func NewBidStrategy(auction, token common.Address, amount, maxValuation, minValuation decimal.Decimal, exit *ExitProfile) (*BidStrategy, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("bid amount must be positive")
	}
	if maxValuation.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("max valuation must be positive")
	}
	if minValuation.IsNegative() || minValuation.GreaterThan(maxValuation) {
		return nil, errors.New("min valuation must be within [0, max valuation]")
	}
	if exit != nil {
		for _, t := range exit.Tranches {
			if t.Percent.LessThanOrEqual(decimal.Zero) || t.Percent.GreaterThan(decimal.NewFromInt(100)) {
				return nil, errors.Errorf("tranche percent must be in (0, 100], got %s", t.Percent)
			}
			if t.TriggerMultiple.LessThanOrEqual(decimal.Zero) {
				return nil, errors.Errorf("tranche trigger multiple must be positive, got %s", t.TriggerMultiple)
			}
		}
	}

	return &BidStrategy{
		Auction:      auction,
		Token:        token,
		Status:       BidStatusWaiting,
		Amount:       amount,
		MaxValuation: maxValuation,
		MinValuation: minValuation,
		Exit:         exit,
		Events:       NewEventLog(0),
	}, nil
}

// Terminal reports whether the strategy reached a final state.
func (b *BidStrategy) Terminal() bool {
	return b.Status == BidStatusDone || b.Status == BidStatusFailed
}

// ClampTarget bounds a computed target valuation to the strategy's
// configured corridor.
func (b *BidStrategy) ClampTarget(target decimal.Decimal) decimal.Decimal {
	if b.MinValuation.IsPositive() && target.LessThan(b.MinValuation) {
		target = b.MinValuation
	}
	if target.GreaterThan(b.MaxValuation) {
		target = b.MaxValuation
	}
	return target
}
