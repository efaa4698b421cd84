package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// TrancheStatus is the lifecycle state of a single tranche. Once a tranche
// leaves pending it never returns there.
type TrancheStatus string

const (
	TranchePending  TrancheStatus = "pending"
	TrancheExecuted TrancheStatus = "executed"
	TrancheSkipped  TrancheStatus = "skipped"
)

// Tranche is a configured partial liquidation step: sell Percent of the
// balance held at trigger time once the valuation multiple reaches
// TriggerMultiple.
type Tranche struct {
	Percent         decimal.Decimal `json:"percent"`
	TriggerMultiple decimal.Decimal `json:"trigger_multiple"`
	Status          TrancheStatus   `json:"status"`
	SoldAmount      decimal.Decimal `json:"sold_amount"`
	Proceeds        decimal.Decimal `json:"proceeds"`
	ExecutedAt      time.Time       `json:"executed_at,omitzero"`
}

// ExitStatus is the lifecycle state of an exit strategy.
type ExitStatus string

const (
	ExitStatusActive    ExitStatus = "active"
	ExitStatusDone      ExitStatus = "done"
	ExitStatusStopped   ExitStatus = "stopped"
	ExitStatusCancelled ExitStatus = "cancelled"
	ExitStatusFailed    ExitStatus = "failed"
)

// ExitStrategy liquidates the token position of one graduated auction
// through ordered tranches, preemptable by a stop-loss.
type ExitStrategy struct {
	Auction common.Address `json:"auction"`
	Token   common.Address `json:"token"`
	// TokenDecimals normalizes raw on-chain balance reads for this token.
	TokenDecimals int32      `json:"token_decimals"`
	Status        ExitStatus `json:"status"`

	// EntryPrice is the reference unit price the valuation multiple is
	// computed against.
	EntryPrice       decimal.Decimal  `json:"entry_price"`
	InitialBalance   decimal.Decimal  `json:"initial_balance"`
	Balance          decimal.Decimal  `json:"balance"`
	Tranches         []*Tranche       `json:"tranches"`
	StopLossMultiple *decimal.Decimal `json:"stop_loss_multiple,omitempty"`
	Realized         decimal.Decimal  `json:"realized"`

	Events *EventLog `json:"events"`
}

// NewExitStrategy validates and constructs an active exit strategy from an
// exit profile.
func NewExitStrategy(auction, token common.Address, tokenDecimals int32, entryPrice, balance decimal.Decimal, profile ExitProfile) (*ExitStrategy, error) {
	if entryPrice.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("entry price must be positive")
	}
	if balance.IsNegative() {
		return nil, errors.New("balance must not be negative")
	}
	if len(profile.Tranches) == 0 && profile.StopLossMultiple == nil {
		return nil, errors.New("exit profile must declare tranches or a stop-loss")
	}

	tranches := make([]*Tranche, 0, len(profile.Tranches))
	for _, spec := range profile.Tranches {
		tranches = append(tranches, &Tranche{
			Percent:         spec.Percent,
			TriggerMultiple: spec.TriggerMultiple,
			Status:          TranchePending,
		})
	}

	return &ExitStrategy{
		Auction:          auction,
		Token:            token,
		TokenDecimals:    tokenDecimals,
		Status:           ExitStatusActive,
		EntryPrice:       entryPrice,
		InitialBalance:   balance,
		Balance:          balance,
		Tranches:         tranches,
		StopLossMultiple: profile.StopLossMultiple,
		Realized:         decimal.Zero,
		Events:           NewEventLog(0),
	}, nil
}

// Terminal reports whether the strategy reached a final state.
func (e *ExitStrategy) Terminal() bool {
	switch e.Status {
	case ExitStatusDone, ExitStatusStopped, ExitStatusCancelled, ExitStatusFailed:
		return true
	}
	return false
}

// CurrentMultiple returns price relative to the entry reference price.
func (e *ExitStrategy) CurrentMultiple(price decimal.Decimal) decimal.Decimal {
	if e.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return price.Div(e.EntryPrice)
}

// PendingTranches counts tranches still eligible for execution.
func (e *ExitStrategy) PendingTranches() int {
	n := 0
	for _, t := range e.Tranches {
		if t.Status == TranchePending {
			n++
		}
	}
	return n
}

// SkipPending marks every pending tranche skipped. Used when the stop-loss
// preempts the tranche ladder.
func (e *ExitStrategy) SkipPending() {
	for _, t := range e.Tranches {
		if t.Status == TranchePending {
			t.Status = TrancheSkipped
		}
	}
}
