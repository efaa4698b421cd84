package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// StrategyKind selects the evaluator driving a trading strategy.
type StrategyKind string

const (
	KindScheduled StrategyKind = "scheduled"
	KindTimeSlice StrategyKind = "timeslice"
	KindMeanRev   StrategyKind = "meanrev"
)

// TradeStatus is the lifecycle state of a trading strategy.
type TradeStatus string

const (
	TradeStatusRunning TradeStatus = "running"
	TradeStatusPaused  TradeStatus = "paused"
	TradeStatusDone    TradeStatus = "done"
	TradeStatusFailed  TradeStatus = "failed"
)

// TradeSide is the direction of a single trade.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// TradeRecord is an immutable record of one executed trade.
type TradeRecord struct {
	Time        time.Time       `json:"time"`
	Side        TradeSide       `json:"side"`
	Price       decimal.Decimal `json:"price"`
	TokenAmount decimal.Decimal `json:"token_amount"`
	QuoteAmount decimal.Decimal `json:"quote_amount"`
	TxRef       string          `json:"tx_ref"`
	Reason      string          `json:"reason"`
}

// Position tracks the token holdings of one trading strategy. The average
// entry price is a volume-weighted blend recomputed on every buy and left
// unchanged on sells.
type Position struct {
	Balance       decimal.Decimal `json:"balance"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	Invested      decimal.Decimal `json:"invested"`
	Realized      decimal.Decimal `json:"realized"`
}

// ApplyBuy records a confirmed buy of tokensOut for quoteSpent at price.
func (p *Position) ApplyBuy(price, quoteSpent, tokensOut decimal.Decimal) {
	if tokensOut.LessThanOrEqual(decimal.Zero) {
		return
	}
	newBalance := p.Balance.Add(tokensOut)
	weighted := p.AvgEntryPrice.Mul(p.Balance).Add(price.Mul(tokensOut))
	p.AvgEntryPrice = weighted.Div(newBalance)
	p.Balance = newBalance
	p.Invested = p.Invested.Add(quoteSpent)
}

// ApplySell records a confirmed sell of tokensIn for quoteOut. The sell
// amount is expected to be pre-capped; the balance never goes negative.
func (p *Position) ApplySell(tokensIn, quoteOut decimal.Decimal) error {
	if tokensIn.GreaterThan(p.Balance) {
		return errors.Errorf("sell of %s exceeds balance %s", tokensIn, p.Balance)
	}
	p.Balance = p.Balance.Sub(tokensIn)
	p.Realized = p.Realized.Add(quoteOut)
	return nil
}

// Value returns the position's current notional at price.
func (p *Position) Value(price decimal.Decimal) decimal.Decimal {
	return p.Balance.Mul(price)
}

// RiskLimits are advisory ceilings evaluated on every tick, independent of
// the evaluator's own signal. Zero values disable the corresponding limit.
type RiskLimits struct {
	StopLossPercent    decimal.Decimal `json:"stop_loss_percent"`
	MaxDrawdownPercent decimal.Decimal `json:"max_drawdown_percent"`
	MaxPositionValue   decimal.Decimal `json:"max_position_value"`
}

// ScheduledParams configures a scheduled-accumulation strategy: a fixed buy
// every interval, optionally bounded by a total budget. An exhausted budget
// stops new buys but keeps the strategy running for risk management.
type ScheduledParams struct {
	BuyAmount decimal.Decimal `json:"buy_amount"`
	Interval  time.Duration   `json:"interval"`
	Budget    decimal.Decimal `json:"budget"` // zero = unbounded
	LastBuy   time.Time       `json:"last_buy,omitzero"`
}

// TimeSliceParams configures time-sliced execution: TotalAmount split into
// Slices equal buys spread evenly across Duration, starting at StartTime.
type TimeSliceParams struct {
	TotalAmount decimal.Decimal `json:"total_amount"`
	Slices      int             `json:"slices"`
	Duration    time.Duration   `json:"duration"`
	StartTime   time.Time       `json:"start_time"`
	Executed    int             `json:"executed"`
}

// MeanRevParams configures the mean-reversion strategy: trade when price
// deviates from its EMA beyond the thresholds, with a cooldown between
// trades to avoid thrashing.
type MeanRevParams struct {
	Lookback             int             `json:"lookback"`
	BuyThresholdPercent  decimal.Decimal `json:"buy_threshold_percent"`
	SellThresholdPercent decimal.Decimal `json:"sell_threshold_percent"`
	TradeAmount          decimal.Decimal `json:"trade_amount"`
	Cooldown             time.Duration   `json:"cooldown"`
	LastTrade            time.Time       `json:"last_trade,omitzero"`
}

// PricePoint is one timestamped price observation.
type PricePoint struct {
	Time  time.Time       `json:"time"`
	Price decimal.Decimal `json:"price"`
}

// TradingStrategy is one user-declared algorithmic strategy instance running
// against a token/USDC market. Exactly one of the params fields matching
// Kind must be set.
type TradingStrategy struct {
	ID     int64          `json:"id"`
	Kind   StrategyKind   `json:"kind"`
	Token  common.Address `json:"token"`
	Status TradeStatus    `json:"status"`

	Position Position      `json:"position"`
	Risk     RiskLimits    `json:"risk"`
	Trades   []TradeRecord `json:"trades"`

	Scheduled *ScheduledParams `json:"scheduled,omitempty"`
	TimeSlice *TimeSliceParams `json:"timeslice,omitempty"`
	MeanRev   *MeanRevParams   `json:"meanrev,omitempty"`

	// History is a bounded price history maintained by the engine.
	History []PricePoint `json:"history"`

	Events *EventLog `json:"events"`
}

const strategyHistoryLimit = 500

// Validate checks that the declared kind matches exactly one params variant
// and that the variant is internally consistent.
func (s *TradingStrategy) Validate() error {
	set := 0
	if s.Scheduled != nil {
		set++
	}
	if s.TimeSlice != nil {
		set++
	}
	if s.MeanRev != nil {
		set++
	}
	if set != 1 {
		return errors.Errorf("strategy must carry exactly one params variant, got %d", set)
	}

	switch s.Kind {
	case KindScheduled:
		p := s.Scheduled
		if p == nil {
			return errors.New("scheduled strategy missing scheduled params")
		}
		if p.BuyAmount.LessThanOrEqual(decimal.Zero) {
			return errors.New("scheduled buy amount must be positive")
		}
		if p.Interval <= 0 {
			return errors.New("scheduled interval must be positive")
		}
		if p.Budget.IsNegative() {
			return errors.New("scheduled budget must not be negative")
		}
	case KindTimeSlice:
		p := s.TimeSlice
		if p == nil {
			return errors.New("timeslice strategy missing timeslice params")
		}
		if p.TotalAmount.LessThanOrEqual(decimal.Zero) {
			return errors.New("timeslice total amount must be positive")
		}
		if p.Slices < 1 {
			return errors.New("timeslice slice count must be >= 1")
		}
		if p.Duration <= 0 {
			return errors.New("timeslice duration must be positive")
		}
	case KindMeanRev:
		p := s.MeanRev
		if p == nil {
			return errors.New("meanrev strategy missing meanrev params")
		}
		if p.Lookback < 2 {
			return errors.New("meanrev lookback must be >= 2")
		}
		if p.BuyThresholdPercent.LessThanOrEqual(decimal.Zero) || p.SellThresholdPercent.LessThanOrEqual(decimal.Zero) {
			return errors.New("meanrev thresholds must be positive")
		}
		if p.TradeAmount.LessThanOrEqual(decimal.Zero) {
			return errors.New("meanrev trade amount must be positive")
		}
	default:
		return errors.Errorf("unknown strategy kind %q", s.Kind)
	}

	return nil
}

// Terminal reports whether the strategy reached a final state.
func (s *TradingStrategy) Terminal() bool {
	return s.Status == TradeStatusDone || s.Status == TradeStatusFailed
}

// RecordPrice appends an observation to the bounded history.
func (s *TradingStrategy) RecordPrice(t time.Time, price decimal.Decimal) {
	s.History = append(s.History, PricePoint{Time: t, Price: price})
	if len(s.History) > strategyHistoryLimit {
		s.History = s.History[len(s.History)-strategyHistoryLimit:]
	}
}

// Drawdown returns the loss on invested capital as a percentage: how far
// realized proceeds plus current position value have fallen below invested.
func (s *TradingStrategy) Drawdown(price decimal.Decimal) decimal.Decimal {
	if s.Position.Invested.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	equity := s.Position.Realized.Add(s.Position.Value(price))
	loss := s.Position.Invested.Sub(equity)
	if loss.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return loss.Div(s.Position.Invested).Mul(decimal.NewFromInt(100))
}
