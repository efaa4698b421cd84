package trading

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/launchpilot/internal/domain"
	"github.com/vadiminshakov/launchpilot/pkg/indicators"
)

// Signal is one trade decision produced by an evaluator. Amount is a
// quote-currency notional for both sides.
type Signal struct {
	Side   domain.TradeSide
	Amount decimal.Decimal
	Reason string
}

// evaluate runs the strategy's evaluator against the latest price. Evaluators
// are pure: they never mutate the strategy, the engine commits param changes
// only after a confirmed execution.
func evaluate(s *domain.TradingStrategy, now time.Time, price decimal.Decimal) *Signal {
	switch s.Kind {
	case domain.KindScheduled:
		return evaluateScheduled(s, now)
	case domain.KindTimeSlice:
		return evaluateTimeSlice(s, now)
	case domain.KindMeanRev:
		return evaluateMeanRev(s, now, price)
	}
	return nil
}

func evaluateScheduled(s *domain.TradingStrategy, now time.Time) *Signal {
	p := s.Scheduled
	if !p.LastBuy.IsZero() && now.Sub(p.LastBuy) < p.Interval {
		return nil
	}

	amount := p.BuyAmount
	if p.Budget.IsPositive() {
		remaining := p.Budget.Sub(s.Position.Invested)
		if remaining.LessThanOrEqual(decimal.Zero) {
			// budget spent: no more buys, but the strategy keeps
			// running so risk limits still protect the position
			return nil
		}
		if amount.GreaterThan(remaining) {
			amount = remaining
		}
	}

	return &Signal{Side: domain.TradeSideBuy, Amount: amount, Reason: "scheduled buy"}
}

func evaluateTimeSlice(s *domain.TradingStrategy, now time.Time) *Signal {
	p := s.TimeSlice
	if p.Executed >= p.Slices || now.Before(p.StartTime) {
		return nil
	}

	// slice i becomes due at start + i * (duration / slices)
	step := p.Duration / time.Duration(p.Slices)
	due := p.StartTime.Add(step * time.Duration(p.Executed))
	if now.Before(due) {
		return nil
	}

	amount := p.TotalAmount.Div(decimal.NewFromInt(int64(p.Slices)))
	return &Signal{
		Side:   domain.TradeSideBuy,
		Amount: amount,
		Reason: fmt.Sprintf("slice %d/%d", p.Executed+1, p.Slices),
	}
}

func evaluateMeanRev(s *domain.TradingStrategy, now time.Time, price decimal.Decimal) *Signal {
	p := s.MeanRev
	if !p.LastTrade.IsZero() && now.Sub(p.LastTrade) < p.Cooldown {
		return nil
	}
	if len(s.History) < p.Lookback {
		return nil
	}

	closes := make([]decimal.Decimal, len(s.History))
	for i, pt := range s.History {
		closes[i] = pt.Price
	}
	ema, err := indicators.LastEMA(closes, p.Lookback)
	if err != nil || ema.IsZero() {
		return nil
	}

	deviation := price.Sub(ema).Div(ema).Mul(decimal.NewFromInt(100))

	switch {
	case deviation.LessThanOrEqual(p.BuyThresholdPercent.Neg()):
		return &Signal{
			Side:   domain.TradeSideBuy,
			Amount: p.TradeAmount,
			Reason: fmt.Sprintf("price %s%% below EMA", deviation.Abs().StringFixed(2)),
		}
	case deviation.GreaterThanOrEqual(p.SellThresholdPercent) && s.Position.Balance.IsPositive():
		return &Signal{
			Side:   domain.TradeSideSell,
			Amount: p.TradeAmount,
			Reason: fmt.Sprintf("price %s%% above EMA", deviation.StringFixed(2)),
		}
	}
	return nil
}
