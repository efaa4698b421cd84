package domain

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionApplyBuyBlendsEntryPrice(t *testing.T) {
	var p Position

	p.ApplyBuy(dec("10"), dec("1000"), dec("100"))
	assert.True(t, p.AvgEntryPrice.Equal(dec("10")))
	assert.True(t, p.Balance.Equal(dec("100")))

	// second buy at a higher price pulls the average up proportionally
	p.ApplyBuy(dec("20"), dec("2000"), dec("100"))
	assert.True(t, p.AvgEntryPrice.Equal(dec("15")), "got %s", p.AvgEntryPrice)
	assert.True(t, p.Balance.Equal(dec("200")))
	assert.True(t, p.Invested.Equal(dec("3000")))
}

func TestPositionApplySell(t *testing.T) {
	p := Position{Balance: dec("100"), AvgEntryPrice: dec("10")}

	require.NoError(t, p.ApplySell(dec("40"), dec("600")))
	assert.True(t, p.Balance.Equal(dec("60")))
	assert.True(t, p.Realized.Equal(dec("600")))
	// sells never move the average entry
	assert.True(t, p.AvgEntryPrice.Equal(dec("10")))

	require.Error(t, p.ApplySell(dec("61"), dec("1")))
	assert.True(t, p.Balance.Equal(dec("60")), "failed sell must not mutate the position")
}

func TestDrawdown(t *testing.T) {
	s := TradingStrategy{
		Position: Position{
			Balance:  dec("100"),
			Invested: dec("1000"),
			Realized: dec("200"),
		},
	}

	// equity = 200 + 100*6 = 800, loss = 200, drawdown = 20%
	assert.True(t, s.Drawdown(dec("6")).Equal(dec("20")))

	// in profit: drawdown floors at zero
	assert.True(t, s.Drawdown(dec("9")).Equal(decimal.Zero))

	// nothing invested yet
	empty := TradingStrategy{}
	assert.True(t, empty.Drawdown(dec("5")).Equal(decimal.Zero))
}

func TestRecordPriceBounded(t *testing.T) {
	var s TradingStrategy
	for i := 0; i < strategyHistoryLimit+50; i++ {
		s.RecordPrice(time.Now(), decimal.NewFromInt(int64(i)))
	}
	require.Len(t, s.History, strategyHistoryLimit)
	assert.True(t, s.History[0].Price.Equal(decimal.NewFromInt(50)))
}

func TestTradingStrategyValidate(t *testing.T) {
	token := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	tests := []struct {
		name      string
		strategy  TradingStrategy
		expectErr bool
	}{
		{
			name: "valid scheduled",
			strategy: TradingStrategy{
				Kind:      KindScheduled,
				Token:     token,
				Scheduled: &ScheduledParams{BuyAmount: dec("10"), Interval: time.Hour},
			},
		},
		{
			name: "valid timeslice",
			strategy: TradingStrategy{
				Kind:      KindTimeSlice,
				Token:     token,
				TimeSlice: &TimeSliceParams{TotalAmount: dec("100"), Slices: 4, Duration: time.Hour},
			},
		},
		{
			name: "valid meanrev",
			strategy: TradingStrategy{
				Kind:  KindMeanRev,
				Token: token,
				MeanRev: &MeanRevParams{
					Lookback:             10,
					BuyThresholdPercent:  dec("5"),
					SellThresholdPercent: dec("5"),
					TradeAmount:          dec("50"),
				},
			},
		},
		{
			name:      "no params",
			strategy:  TradingStrategy{Kind: KindScheduled, Token: token},
			expectErr: true,
		},
		{
			name: "two params variants",
			strategy: TradingStrategy{
				Kind:      KindScheduled,
				Token:     token,
				Scheduled: &ScheduledParams{BuyAmount: dec("10"), Interval: time.Hour},
				MeanRev:   &MeanRevParams{},
			},
			expectErr: true,
		},
		{
			name: "kind and params mismatch",
			strategy: TradingStrategy{
				Kind:      KindMeanRev,
				Token:     token,
				Scheduled: &ScheduledParams{BuyAmount: dec("10"), Interval: time.Hour},
			},
			expectErr: true,
		},
		{
			name: "zero slice count",
			strategy: TradingStrategy{
				Kind:      KindTimeSlice,
				Token:     token,
				TimeSlice: &TimeSliceParams{TotalAmount: dec("100"), Duration: time.Hour},
			},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.strategy.Validate()
			if tt.expectErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
