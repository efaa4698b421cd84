package observer

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000000b2")

type staticPricer struct {
	price decimal.Decimal
}

func (p staticPricer) Price(context.Context, common.Address) (decimal.Decimal, error) {
	return p.price, nil
}

func TestWatchSharesOnePollerByRefcount(t *testing.T) {
	o := New(staticPricer{price: decimal.NewFromInt(5)}, zap.NewNop(), time.Hour, time.Hour)
	ctx := context.Background()

	o.Watch(ctx, tokenAddr)
	o.Watch(ctx, tokenAddr)
	assert.Equal(t, 2, o.Refs(tokenAddr))

	o.Release(tokenAddr)
	assert.Equal(t, 1, o.Refs(tokenAddr), "poller survives while someone still watches")

	o.Release(tokenAddr)
	assert.Equal(t, 0, o.Refs(tokenAddr))
}

func TestObserveAndLastPrice(t *testing.T) {
	o := New(staticPricer{}, zap.NewNop(), time.Hour, time.Hour)

	_, ok := o.LastPrice(tokenAddr)
	assert.False(t, ok, "unknown token has no price")

	now := time.Now()
	o.Observe(tokenAddr, now.Add(-2*time.Minute), decimal.NewFromInt(10))
	o.Observe(tokenAddr, now, decimal.NewFromInt(12))

	price, ok := o.LastPrice(tokenAddr)
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.NewFromInt(12)))

	history := o.History(tokenAddr)
	assert.Len(t, history, 2)
}

func TestHistoryWindowDropsStaleObservations(t *testing.T) {
	o := New(staticPricer{}, zap.NewNop(), time.Hour, 10*time.Minute)

	now := time.Now()
	o.Observe(tokenAddr, now.Add(-30*time.Minute), decimal.NewFromInt(1))
	o.Observe(tokenAddr, now.Add(-5*time.Minute), decimal.NewFromInt(2))
	o.Observe(tokenAddr, now, decimal.NewFromInt(3))

	history := o.History(tokenAddr)
	require.Len(t, history, 2, "observation outside the window is gone")
	assert.True(t, history[0].Price.Equal(decimal.NewFromInt(2)))
}

func TestEMANeedsEnoughHistory(t *testing.T) {
	o := New(staticPricer{}, zap.NewNop(), time.Hour, time.Hour)

	now := time.Now()
	for i := 0; i < 3; i++ {
		o.Observe(tokenAddr, now.Add(time.Duration(i)*time.Second), decimal.NewFromInt(100))
	}
	_, ok := o.EMA(tokenAddr, 10)
	assert.False(t, ok, "not enough samples yet")

	for i := 3; i < 20; i++ {
		o.Observe(tokenAddr, now.Add(time.Duration(i)*time.Second), decimal.NewFromInt(100))
	}
	ema, ok := o.EMA(tokenAddr, 10)
	require.True(t, ok)
	// flat series: the EMA converges on the series value
	assert.True(t, ema.Sub(decimal.NewFromInt(100)).Abs().LessThan(decimal.NewFromFloat(0.01)),
		"got %s", ema)
}
