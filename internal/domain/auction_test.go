package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestNormalizeUnits(t *testing.T) {
	assert.True(t, NormalizeUnits(dec("1500000"), 6).Equal(dec("1.5")))
	assert.True(t, NormalizeUnits(dec("1000000000000000000"), 18).Equal(dec("1")))
	assert.True(t, NormalizeUnits(dec("42"), 0).Equal(dec("42")))
}

func TestFloorValuation(t *testing.T) {
	a := Auction{
		RequiredRaise: dec("1000"),
		AuctionAmount: dec("100000"),
		TotalSupply:   dec("1000000"),
	}

	got, err := a.FloorValuation()
	require.NoError(t, err)
	// (1000 / 100000) * 1000000 = 10000
	assert.True(t, got.Equal(dec("10000")), "got %s", got)
}

func TestFloorValuationZeroAmount(t *testing.T) {
	a := Auction{RequiredRaise: dec("1000"), TotalSupply: dec("1000000")}
	_, err := a.FloorValuation()
	require.Error(t, err)
}

func TestImpliedValuation(t *testing.T) {
	clearing := dec("0.02")
	a := Auction{
		FloorPrice:    dec("0.01"),
		ClearingPrice: &clearing,
		RequiredRaise: dec("1000"),
		AuctionAmount: dec("100000"),
		TotalSupply:   dec("1000000"),
	}

	got, err := a.ImpliedValuation()
	require.NoError(t, err)
	// clearing doubled the floor price, so valuation doubles too
	assert.True(t, got.Equal(dec("20000")), "got %s", got)
}

func TestImpliedValuationNoBids(t *testing.T) {
	a := Auction{FloorPrice: dec("0.01")}
	_, err := a.ImpliedValuation()
	require.ErrorIs(t, err, ErrNoData)
}

func TestRemainingBlocks(t *testing.T) {
	a := Auction{StartHeight: 100, EndHeight: 200}

	assert.Equal(t, uint64(100), a.RemainingBlocks(100))
	assert.Equal(t, uint64(1), a.RemainingBlocks(199))
	assert.Equal(t, uint64(0), a.RemainingBlocks(200))
	assert.Equal(t, uint64(0), a.RemainingBlocks(500))
}
