package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/launchpilot/internal/domain"
)

var (
	auctionAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenAddr   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	walletAddr  = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fakeBids struct {
	pending []*domain.BidStrategy
	spawned []common.Address
}

func (f *fakeBids) CompletedWithExit() []*domain.BidStrategy { return f.pending }
func (f *fakeBids) MarkExitSpawned(auction common.Address) {
	f.spawned = append(f.spawned, auction)
	f.pending = nil
}

type fakeAuctions struct {
	auction domain.Auction
}

func (f *fakeAuctions) Auction(context.Context, common.Address) (domain.Auction, error) {
	return f.auction, nil
}

type fakeChain struct {
	balance decimal.Decimal
}

func (f *fakeChain) TokenBalance(context.Context, common.Address, common.Address, int32) (decimal.Decimal, error) {
	return f.balance, nil
}

type fakeExits struct {
	added []*domain.ExitStrategy
}

func (f *fakeExits) Add(_ context.Context, s *domain.ExitStrategy) error {
	f.added = append(f.added, s)
	return nil
}

func wonStrategy(t *testing.T) *domain.BidStrategy {
	t.Helper()
	sl := dec("0.5")
	s, err := domain.NewBidStrategy(auctionAddr, tokenAddr, dec("1000"), dec("50000"), decimal.Zero,
		&domain.ExitProfile{
			Tranches:         []domain.TrancheSpec{{Percent: dec("50"), TriggerMultiple: dec("3")}},
			StopLossMultiple: &sl,
		})
	require.NoError(t, err)
	s.Status = domain.BidStatusDone
	s.LastAcceptedPrice = dec("10500")
	return s
}

func testBridge(bids *fakeBids, auctions *fakeAuctions, chain *fakeChain, exits *fakeExits) *Bridge {
	return New(bids, auctions, chain, exits, walletAddr, time.Second, zap.NewNop())
}

func TestSweepWaitsForGraduation(t *testing.T) {
	bids := &fakeBids{pending: []*domain.BidStrategy{wonStrategy(t)}}
	auctions := &fakeAuctions{auction: domain.Auction{Token: tokenAddr, TotalSupply: dec("1000000")}}
	exits := &fakeExits{}

	b := testBridge(bids, auctions, &fakeChain{balance: dec("100000")}, exits)
	b.Sweep(context.Background())

	assert.Empty(t, exits.added)
	assert.Empty(t, bids.spawned)
}

func TestSweepSpawnsExitOnGraduation(t *testing.T) {
	bids := &fakeBids{pending: []*domain.BidStrategy{wonStrategy(t)}}
	auctions := &fakeAuctions{auction: domain.Auction{
		Token:         tokenAddr,
		TokenDecimals: 18,
		TotalSupply:   dec("1000000"),
		Graduated:     true,
	}}
	exits := &fakeExits{}

	b := testBridge(bids, auctions, &fakeChain{balance: dec("100000")}, exits)
	b.Sweep(context.Background())

	require.Len(t, exits.added, 1)
	exit := exits.added[0]
	assert.Equal(t, tokenAddr, exit.Token)
	assert.Equal(t, int32(18), exit.TokenDecimals)
	// accepted valuation 10500 over supply 1000000
	assert.True(t, exit.EntryPrice.Equal(dec("0.0105")), "got %s", exit.EntryPrice)
	assert.True(t, exit.Balance.Equal(dec("100000")))
	require.Len(t, exit.Tranches, 1)

	require.Len(t, bids.spawned, 1)
	assert.Equal(t, auctionAddr, bids.spawned[0])
}

func TestSweepRetriesWhileTokensUndelivered(t *testing.T) {
	bids := &fakeBids{pending: []*domain.BidStrategy{wonStrategy(t)}}
	auctions := &fakeAuctions{auction: domain.Auction{
		Token:       tokenAddr,
		TotalSupply: dec("1000000"),
		Graduated:   true,
	}}
	chain := &fakeChain{balance: decimal.Zero}
	exits := &fakeExits{}

	b := testBridge(bids, auctions, chain, exits)
	b.Sweep(context.Background())
	assert.Empty(t, exits.added)
	assert.Empty(t, bids.spawned, "kept for the next sweep")

	chain.balance = dec("100000")
	b.Sweep(context.Background())
	assert.Len(t, exits.added, 1)
}
