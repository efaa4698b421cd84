package bidder

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/launchpilot/internal/domain"
	"github.com/vadiminshakov/launchpilot/internal/services/executor"
)

var (
	auctionAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenAddr   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fakeAuctions struct {
	auction domain.Auction
	err     error
}

func (f *fakeAuctions) Auction(context.Context, common.Address) (domain.Auction, error) {
	return f.auction, f.err
}

type fakeChain struct {
	height uint64
	err    error
}

func (f *fakeChain) CurrentHead(context.Context) (domain.ChainHead, error) {
	return domain.ChainHead{Height: f.height, Time: time.Now()}, f.err
}

type bidOutcome struct {
	result executor.BidResult
	err    error
}

type fakeExec struct {
	outcomes []bidOutcome
	requests []executor.BidRequest
}

func (f *fakeExec) PlaceBid(_ context.Context, req executor.BidRequest) (executor.BidResult, error) {
	f.requests = append(f.requests, req)
	if len(f.outcomes) == 0 {
		return executor.BidResult{}, errors.New("unexpected bid")
	}
	out := f.outcomes[0]
	f.outcomes = f.outcomes[1:]
	return out.result, out.err
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string) {}

type nopStore struct{}

func (nopStore) MarkDirty() {}

func testAuction() domain.Auction {
	return domain.Auction{
		Address:       auctionAddr,
		Token:         tokenAddr,
		StartHeight:   100,
		EndHeight:     200,
		FloorPrice:    dec("0.01"),
		RequiredRaise: dec("1000"),
		AuctionAmount: dec("100000"),
		TotalSupply:   dec("1000000"), // floor valuation 10000
	}
}

func newTestEngine(auctions *fakeAuctions, chain *fakeChain, exec *fakeExec) *Engine {
	return NewEngine(auctions, chain, exec, nopNotifier{}, nopStore{},
		zap.NewNop(), time.Second, 10)
}

func newTestStrategy(t *testing.T, maxValuation string) *domain.BidStrategy {
	t.Helper()
	s, err := domain.NewBidStrategy(auctionAddr, tokenAddr, dec("1000"), dec(maxValuation), decimal.Zero, nil)
	require.NoError(t, err)
	return s
}

func TestWaitingBecomesWatchingAtStartHeight(t *testing.T) {
	auctions := &fakeAuctions{auction: testAuction()}
	chain := &fakeChain{height: 99}
	e := newTestEngine(auctions, chain, &fakeExec{})
	s := newTestStrategy(t, "50000")

	e.Tick(context.Background(), s)
	assert.Equal(t, domain.BidStatusWaiting, s.Status, "auction not started yet")

	chain.height = 100
	e.Tick(context.Background(), s)
	assert.Equal(t, domain.BidStatusWatching, s.Status)
}

func TestWatchingWaitsOutsideCommitWindow(t *testing.T) {
	auctions := &fakeAuctions{auction: testAuction()}
	chain := &fakeChain{height: 150} // 50 blocks remaining, window is 10
	exec := &fakeExec{}
	e := newTestEngine(auctions, chain, exec)
	s := newTestStrategy(t, "50000")
	s.Status = domain.BidStatusWatching

	e.Tick(context.Background(), s)
	assert.Equal(t, domain.BidStatusWatching, s.Status)
	assert.Empty(t, exec.requests)
}

func TestInitialTargetFromFloorWithNoBids(t *testing.T) {
	auctions := &fakeAuctions{auction: testAuction()}
	chain := &fakeChain{height: 195} // 5 blocks remaining
	exec := &fakeExec{outcomes: []bidOutcome{
		{result: executor.BidResult{AcceptedPrice: dec("10500"), TxRef: "0xabc"}},
	}}
	e := newTestEngine(auctions, chain, exec)
	s := newTestStrategy(t, "50000")
	s.Status = domain.BidStatusWatching

	e.Tick(context.Background(), s)

	require.Len(t, exec.requests, 1)
	// floor valuation 10000 * 1.05
	assert.True(t, exec.requests[0].TargetValuation.Equal(dec("10500")),
		"got %s", exec.requests[0].TargetValuation)
	assert.Equal(t, domain.BidStatusDone, s.Status)
	assert.True(t, s.LastAcceptedPrice.Equal(dec("10500")))
}

func TestInitialTargetFromClearingPrice(t *testing.T) {
	a := testAuction()
	clearing := dec("0.02") // implied valuation 20000
	a.ClearingPrice = &clearing
	a.BidCount = 3

	auctions := &fakeAuctions{auction: a}
	chain := &fakeChain{height: 195}
	exec := &fakeExec{outcomes: []bidOutcome{
		{result: executor.BidResult{AcceptedPrice: dec("22000"), TxRef: "0xabc"}},
	}}
	e := newTestEngine(auctions, chain, exec)
	s := newTestStrategy(t, "50000")
	s.Status = domain.BidStatusWatching

	e.Tick(context.Background(), s)

	require.Len(t, exec.requests, 1)
	// 20000 * 1.10
	assert.True(t, exec.requests[0].TargetValuation.Equal(dec("22000")),
		"got %s", exec.requests[0].TargetValuation)
}

func TestRejectedBidBumpsTargetMonotonically(t *testing.T) {
	auctions := &fakeAuctions{auction: testAuction()}
	chain := &fakeChain{height: 195}
	exec := &fakeExec{outcomes: []bidOutcome{
		{err: domain.ErrBidPriceTooLow},
		{err: domain.ErrBidPriceTooLow},
		{result: executor.BidResult{AcceptedPrice: dec("15120"), TxRef: "0xabc"}},
	}}
	e := newTestEngine(auctions, chain, exec)
	s := newTestStrategy(t, "50000")
	s.Status = domain.BidStatusWatching

	e.Tick(context.Background(), s) // 10500 rejected -> 12600
	require.Equal(t, domain.BidStatusBidding, s.Status)
	assert.True(t, s.TargetValuation.Equal(dec("12600")), "got %s", s.TargetValuation)
	assert.Equal(t, 1, s.Attempts)

	e.Tick(context.Background(), s) // 12600 rejected -> 15120
	assert.True(t, s.TargetValuation.Equal(dec("15120")), "got %s", s.TargetValuation)

	e.Tick(context.Background(), s) // accepted
	assert.Equal(t, domain.BidStatusDone, s.Status)

	require.Len(t, exec.requests, 3)
	prev := decimal.Zero
	for _, req := range exec.requests {
		assert.True(t, req.TargetValuation.GreaterThan(prev), "targets must only go up")
		prev = req.TargetValuation
	}
}

func TestBumpedTargetNeverExceedsCeiling(t *testing.T) {
	auctions := &fakeAuctions{auction: testAuction()}
	chain := &fakeChain{height: 195}
	exec := &fakeExec{outcomes: []bidOutcome{
		{err: domain.ErrBidPriceTooLow},
	}}
	e := newTestEngine(auctions, chain, exec)
	s := newTestStrategy(t, "11000") // ceiling below the first bump
	s.Status = domain.BidStatusWatching

	e.Tick(context.Background(), s)

	// 10500 * 1.20 = 12600, clamped to 11000
	assert.True(t, s.TargetValuation.Equal(dec("11000")), "got %s", s.TargetValuation)
	assert.Equal(t, domain.BidStatusBidding, s.Status)
}

func TestAuctionEndedTerminatesStrategy(t *testing.T) {
	auctions := &fakeAuctions{auction: testAuction()}
	chain := &fakeChain{height: 195}
	exec := &fakeExec{outcomes: []bidOutcome{
		{err: domain.ErrAuctionEnded},
	}}
	e := newTestEngine(auctions, chain, exec)
	s := newTestStrategy(t, "50000")
	s.Status = domain.BidStatusWatching

	e.Tick(context.Background(), s)

	assert.Equal(t, domain.BidStatusDone, s.Status)
	assert.True(t, s.LastAcceptedPrice.IsZero(), "no bid landed")
}

func TestAttemptsExhaustedEndsAsAcceptedLoss(t *testing.T) {
	outcomes := make([]bidOutcome, maxBidAttempts)
	for i := range outcomes {
		outcomes[i] = bidOutcome{err: domain.ErrBidPriceTooLow}
	}

	auctions := &fakeAuctions{auction: testAuction()}
	chain := &fakeChain{height: 195}
	exec := &fakeExec{outcomes: outcomes}
	e := newTestEngine(auctions, chain, exec)
	s := newTestStrategy(t, "1000000")
	s.Status = domain.BidStatusWatching

	for i := 0; i < maxBidAttempts; i++ {
		e.Tick(context.Background(), s)
	}

	assert.Equal(t, domain.BidStatusDone, s.Status)
	assert.Equal(t, maxBidAttempts, s.Attempts)
	assert.Len(t, exec.requests, maxBidAttempts)
}

func TestTransientPollErrorKeepsState(t *testing.T) {
	auctions := &fakeAuctions{err: errors.New("connection refused")}
	chain := &fakeChain{height: 150}
	e := newTestEngine(auctions, chain, &fakeExec{})
	s := newTestStrategy(t, "50000")

	e.Tick(context.Background(), s)
	assert.Equal(t, domain.BidStatusWaiting, s.Status)
	assert.Equal(t, 0, s.Attempts)
}

func TestCompletedWithExitHandshake(t *testing.T) {
	e := newTestEngine(&fakeAuctions{auction: testAuction()}, &fakeChain{}, &fakeExec{})

	sl := dec("0.5")
	s, err := domain.NewBidStrategy(auctionAddr, tokenAddr, dec("1000"), dec("50000"), decimal.Zero,
		&domain.ExitProfile{StopLossMultiple: &sl})
	require.NoError(t, err)

	e.mu.Lock()
	e.strategies[s.Auction] = s
	e.mu.Unlock()

	assert.Empty(t, e.CompletedWithExit(), "not done yet")

	s.Status = domain.BidStatusDone
	s.LastAcceptedPrice = dec("10500")
	require.Len(t, e.CompletedWithExit(), 1)

	e.MarkExitSpawned(s.Auction)
	assert.Empty(t, e.CompletedWithExit(), "spawned exactly once")
}

func TestCollectRestoreRoundtrip(t *testing.T) {
	e := newTestEngine(&fakeAuctions{auction: testAuction()}, &fakeChain{}, &fakeExec{})
	s := newTestStrategy(t, "50000")
	s.Status = domain.BidStatusDone
	s.LastAcceptedPrice = dec("10500")

	e.mu.Lock()
	e.strategies[s.Auction] = s
	e.mu.Unlock()

	data, err := e.Collect()
	require.NoError(t, err)

	e2 := newTestEngine(&fakeAuctions{auction: testAuction()}, &fakeChain{}, &fakeExec{})
	require.NoError(t, e2.Restore(context.Background(), data))

	restored, ok := e2.Get(auctionAddr)
	require.True(t, ok)
	assert.Equal(t, domain.BidStatusDone, restored.Status)
	assert.True(t, restored.LastAcceptedPrice.Equal(dec("10500")))
}
