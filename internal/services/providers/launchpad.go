// Package providers contains the boundary clients the engines talk to: the
// launch platform API, the swap aggregator and the chain RPC. All wire
// amounts arrive in fixed-point form and are normalized here, in one place,
// before they reach any engine.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/launchpilot/internal/domain"
	"github.com/vadiminshakov/launchpilot/pkg/retrier"
)

const (
	httpTimeout = 15 * time.Second

	// rejection codes the platform returns for failed bid submissions
	codePriceBelowClearing = "PRICE_BELOW_CLEARING"
	codeAuctionEnded       = "AUCTION_ENDED"
)

// LaunchpadClient talks to the auction platform's read API and its
// transaction-building/submission service.
type LaunchpadClient struct {
	baseURL string
	http    *http.Client
	retrier *retrier.Retrier
}

// NewLaunchpadClient creates a client for the platform API at baseURL.
func NewLaunchpadClient(baseURL string) *LaunchpadClient {
	return &LaunchpadClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: httpTimeout},
		retrier: retrier.New(retrier.Config{}),
	}
}

// auctionWire is the raw platform response; amounts are fixed-point strings.
type auctionWire struct {
	Address       string  `json:"address"`
	Token         string  `json:"token"`
	StartHeight   uint64  `json:"start_height"`
	EndHeight     uint64  `json:"end_height"`
	FloorPrice    string  `json:"floor_price"`
	ClearingPrice *string `json:"clearing_price"`
	BidCount      int     `json:"bid_count"`
	RequiredRaise string  `json:"required_raise"`
	AuctionAmount string  `json:"auction_amount"`
	TotalSupply   string  `json:"total_supply"`
	TokenDecimals int32   `json:"token_decimals"`
	QuoteDecimals int32   `json:"quote_decimals"`
	Graduated     bool    `json:"graduated"`
}

type bidWire struct {
	Bidder string `json:"bidder"`
	Price  string `json:"price"`
	Amount string `json:"amount"`
	Time   int64  `json:"time"`
}

// Auction fetches and normalizes the state of one auction.
func (c *LaunchpadClient) Auction(ctx context.Context, addr common.Address) (domain.Auction, error) {
	var wire auctionWire
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		return getJSON(ctx, c.http, fmt.Sprintf("%s/v1/auctions/%s", c.baseURL, addr.Hex()), &wire)
	})
	if err != nil {
		return domain.Auction{}, errors.Wrapf(err, "fetch auction %s", addr.Hex())
	}

	floor, err := parseAmount(wire.FloorPrice, wire.QuoteDecimals)
	if err != nil {
		return domain.Auction{}, errors.Wrap(err, "floor price")
	}
	raise, err := parseAmount(wire.RequiredRaise, wire.QuoteDecimals)
	if err != nil {
		return domain.Auction{}, errors.Wrap(err, "required raise")
	}
	amount, err := parseAmount(wire.AuctionAmount, wire.TokenDecimals)
	if err != nil {
		return domain.Auction{}, errors.Wrap(err, "auction amount")
	}
	supply, err := parseAmount(wire.TotalSupply, wire.TokenDecimals)
	if err != nil {
		return domain.Auction{}, errors.Wrap(err, "total supply")
	}

	auction := domain.Auction{
		Address:       common.HexToAddress(wire.Address),
		Token:         common.HexToAddress(wire.Token),
		StartHeight:   wire.StartHeight,
		EndHeight:     wire.EndHeight,
		FloorPrice:    floor,
		BidCount:      wire.BidCount,
		RequiredRaise: raise,
		AuctionAmount: amount,
		TotalSupply:   supply,
		TokenDecimals: wire.TokenDecimals,
		Graduated:     wire.Graduated,
	}

	if wire.ClearingPrice != nil {
		clearing, err := parseAmount(*wire.ClearingPrice, wire.QuoteDecimals)
		if err != nil {
			return domain.Auction{}, errors.Wrap(err, "clearing price")
		}
		auction.ClearingPrice = &clearing
	}

	return auction, nil
}

// Bids fetches the bid list of one auction.
func (c *LaunchpadClient) Bids(ctx context.Context, addr common.Address) ([]domain.Bid, error) {
	var wires []bidWire
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		return getJSON(ctx, c.http, fmt.Sprintf("%s/v1/auctions/%s/bids", c.baseURL, addr.Hex()), &wires)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "fetch bids for %s", addr.Hex())
	}

	bids := make([]domain.Bid, 0, len(wires))
	for _, w := range wires {
		price, err := decimal.NewFromString(w.Price)
		if err != nil {
			return nil, errors.Wrapf(err, "bid price %q", w.Price)
		}
		amount, err := decimal.NewFromString(w.Amount)
		if err != nil {
			return nil, errors.Wrapf(err, "bid amount %q", w.Amount)
		}
		bids = append(bids, domain.Bid{
			Bidder: common.HexToAddress(w.Bidder),
			Price:  price,
			Amount: amount,
			Time:   time.Unix(w.Time, 0),
		})
	}
	return bids, nil
}

// BidSubmission is a request to the platform's transaction-building service.
type BidSubmission struct {
	Bidder          common.Address
	Auction         common.Address
	TargetValuation decimal.Decimal
	Amount          decimal.Decimal
}

// BidReceipt is the confirmed outcome of a submitted bid. AcceptedPrice is
// the contract-quantized price that was actually encoded.
type BidReceipt struct {
	AcceptedPrice decimal.Decimal
	TxRef         string
}

type submitBidRequest struct {
	Bidder          string `json:"bidder"`
	Auction         string `json:"auction"`
	TargetValuation string `json:"target_valuation"`
	Amount          string `json:"amount"`
}

type submitBidResponse struct {
	Accepted      bool   `json:"accepted"`
	AcceptedPrice string `json:"accepted_price"`
	TxRef         string `json:"tx_ref"`
	Reason        string `json:"reason"`
}

// SubmitBid asks the platform to build, sign-route and broadcast the bid
// calls, blocking until confirmation. Rejections come back as the sentinel
// errors; submission is not retried here because a bid is irreversible.
func (c *LaunchpadClient) SubmitBid(ctx context.Context, req BidSubmission) (BidReceipt, error) {
	body := submitBidRequest{
		Bidder:          req.Bidder.Hex(),
		Auction:         req.Auction.Hex(),
		TargetValuation: req.TargetValuation.String(),
		Amount:          req.Amount.String(),
	}

	var resp submitBidResponse
	if err := postJSON(ctx, c.http, fmt.Sprintf("%s/v1/auctions/%s/bid", c.baseURL, req.Auction.Hex()), body, &resp); err != nil {
		return BidReceipt{}, errors.Wrap(err, "submit bid")
	}

	if !resp.Accepted {
		switch resp.Reason {
		case codePriceBelowClearing:
			return BidReceipt{}, domain.ErrBidPriceTooLow
		case codeAuctionEnded:
			return BidReceipt{}, domain.ErrAuctionEnded
		default:
			return BidReceipt{}, errors.Errorf("bid rejected: %s", resp.Reason)
		}
	}

	price, err := decimal.NewFromString(resp.AcceptedPrice)
	if err != nil {
		return BidReceipt{}, errors.Wrapf(err, "accepted price %q", resp.AcceptedPrice)
	}

	return BidReceipt{AcceptedPrice: price, TxRef: resp.TxRef}, nil
}

func getJSON(ctx context.Context, hc *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Errorf("unexpected status %d: %s", resp.StatusCode, data)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(ctx context.Context, hc *http.Client, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Errorf("unexpected status %d: %s", resp.StatusCode, data)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// parseAmount converts a fixed-point wire string into a normalized decimal.
func parseAmount(raw string, decimals int32) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse amount %q", raw)
	}
	return domain.NormalizeUnits(d, decimals), nil
}
