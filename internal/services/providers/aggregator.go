package providers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/launchpilot/internal/domain"
	"github.com/vadiminshakov/launchpilot/pkg/retrier"
)

const codeNoLiquidity = "NO_LIQUIDITY"

// AggregatorClient talks to the DEX aggregator: spot prices and routed
// swaps. Swap execution (routing, signing, broadcast, confirmation) happens
// inside the aggregator service; this client only observes the outcome.
type AggregatorClient struct {
	baseURL string
	wallet  common.Address
	http    *http.Client
	retrier *retrier.Retrier
}

// NewAggregatorClient creates a client for the aggregator API at baseURL,
// executing swaps on behalf of wallet.
func NewAggregatorClient(baseURL string, wallet common.Address) *AggregatorClient {
	return &AggregatorClient{
		baseURL: baseURL,
		wallet:  wallet,
		http:    &http.Client{Timeout: httpTimeout},
		retrier: retrier.New(retrier.Config{}),
	}
}

type priceWire struct {
	Price string `json:"price"`
}

// Price returns the current quote-currency price of token. Price reads are
// idempotent, so transient failures are retried.
func (c *AggregatorClient) Price(ctx context.Context, token common.Address) (decimal.Decimal, error) {
	var wire priceWire
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		return getJSON(ctx, c.http, fmt.Sprintf("%s/v1/price/%s", c.baseURL, token.Hex()), &wire)
	})
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "fetch price for %s", token.Hex())
	}

	price, err := decimal.NewFromString(wire.Price)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse price %q", wire.Price)
	}
	return price, nil
}

// SwapReceipt is the confirmed outcome of a swap.
type SwapReceipt struct {
	AmountOut decimal.Decimal
	TxRef     string
}

type swapRequest struct {
	Wallet   string `json:"wallet"`
	TokenIn  string `json:"token_in"`
	TokenOut string `json:"token_out"`
	AmountIn string `json:"amount_in"`
}

type swapResponse struct {
	Executed  bool   `json:"executed"`
	AmountOut string `json:"amount_out"`
	TxRef     string `json:"tx_ref"`
	Reason    string `json:"reason"`
}

// Swap routes amountIn of tokenIn into tokenOut and blocks until the swap is
// confirmed. Never retried internally: a swap is irreversible.
func (c *AggregatorClient) Swap(ctx context.Context, tokenIn, tokenOut common.Address, amountIn decimal.Decimal) (SwapReceipt, error) {
	body := swapRequest{
		Wallet:   c.wallet.Hex(),
		TokenIn:  tokenIn.Hex(),
		TokenOut: tokenOut.Hex(),
		AmountIn: amountIn.String(),
	}

	var resp swapResponse
	if err := postJSON(ctx, c.http, c.baseURL+"/v1/swap", body, &resp); err != nil {
		return SwapReceipt{}, errors.Wrap(err, "execute swap")
	}

	if !resp.Executed {
		if resp.Reason == codeNoLiquidity {
			return SwapReceipt{}, domain.ErrNoLiquidity
		}
		return SwapReceipt{}, errors.Errorf("swap failed: %s", resp.Reason)
	}

	amountOut, err := decimal.NewFromString(resp.AmountOut)
	if err != nil {
		return SwapReceipt{}, errors.Wrapf(err, "parse amount out %q", resp.AmountOut)
	}

	return SwapReceipt{AmountOut: amountOut, TxRef: resp.TxRef}, nil
}
