package providers

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/launchpilot/internal/domain"
)

// ChainClient reads chain state (head, ERC-20 balances) over JSON-RPC.
// It never signs or broadcasts anything.
type ChainClient struct {
	ec *ethclient.Client
}

// NewChainClient dials the RPC endpoint.
func NewChainClient(rpcURL string) (*ChainClient, error) {
	ec, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, errors.Wrap(err, "dial chain RPC")
	}
	return &ChainClient{ec: ec}, nil
}

// CurrentHead returns the latest block height and timestamp.
func (c *ChainClient) CurrentHead(ctx context.Context) (domain.ChainHead, error) {
	header, err := c.ec.HeaderByNumber(ctx, nil)
	if err != nil {
		return domain.ChainHead{}, errors.Wrap(err, "fetch chain head")
	}
	return domain.ChainHead{
		Height: header.Number.Uint64(),
		Time:   time.Unix(int64(header.Time), 0),
	}, nil
}

var balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]

// TokenBalance returns the normalized ERC-20 balance of owner.
func (c *ChainClient) TokenBalance(ctx context.Context, owner, token common.Address, decimals int32) (decimal.Decimal, error) {
	data := make([]byte, 0, 36)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(owner.Bytes(), 32)...)

	out, err := c.ec.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "balanceOf call for token %s", token.Hex())
	}
	if len(out) < 32 {
		return decimal.Zero, errors.Errorf("short balanceOf response: %d bytes", len(out))
	}

	raw := decimal.NewFromBigInt(new(big.Int).SetBytes(out[:32]), 0)
	return domain.NormalizeUnits(raw, decimals), nil
}

// Close releases the RPC connection.
func (c *ChainClient) Close() {
	c.ec.Close()
}
