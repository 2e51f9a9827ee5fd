package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"orderbook/apps/orderbook/internal/config"
)

// EthClient is the subset of *ethclient.Client the gateway uses.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Dialer opens a client for one endpoint URL.
type Dialer func(ctx context.Context, url string) (EthClient, error)

func DialEthClient(ctx context.Context, url string) (EthClient, error) {
	return ethclient.DialContext(ctx, url)
}

var ErrUnknownChain = errors.New("chain is not configured")

type endpoints struct {
	mu      sync.Mutex
	urls    []string
	index   int
	clients map[string]EthClient
}

// Gateway serves RPC calls for every configured chain, failing over between endpoints.
type Gateway struct {
	chains  map[int64]*endpoints
	dial    Dialer
	timeout time.Duration
	logger  *zap.Logger
}

func NewGateway(chains []config.Chain, dial Dialer, timeout time.Duration, logger *zap.Logger) *Gateway {
	g := &Gateway{
		chains:  make(map[int64]*endpoints, len(chains)),
		dial:    dial,
		timeout: timeout,
		logger:  logger,
	}
	for _, ch := range chains {
		g.chains[ch.ID] = &endpoints{urls: ch.RpcURLs, clients: map[string]EthClient{}}
	}
	return g
}

// client returns the client for the chain's current endpoint, dialing it on first use.
func (g *Gateway) client(ctx context.Context, chainID int64) (EthClient, string, error) {
	ep, ok := g.chains[chainID]
	if !ok {
		return nil, "", fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	url := ep.urls[ep.index%len(ep.urls)]
	if c, ok := ep.clients[url]; ok {
		return c, url, nil
	}

	c, err := g.dial(ctx, url)
	if err != nil {
		return nil, url, fmt.Errorf("failed to connect to Ethereum client: %w", err)
	}
	ep.clients[url] = c
	return c, url, nil
}

// CurrentEndpoint returns the URL currently used for the chain.
func (g *Gateway) CurrentEndpoint(chainID int64) string {
	ep, ok := g.chains[chainID]
	if !ok {
		return ""
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.urls[ep.index%len(ep.urls)]
}

// SwitchEndpoint rotates the chain to its next RPC endpoint.
func (g *Gateway) SwitchEndpoint(chainID int64) {
	ep, ok := g.chains[chainID]
	if !ok {
		return
	}

	ep.mu.Lock()
	ep.index = (ep.index + 1) % len(ep.urls)
	url := ep.urls[ep.index]
	ep.mu.Unlock()

	g.logger.Warn("Switched RPC endpoint", zap.Int64("chain_id", chainID), zap.String("rpc_url", url))
}

func (g *Gateway) LatestBlock(ctx context.Context, chainID int64) (uint64, error) {
	c, _, err := g.client(ctx, chainID)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	block, err := c.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block: %w", err)
	}
	return block, nil
}

func (g *Gateway) FilterLogs(ctx context.Context, chainID int64, q ethereum.FilterQuery) ([]types.Log, error) {
	c, _, err := g.client(ctx, chainID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	logs, err := c.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs: %w", err)
	}
	return logs, nil
}

func (g *Gateway) TransactionReceipt(ctx context.Context, chainID int64, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := g.withFailover(ctx, chainID, func(ctx context.Context, c EthClient) error {
		var err error
		receipt, err = c.TransactionReceipt(ctx, txHash)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction receipt: %w", err)
	}
	return receipt, nil
}

// BlockTime returns the unix timestamp of a block.
func (g *Gateway) BlockTime(ctx context.Context, chainID int64, number uint64) (uint64, error) {
	var header *types.Header
	err := g.withFailover(ctx, chainID, func(ctx context.Context, c EthClient) error {
		var err error
		header, err = c.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get block: %w", err)
	}
	return header.Time, nil
}

func (g *Gateway) CallContract(ctx context.Context, chainID int64, msg ethereum.CallMsg) ([]byte, error) {
	var out []byte
	err := g.withFailover(ctx, chainID, func(ctx context.Context, c EthClient) error {
		var err error
		out, err = c.CallContract(ctx, msg, nil)
		return err
	})
	return out, err
}

func (g *Gateway) CodeAt(ctx context.Context, chainID int64, account common.Address) ([]byte, error) {
	var code []byte
	err := g.withFailover(ctx, chainID, func(ctx context.Context, c EthClient) error {
		var err error
		code, err = c.CodeAt(ctx, account, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get code: %w", err)
	}
	return code, nil
}

// withFailover runs fn against the current endpoint and, on a transport error, once more
// against the next one. Execution reverts are returned as-is.
func (g *Gateway) withFailover(ctx context.Context, chainID int64, fn func(ctx context.Context, c EthClient) error) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		c, url, err := g.client(ctx, chainID)
		if err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		err = fn(callCtx, c)
		cancel()
		if err == nil {
			return nil
		}
		if isRevert(err) || errors.Is(err, ethereum.NotFound) || ctx.Err() != nil {
			return err
		}

		lastErr = err
		g.logger.Warn("RPC call failed", zap.Int64("chain_id", chainID), zap.String("rpc_url", url), zap.Error(err))
		g.SwitchEndpoint(chainID)
	}
	return lastErr
}

// isRevert reports whether err carries EVM revert data rather than a transport failure.
func isRevert(err error) bool {
	var de interface{ ErrorData() interface{} }
	return errors.As(err, &de)
}

func (g *Gateway) Close() {
	for _, ep := range g.chains {
		ep.mu.Lock()
		for _, c := range ep.clients {
			c.Close()
		}
		ep.mu.Unlock()
	}
}
