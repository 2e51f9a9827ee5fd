package seaport

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Caller performs read-only contract calls on a chain.
type Caller interface {
	CallContract(ctx context.Context, chainID int64, msg ethereum.CallMsg) ([]byte, error)
	CodeAt(ctx context.Context, chainID int64, account common.Address) ([]byte, error)
}

// OrderStatus is the on-chain fill and cancellation state of an order.
type OrderStatus struct {
	IsValidated bool
	IsCancelled bool
	TotalFilled *big.Int
	TotalSize   *big.Int
}

// Client wraps the exchange and token contract views.
type Client struct {
	caller Caller
}

func NewClient(caller Caller) *Client {
	return &Client{caller: caller}
}

func (c *Client) call(ctx context.Context, chainID int64, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	out, err := c.caller.CallContract(ctx, chainID, ethereum.CallMsg{To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}

	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return values, nil
}

// GetOrderHash asks the exchange contract to hash the order components.
func (c *Client) GetOrderHash(ctx context.Context, chainID int64, exchange common.Address, components OrderComponents) (common.Hash, error) {
	out, err := c.call(ctx, chainID, exchange, exchangeABI, "getOrderHash", components)
	if err != nil {
		return common.Hash{}, err
	}
	return common.Hash(out[0].([32]byte)), nil
}

func (c *Client) GetOrderStatus(ctx context.Context, chainID int64, exchange common.Address, orderHash common.Hash) (OrderStatus, error) {
	out, err := c.call(ctx, chainID, exchange, exchangeABI, "getOrderStatus", [32]byte(orderHash))
	if err != nil {
		return OrderStatus{}, err
	}
	return OrderStatus{
		IsValidated: out[0].(bool),
		IsCancelled: out[1].(bool),
		TotalFilled: out[2].(*big.Int),
		TotalSize:   out[3].(*big.Int),
	}, nil
}

func (c *Client) GetCounter(ctx context.Context, chainID int64, exchange, offerer common.Address) (*big.Int, error) {
	out, err := c.call(ctx, chainID, exchange, exchangeABI, "getCounter", offerer)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// Validate simulates validate() for the order from the zero address, so the contract
// checks the signature itself (bulk signatures and contract wallets included).
// A revert means the signature was not accepted.
func (c *Client) Validate(ctx context.Context, chainID int64, exchange common.Address, order SignedOrder) (bool, error) {
	data, err := exchangeABI.Pack("validate", []SignedOrder{order})
	if err != nil {
		return false, fmt.Errorf("failed to pack validate: %w", err)
	}

	out, err := c.caller.CallContract(ctx, chainID, ethereum.CallMsg{To: &exchange, Data: data})
	if err != nil {
		if IsRevert(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to call validate: %w", err)
	}

	values, err := exchangeABI.Unpack("validate", out)
	if err != nil {
		return false, fmt.Errorf("failed to unpack validate: %w", err)
	}
	return values[0].(bool), nil
}

// IsContract reports whether the address has deployed code.
func (c *Client) IsContract(ctx context.Context, chainID int64, account common.Address) (bool, error) {
	code, err := c.caller.CodeAt(ctx, chainID, account)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

// IsValidSignature runs the ERC-1271 check against a contract wallet.
func (c *Client) IsValidSignature(ctx context.Context, chainID int64, wallet common.Address, digest common.Hash, sig []byte) (bool, error) {
	out, err := c.call(ctx, chainID, wallet, tokenABI, "isValidSignature", [32]byte(digest), sig)
	if err != nil {
		if IsRevert(err) {
			return false, nil
		}
		return false, err
	}
	return out[0].([4]byte) == ERC1271MagicValue, nil
}

// Operator resolves the address that must hold token approvals for an order:
// the exchange itself for a zero conduit key, otherwise the key's conduit.
func (c *Client) Operator(ctx context.Context, chainID int64, exchange common.Address, conduitKey [32]byte) (common.Address, error) {
	if conduitKey == ([32]byte{}) {
		return exchange, nil
	}

	info, err := c.call(ctx, chainID, exchange, exchangeABI, "information")
	if err != nil {
		return common.Address{}, err
	}
	controller := info[2].(common.Address)

	out, err := c.call(ctx, chainID, controller, conduitControllerABI, "getConduit", conduitKey)
	if err != nil {
		return common.Address{}, err
	}
	if !out[1].(bool) {
		return common.Address{}, fmt.Errorf("conduit %x does not exist", conduitKey)
	}
	return out[0].(common.Address), nil
}

func (c *Client) ERC20BalanceOf(ctx context.Context, chainID int64, token, owner common.Address) (*big.Int, error) {
	out, err := c.call(ctx, chainID, token, tokenABI, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

func (c *Client) ERC20Allowance(ctx context.Context, chainID int64, token, owner, spender common.Address) (*big.Int, error) {
	out, err := c.call(ctx, chainID, token, tokenABI, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

func (c *Client) ERC721OwnerOf(ctx context.Context, chainID int64, token common.Address, tokenID *big.Int) (common.Address, error) {
	out, err := c.call(ctx, chainID, token, tokenABI, "ownerOf", tokenID)
	if err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}

func (c *Client) ERC1155BalanceOf(ctx context.Context, chainID int64, token, owner common.Address, tokenID *big.Int) (*big.Int, error) {
	out, err := c.call(ctx, chainID, token, erc1155ABI, "balanceOf", owner, tokenID)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// IsApprovedForAll works for both ERC-721 and ERC-1155 tokens.
func (c *Client) IsApprovedForAll(ctx context.Context, chainID int64, token, owner, operator common.Address) (bool, error) {
	out, err := c.call(ctx, chainID, token, tokenABI, "isApprovedForAll", owner, operator)
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

// IsRevert reports whether err carries EVM revert data rather than a transport failure.
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	var de interface{ ErrorData() interface{} }
	return errors.As(err, &de)
}
