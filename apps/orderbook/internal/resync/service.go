package resync

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"orderbook/apps/orderbook/internal/config"
	"orderbook/apps/orderbook/internal/events"
	"orderbook/apps/orderbook/internal/model"
	"orderbook/apps/orderbook/internal/pricing"
	"orderbook/apps/orderbook/internal/repository"
	"orderbook/apps/orderbook/internal/seaport"
)

var ErrOrderNotFound = errors.New("order not found")

const expireBatchSize = 200

type OrderStore interface {
	GetOrderByHash(ctx context.Context, hash string, chainID int64, exchangeAddress string) (*model.Order, error)
	ApplyResync(ctx context.Context, u repository.Resync) error
	ExpireOrders(ctx context.Context, now int64, limit int, effects repository.EffectsFunc) ([]model.Order, error)
	DisableOrders(ctx context.Context, wallets []string, contractAddress string, chainID int64, effects repository.EffectsFunc) ([]model.Order, error)
}

type WalletReader interface {
	GetWalletsByOwner(ctx context.Context, ownerID string) ([]string, error)
}

// Chain is the set of exchange and token views a resync reads.
type Chain interface {
	seaport.SignatureChecker
	GetOrderStatus(ctx context.Context, chainID int64, exchange common.Address, orderHash common.Hash) (seaport.OrderStatus, error)
	GetCounter(ctx context.Context, chainID int64, exchange, offerer common.Address) (*big.Int, error)
	Operator(ctx context.Context, chainID int64, exchange common.Address, conduitKey [32]byte) (common.Address, error)
	ERC20BalanceOf(ctx context.Context, chainID int64, token, owner common.Address) (*big.Int, error)
	ERC20Allowance(ctx context.Context, chainID int64, token, owner, spender common.Address) (*big.Int, error)
	ERC721OwnerOf(ctx context.Context, chainID int64, token common.Address, tokenID *big.Int) (common.Address, error)
	ERC1155BalanceOf(ctx context.Context, chainID int64, token, owner common.Address, tokenID *big.Int) (*big.Int, error)
	IsApprovedForAll(ctx context.Context, chainID int64, token, owner, operator common.Address) (bool, error)
}

type Options struct {
	DomainVersion string
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{DomainVersion: cfg.EIP712DomainVersion}
}

// Result is the state of an order after a resync, with a note for every check that failed.
type Result struct {
	OrderID     string   `json:"orderId"`
	Hash        string   `json:"hash"`
	ChainID     int64    `json:"chainId"`
	IsFillable  bool     `json:"isFillable"`
	IsCancelled bool     `json:"isCancelled"`
	IsExpired   bool     `json:"isExpired"`
	IsValidated bool     `json:"isValidated"`
	Messages    []string `json:"messages"`
}

// Service re-derives order state from the chain. It is the backstop for events the
// poller missed and for state the exchange never emits, like balances and approvals.
type Service struct {
	orders  OrderStore
	wallets WalletReader
	chain   Chain
	opts    Options
	now     func() time.Time
	logger  *zap.Logger
}

func NewService(orders OrderStore, wallets WalletReader, chain Chain, opts Options, logger *zap.Logger) *Service {
	return &Service{
		orders:  orders,
		wallets: wallets,
		chain:   chain,
		opts:    opts,
		now:     time.Now,
		logger:  logger,
	}
}

// SyncOrderByHash reconciles one order with the exchange and the offerer's wallet and
// writes the result back. Cancelled and expired flags never revert.
func (s *Service) SyncOrderByHash(ctx context.Context, hash string, chainID int64, exchangeAddress string) (*Result, error) {
	order, err := s.orders.GetOrderByHash(ctx, strings.ToLower(hash), chainID, strings.ToLower(exchangeAddress))
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}

	exchange := common.HexToAddress(order.ExchangeAddress)
	status, err := s.chain.GetOrderStatus(ctx, chainID, exchange, common.HexToHash(order.Hash))
	if err != nil {
		return nil, fmt.Errorf("failed to get order status: %w", err)
	}
	bumped, err := s.counterBumped(ctx, order, exchange)
	if err != nil {
		return nil, err
	}

	result := &Result{
		OrderID:     order.ID,
		Hash:        order.Hash,
		ChainID:     order.ChainID,
		IsFillable:  true,
		IsCancelled: order.IsCancelled || status.IsCancelled || bumped,
		IsExpired:   order.IsExpired,
		IsValidated: order.IsValidated || status.IsValidated,
	}
	fail := func(msg string) {
		result.IsFillable = false
		result.Messages = append(result.Messages, msg)
	}

	amounts := availableAmounts(order, status)

	valid, err := s.checkSignature(ctx, order)
	if err != nil {
		return nil, err
	}
	if !valid {
		fail("order signature is invalid")
	}

	if order.EndTime < s.now().Unix() {
		result.IsExpired = true
		fail("order has expired")
	}
	if result.IsCancelled {
		fail("order is cancelled")
	}
	if status.TotalSize != nil && status.TotalSize.Sign() > 0 && status.TotalFilled.Cmp(status.TotalSize) == 0 {
		fail("order is fully filled")
	}

	msgs, err := s.checkOfferer(ctx, order, amounts)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		fail(msg)
	}

	err = s.orders.ApplyResync(ctx, repository.Resync{
		OrderID:          order.ID,
		AvailableAmounts: amounts,
		IsFillable:       result.IsFillable,
		IsCancelled:      result.IsCancelled,
		IsExpired:        result.IsExpired,
		IsValidated:      result.IsValidated,
		Effects:          events.OrderRefreshEffects([]model.Order{*order}),
	})
	if err != nil {
		return nil, err
	}

	if order.IsFillable != result.IsFillable {
		s.logger.Info("Order fillability changed on resync",
			zap.String("hash", order.Hash),
			zap.Int64("chain_id", order.ChainID),
			zap.Bool("is_fillable", result.IsFillable),
			zap.Strings("reasons", result.Messages))
	}

	return result, nil
}

// counterBumped reports whether the offerer's counter moved past the one the order was
// signed with, which cancels the order even if the CounterIncremented log was missed.
func (s *Service) counterBumped(ctx context.Context, order *model.Order, exchange common.Address) (bool, error) {
	signed, err := seaport.ParseUint(order.Counter)
	if err != nil {
		return false, nil
	}
	current, err := s.chain.GetCounter(ctx, order.ChainID, exchange, common.HexToAddress(order.Offerer))
	if err != nil {
		return false, fmt.Errorf("failed to get counter: %w", err)
	}
	return current.Cmp(signed) > 0, nil
}

// availableAmounts recomputes each leg from the on-chain fill ratio. Legs are only
// returned when the ratio leaves them below their start amount.
func availableAmounts(order *model.Order, status seaport.OrderStatus) map[string]*big.Int {
	amounts := map[string]*big.Int{}
	if status.TotalSize == nil || status.TotalSize.Sign() == 0 {
		return amounts
	}
	for _, leg := range order.Assets {
		start := leg.StartAmountInt()
		available := pricing.AvailableAmount(start, status.TotalFilled, status.TotalSize)
		if available.Cmp(start) < 0 {
			amounts[leg.ID] = available
		}
	}
	return amounts
}

func (s *Service) checkSignature(ctx context.Context, order *model.Order) (bool, error) {
	sig, err := seaport.DecodeSignature(order.Signature)
	if err != nil {
		return false, nil
	}
	components, err := seaport.ComponentsFromOrder(order)
	if err != nil {
		return false, nil
	}
	domain := seaport.Domain{Version: s.opts.DomainVersion, ChainID: order.ChainID, Exchange: common.HexToAddress(order.ExchangeAddress)}
	return seaport.VerifySignature(ctx, s.chain, domain, components, sig)
}

// checkOfferer verifies the offerer still holds and has approved every offered leg.
func (s *Service) checkOfferer(ctx context.Context, order *model.Order, amounts map[string]*big.Int) ([]string, error) {
	offerer := common.HexToAddress(order.Offerer)
	exchange := common.HexToAddress(order.ExchangeAddress)

	conduitKey, err := seaport.ParseBytes32(order.ConduitKey)
	if err != nil {
		return []string{"order conduit key is invalid"}, nil
	}

	var (
		msgs     []string
		operator *common.Address
	)
	for _, leg := range order.OfferAssets() {
		if leg.ItemType == model.ItemTypeNative {
			continue
		}

		available := leg.AvailableAmountInt()
		if a, ok := amounts[leg.ID]; ok {
			available = a
		}

		if operator == nil {
			op, err := s.chain.Operator(ctx, order.ChainID, exchange, conduitKey)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve operator: %w", err)
			}
			operator = &op
		}

		token := common.HexToAddress(leg.Token)
		if leg.ItemType == model.ItemTypeERC20 {
			balance, err := s.chain.ERC20BalanceOf(ctx, order.ChainID, token, offerer)
			if err != nil {
				return nil, fmt.Errorf("failed to get erc20 balance: %w", err)
			}
			if balance.Cmp(available) < 0 {
				msgs = append(msgs, fmt.Sprintf("offerer balance of %s is %s, needs %s", leg.Token, balance, available))
			}

			allowance, err := s.chain.ERC20Allowance(ctx, order.ChainID, token, offerer, *operator)
			if err != nil {
				return nil, fmt.Errorf("failed to get erc20 allowance: %w", err)
			}
			if allowance.Cmp(leg.StartAmountInt()) < 0 {
				msgs = append(msgs, fmt.Sprintf("offerer allowance of %s is %s, needs %s", leg.Token, allowance, leg.StartAmount))
			}
			continue
		}

		if !leg.ItemType.IsCriteria() {
			held, err := s.nftBalance(ctx, order.ChainID, leg, offerer)
			if err != nil {
				return nil, err
			}
			if held.Cmp(available) < 0 {
				msgs = append(msgs, fmt.Sprintf("offerer holds %s of %s/%s, needs %s", held, leg.Token, leg.IdentifierOrCriteria, available))
			}
		}

		approved, err := s.chain.IsApprovedForAll(ctx, order.ChainID, token, offerer, *operator)
		if err != nil {
			return nil, fmt.Errorf("failed to get approval: %w", err)
		}
		if !approved {
			msgs = append(msgs, fmt.Sprintf("%s is not approved for %s", operator.Hex(), leg.Token))
		}
	}
	return msgs, nil
}

// nftBalance is the offerer's holding of a token. A reverted ownerOf means the token
// no longer exists.
func (s *Service) nftBalance(ctx context.Context, chainID int64, leg model.OrderAsset, offerer common.Address) (*big.Int, error) {
	token := common.HexToAddress(leg.Token)
	id, err := seaport.ParseUint(leg.IdentifierOrCriteria)
	if err != nil {
		return big.NewInt(0), nil
	}

	if leg.ItemType == model.ItemTypeERC721 {
		owner, err := s.chain.ERC721OwnerOf(ctx, chainID, token, id)
		if err != nil {
			if seaport.IsRevert(err) {
				return big.NewInt(0), nil
			}
			return nil, fmt.Errorf("failed to get erc721 owner: %w", err)
		}
		if owner == offerer {
			return big.NewInt(1), nil
		}
		return big.NewInt(0), nil
	}

	balance, err := s.chain.ERC1155BalanceOf(ctx, chainID, token, offerer, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get erc1155 balance: %w", err)
	}
	return balance, nil
}

// SyncExpiredOrders flags every fillable order past its end time, one batch per
// transaction, and returns how many were expired.
func (s *Service) SyncExpiredOrders(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		expired, err := s.orders.ExpireOrders(ctx, s.now().Unix(), expireBatchSize, events.OrderRefreshEffects)
		if err != nil {
			return total, err
		}
		total += len(expired)

		if len(expired) < expireBatchSize {
			break
		}
	}

	if total > 0 {
		s.logger.Info("Expired orders", zap.Int("count", total))
	}
	return total, nil
}

// DisableOrders clears fillability for every order offered by any of the owner's
// wallets, optionally narrowed to one contract and chain.
func (s *Service) DisableOrders(ctx context.Context, ownerID, contractAddress string, chainID int64) ([]model.Order, error) {
	wallets, err := s.wallets.GetWalletsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if len(wallets) == 0 {
		s.logger.Info("Owner has no wallets, nothing to disable", zap.String("owner_id", ownerID))
		return nil, nil
	}

	disabled, err := s.orders.DisableOrders(ctx, wallets, contractAddress, chainID, events.OrderRefreshEffects)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Disabled orders",
		zap.String("owner_id", ownerID),
		zap.Int("count", len(disabled)))
	return disabled, nil
}
