package resync

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orderbook/apps/orderbook/internal/model"
	"orderbook/apps/orderbook/internal/repository"
	"orderbook/apps/orderbook/internal/seaport"
)

var (
	exchange = common.HexToAddress("0x0000000000000068F116a894984e2DB1123eB395")
	conduit  = common.HexToAddress("0x1E0049783F008A0085193E00003D00cd54003c71")
	nft      = common.HexToAddress("0x3333333333333333333333333333333333333333")
	weth     = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	offerer  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	stranger = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

const (
	orderHash   = "0x5a5a000000000000000000000000000000000000000000000000000000000001"
	zeroBytes32 = "0x0000000000000000000000000000000000000000000000000000000000000000"
	conduitKey  = "0x0000007b02230091a7ed01230072f7006a004d60a8d4e71d599b8104250f0000"
	now         = int64(1750000000)
)

type fakeStore struct {
	mu       sync.Mutex
	orders   []*model.Order
	resyncs  []repository.Resync
	expires  int
	effects  int
	disabled [][]string
}

func (s *fakeStore) GetOrderByHash(_ context.Context, hash string, chainID int64, exchangeAddress string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.Hash == hash && o.ChainID == chainID && o.ExchangeAddress == exchangeAddress {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ApplyResync(_ context.Context, u repository.Resync) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resyncs = append(s.resyncs, u)
	for _, o := range s.orders {
		if o.ID != u.OrderID {
			continue
		}
		o.IsCancelled = o.IsCancelled || u.IsCancelled
		o.IsExpired = o.IsExpired || u.IsExpired
		o.IsValidated = o.IsValidated || u.IsValidated
		o.IsFillable = u.IsFillable && !o.IsCancelled && !o.IsExpired
		for i := range o.Assets {
			if amount, ok := u.AvailableAmounts[o.Assets[i].ID]; ok {
				o.Assets[i].AvailableAmount = amount.String()
			}
		}
	}
	return nil
}

func (s *fakeStore) ExpireOrders(_ context.Context, at int64, limit int, effects repository.EffectsFunc) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expires++
	var out []model.Order
	for _, o := range s.orders {
		if len(out) == limit {
			break
		}
		if o.EndTime < at && o.IsFillable {
			o.IsExpired, o.IsFillable = true, false
			out = append(out, *o)
		}
	}
	if len(out) > 0 {
		s.effects += len(effects(out))
	}
	return out, nil
}

func (s *fakeStore) DisableOrders(_ context.Context, wallets []string, contractAddress string, chainID int64, _ repository.EffectsFunc) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled = append(s.disabled, wallets)
	var out []model.Order
	for _, o := range s.orders {
		for _, w := range wallets {
			if strings.EqualFold(o.Offerer, w) && o.IsFillable && (chainID == 0 || o.ChainID == chainID) {
				o.IsFillable = false
				out = append(out, *o)
			}
		}
	}
	return out, nil
}

type fakeWallets map[string][]string

func (w fakeWallets) GetWalletsByOwner(_ context.Context, ownerID string) ([]string, error) {
	return w[ownerID], nil
}

type revertErr struct{}

func (revertErr) Error() string { return "execution reverted" }
func (revertErr) ErrorData() interface{} { return "0x" }

// fakeChain answers exchange and token views from fixed state.
type fakeChain struct {
	status      seaport.OrderStatus
	counter     *big.Int
	validateOK  bool
	owner       common.Address
	ownerRevert bool
	erc1155     *big.Int
	erc20       *big.Int
	allowances  map[common.Address]*big.Int
	approvals   map[common.Address]bool
}

func (c *fakeChain) IsContract(context.Context, int64, common.Address) (bool, error) {
	return false, nil
}

func (c *fakeChain) IsValidSignature(context.Context, int64, common.Address, common.Hash, []byte) (bool, error) {
	return false, nil
}

func (c *fakeChain) Validate(context.Context, int64, common.Address, seaport.SignedOrder) (bool, error) {
	return c.validateOK, nil
}

func (c *fakeChain) GetOrderStatus(context.Context, int64, common.Address, common.Hash) (seaport.OrderStatus, error) {
	return c.status, nil
}

func (c *fakeChain) GetCounter(context.Context, int64, common.Address, common.Address) (*big.Int, error) {
	return c.counter, nil
}

func (c *fakeChain) Operator(_ context.Context, _ int64, exchange common.Address, key [32]byte) (common.Address, error) {
	if key == ([32]byte{}) {
		return exchange, nil
	}
	return conduit, nil
}

func (c *fakeChain) ERC20BalanceOf(context.Context, int64, common.Address, common.Address) (*big.Int, error) {
	return c.erc20, nil
}

func (c *fakeChain) ERC20Allowance(_ context.Context, _ int64, _, _, spender common.Address) (*big.Int, error) {
	if a, ok := c.allowances[spender]; ok {
		return a, nil
	}
	return big.NewInt(0), nil
}

func (c *fakeChain) ERC721OwnerOf(context.Context, int64, common.Address, *big.Int) (common.Address, error) {
	if c.ownerRevert {
		return common.Address{}, revertErr{}
	}
	return c.owner, nil
}

func (c *fakeChain) ERC1155BalanceOf(context.Context, int64, common.Address, common.Address, *big.Int) (*big.Int, error) {
	return c.erc1155, nil
}

func (c *fakeChain) IsApprovedForAll(_ context.Context, _ int64, _, _, operator common.Address) (bool, error) {
	return c.approvals[operator], nil
}

func healthyChain() *fakeChain {
	return &fakeChain{
		status:     seaport.OrderStatus{TotalFilled: big.NewInt(0), TotalSize: big.NewInt(0)},
		counter:    big.NewInt(0),
		validateOK: true,
		owner:      offerer,
		erc1155:    big.NewInt(10),
		erc20:      big.NewInt(0),
		allowances: map[common.Address]*big.Int{},
		approvals:  map[common.Address]bool{exchange: true, conduit: true},
	}
}

func newService(store *fakeStore, chain *fakeChain) *Service {
	svc := NewService(store, fakeWallets{"owner-1": {offerer.Hex(), stranger.Hex()}}, chain, Options{DomainVersion: "1.4"}, zap.NewNop())
	svc.now = func() time.Time { return time.Unix(now, 0) }
	return svc
}

func listing(id string) *model.Order {
	assetID := "asset-" + id
	recipient := strings.ToLower(offerer.Hex())
	return &model.Order{
		ID:              id,
		ChainID:         1,
		ExchangeAddress: strings.ToLower(exchange.Hex()),
		Hash:            orderHash,
		Offerer:         strings.ToLower(offerer.Hex()),
		Signature:       "0x" + strings.Repeat("11", 64) + "1c",
		Category:        model.CategoryListing,
		OrderType:       model.OrderTypeFullOpen,
		StartTime:       now - 3600,
		EndTime:         now + 3600,
		ZoneHash:        zeroBytes32,
		ConduitKey:      zeroBytes32,
		Salt:            "1",
		Counter:         "0",
		IsFillable:      true,
		Assets: []model.OrderAsset{
			{ID: id + "-o0", OrderID: id, Side: model.SideOffer, ItemType: model.ItemTypeERC721, Token: strings.ToLower(nft.Hex()),
				IdentifierOrCriteria: "7", StartAmount: "1", EndAmount: "1", AvailableAmount: "1", AssetID: &assetID},
			{ID: id + "-c0", OrderID: id, Side: model.SideConsideration, ItemType: model.ItemTypeNative, Token: strings.ToLower(common.Address{}.Hex()),
				IdentifierOrCriteria: "0", StartAmount: "1000", EndAmount: "1000", AvailableAmount: "1000", Recipient: &recipient},
		},
	}
}

func TestSyncOrderByHashKeepsHealthyOrderFillable(t *testing.T) {
	store := &fakeStore{orders: []*model.Order{listing("o1")}}
	svc := newService(store, healthyChain())

	result, err := svc.SyncOrderByHash(context.Background(), orderHash, 1, exchange.Hex())
	require.NoError(t, err)

	assert.True(t, result.IsFillable)
	assert.Empty(t, result.Messages)
	require.Len(t, store.resyncs, 1)
	assert.True(t, store.resyncs[0].IsFillable)
	assert.Empty(t, store.resyncs[0].AvailableAmounts)
	assert.NotEmpty(t, store.resyncs[0].Effects)
}

func TestSyncOrderByHashRecomputesPartialFill(t *testing.T) {
	order := listing("o1")
	order.OrderType = model.OrderTypePartialOpen
	order.Assets[0].ItemType = model.ItemTypeERC1155
	order.Assets[0].StartAmount, order.Assets[0].EndAmount, order.Assets[0].AvailableAmount = "10", "10", "10"

	chain := healthyChain()
	chain.status = seaport.OrderStatus{TotalFilled: big.NewInt(3), TotalSize: big.NewInt(10)}
	chain.erc1155 = big.NewInt(7)

	store := &fakeStore{orders: []*model.Order{order}}
	result, err := newService(store, chain).SyncOrderByHash(context.Background(), orderHash, 1, exchange.Hex())
	require.NoError(t, err)

	assert.True(t, result.IsFillable, result.Messages)
	amounts := store.resyncs[0].AvailableAmounts
	assert.Equal(t, "7", amounts["o1-o0"].String())
	assert.Equal(t, "700", amounts["o1-c0"].String())
	assert.Equal(t, "7", store.orders[0].Assets[0].AvailableAmount)
}

func TestSyncOrderByHashFailures(t *testing.T) {
	tests := []struct {
		name    string
		order   func(o *model.Order)
		chain   func(c *fakeChain)
		message string
	}{
		{
			name:    "signature rejected",
			chain:   func(c *fakeChain) { c.validateOK = false },
			message: "signature is invalid",
		},
		{
			name:    "expired",
			order:   func(o *model.Order) { o.EndTime = now - 1 },
			message: "expired",
		},
		{
			name:    "cancelled on chain",
			chain:   func(c *fakeChain) { c.status.IsCancelled = true },
			message: "cancelled",
		},
		{
			name:    "counter incremented",
			chain:   func(c *fakeChain) { c.counter = big.NewInt(1) },
			message: "cancelled",
		},
		{
			name: "fully filled",
			chain: func(c *fakeChain) {
				c.status = seaport.OrderStatus{TotalFilled: big.NewInt(1), TotalSize: big.NewInt(1)}
			},
			message: "fully filled",
		},
		{
			name:    "token moved",
			chain:   func(c *fakeChain) { c.owner = stranger },
			message: "offerer holds 0",
		},
		{
			name:    "token burned",
			chain:   func(c *fakeChain) { c.ownerRevert = true },
			message: "offerer holds 0",
		},
		{
			name:    "approval revoked",
			chain:   func(c *fakeChain) { c.approvals = map[common.Address]bool{} },
			message: "not approved",
		},
		{
			name:    "conduit not approved",
			order:   func(o *model.Order) { o.ConduitKey = conduitKey },
			chain:   func(c *fakeChain) { c.approvals = map[common.Address]bool{exchange: true} },
			message: conduit.Hex() + " is not approved",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := listing("o1")
			if tt.order != nil {
				tt.order(order)
			}
			chain := healthyChain()
			if tt.chain != nil {
				tt.chain(chain)
			}
			store := &fakeStore{orders: []*model.Order{order}}

			result, err := newService(store, chain).SyncOrderByHash(context.Background(), orderHash, 1, exchange.Hex())
			require.NoError(t, err)

			assert.False(t, result.IsFillable)
			require.NotEmpty(t, result.Messages)
			assert.Contains(t, strings.Join(result.Messages, "; "), tt.message)
			assert.False(t, store.orders[0].IsFillable)
		})
	}
}

func TestSyncOrderByHashChecksCurrencyOffer(t *testing.T) {
	order := listing("o1")
	order.Category = model.CategoryOffer
	order.ConduitKey = conduitKey
	order.Assets[0] = model.OrderAsset{ID: "o1-o0", OrderID: "o1", Side: model.SideOffer, ItemType: model.ItemTypeERC20,
		Token: strings.ToLower(weth.Hex()), IdentifierOrCriteria: "0", StartAmount: "1000", EndAmount: "1000", AvailableAmount: "1000"}

	t.Run("funded", func(t *testing.T) {
		chain := healthyChain()
		chain.erc20 = big.NewInt(1000)
		chain.allowances[conduit] = big.NewInt(5000)

		result, err := newService(&fakeStore{orders: []*model.Order{order}}, chain).SyncOrderByHash(context.Background(), orderHash, 1, exchange.Hex())
		require.NoError(t, err)
		assert.True(t, result.IsFillable, result.Messages)
	})

	t.Run("short balance and allowance to the exchange only", func(t *testing.T) {
		chain := healthyChain()
		chain.erc20 = big.NewInt(999)
		chain.allowances[exchange] = big.NewInt(5000)

		result, err := newService(&fakeStore{orders: []*model.Order{order}}, chain).SyncOrderByHash(context.Background(), orderHash, 1, exchange.Hex())
		require.NoError(t, err)
		assert.False(t, result.IsFillable)
		assert.Len(t, result.Messages, 2)
	})
}

func TestSyncOrderByHashKeepsCancelledOrderCancelled(t *testing.T) {
	order := listing("o1")
	order.IsCancelled, order.IsFillable = true, false
	store := &fakeStore{orders: []*model.Order{order}}

	result, err := newService(store, healthyChain()).SyncOrderByHash(context.Background(), orderHash, 1, exchange.Hex())
	require.NoError(t, err)

	assert.True(t, result.IsCancelled)
	assert.False(t, result.IsFillable)
	assert.True(t, store.orders[0].IsCancelled)
	assert.False(t, store.orders[0].IsFillable)
}

func TestSyncOrderByHashNotFound(t *testing.T) {
	svc := newService(&fakeStore{}, healthyChain())

	_, err := svc.SyncOrderByHash(context.Background(), orderHash, 1, exchange.Hex())
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestSyncExpiredOrdersDrainsInBatches(t *testing.T) {
	store := &fakeStore{}
	for i := 0; i < 450; i++ {
		o := listing(fmt.Sprintf("o%d", i))
		o.EndTime = now - int64(i) - 1
		store.orders = append(store.orders, o)
	}
	live := listing("live")
	store.orders = append(store.orders, live)

	n, err := newService(store, healthyChain()).SyncExpiredOrders(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 450, n)
	assert.Equal(t, 3, store.expires)
	assert.Positive(t, store.effects)
	assert.True(t, live.IsFillable)
}

func TestDisableOrders(t *testing.T) {
	mine := listing("o1")
	theirs := listing("o2")
	theirs.Offerer = "0x9999999999999999999999999999999999999999"
	store := &fakeStore{orders: []*model.Order{mine, theirs}}
	svc := newService(store, healthyChain())

	disabled, err := svc.DisableOrders(context.Background(), "owner-1", "", 0)
	require.NoError(t, err)
	require.Len(t, disabled, 1)
	assert.Equal(t, "o1", disabled[0].ID)
	assert.True(t, theirs.IsFillable)

	disabled, err = svc.DisableOrders(context.Background(), "nobody", "", 0)
	require.NoError(t, err)
	assert.Empty(t, disabled)
	assert.Len(t, store.disabled, 1)
}
