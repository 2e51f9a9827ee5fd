package reconcile

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orderbook/apps/orderbook/internal/bestprice"
	"orderbook/apps/orderbook/internal/config"
	"orderbook/apps/orderbook/internal/model"
	"orderbook/apps/orderbook/internal/repository"
	"orderbook/apps/orderbook/internal/seaport"
)

var (
	exchange   = common.HexToAddress("0x0000000000000068F116a894984e2DB1123eB395")
	nft        = common.HexToAddress("0x3333333333333333333333333333333333333333")
	weth       = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	seller     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	buyer      = common.HexToAddress("0x2222222222222222222222222222222222222222")
	aggregator = common.HexToAddress("0x00000000000000ADc04C56Bf30aC9d3c0aAF14dC")
	orderHash  = common.HexToHash("0x5a5a000000000000000000000000000000000000000000000000000000000001")
	txOne      = common.HexToHash("0x7700000000000000000000000000000000000000000000000000000000000001")
	txTwo      = common.HexToHash("0x7700000000000000000000000000000000000000000000000000000000000002")
)

// fakeStore keeps orders in memory and applies writes the way the repository does.
type fakeStore struct {
	mu        sync.Mutex
	orders    []*model.Order
	histories []model.OrderHistory
	outbox    []model.OutboxEvent
	cancels   int
}

func (s *fakeStore) HistoryExists(_ context.Context, hash, txHash string, chainID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.histories {
		if h.Hash == hash && h.TxHash != nil && *h.TxHash == txHash && h.ChainID == chainID {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) GetOrderByHash(_ context.Context, hash string, chainID int64, exchangeAddress string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.Hash == hash && o.ChainID == chainID && strings.EqualFold(o.ExchangeAddress, exchangeAddress) {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetOrdersByHash(_ context.Context, hash string, chainID int64) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Order
	for _, o := range s.orders {
		if o.Hash == hash && o.ChainID == chainID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *fakeStore) ApplyFulfillment(_ context.Context, f repository.Fulfillment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.byID(f.OrderID)
	s.histories = append(s.histories, f.Histories...)
	for i := range o.Assets {
		if amount, ok := f.AvailableAmounts[o.Assets[i].ID]; ok {
			o.Assets[i].AvailableAmount = amount.String()
		}
	}
	if f.FullyFilled {
		o.IsFillable = false
	}
	s.outbox = append(s.outbox, f.Effects...)
	return nil
}

func (s *fakeStore) CancelOrders(_ context.Context, c repository.Cancellation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
	for _, id := range c.OrderIDs {
		o := s.byID(id)
		o.IsCancelled = true
		o.IsFillable = false
	}
	s.histories = append(s.histories, c.Histories...)
	s.outbox = append(s.outbox, c.Effects...)
	return nil
}

func (s *fakeStore) FindOrdersSignedBeforeCounter(_ context.Context, offerer string, chainID int64, exchangeAddress, newCounter string) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit, _ := new(big.Int).SetString(newCounter, 10)
	var out []model.Order
	for _, o := range s.orders {
		counter, _ := new(big.Int).SetString(o.Counter, 10)
		if strings.EqualFold(o.Offerer, offerer) && o.ChainID == chainID && strings.EqualFold(o.ExchangeAddress, exchangeAddress) &&
			!o.IsCancelled && counter.Cmp(limit) < 0 {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkValidated(_ context.Context, hash, offerer string, chainID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, o := range s.orders {
		if o.Hash == hash && strings.EqualFold(o.Offerer, offerer) && o.ChainID == chainID {
			o.IsValidated = true
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) byID(id string) *model.Order {
	for _, o := range s.orders {
		if o.ID == id {
			return o
		}
	}
	panic("unknown order " + id)
}

func (s *fakeStore) salesFor(hash string) []model.OrderHistory {
	var out []model.OrderHistory
	for _, h := range s.histories {
		if h.Hash == hash && h.Category == model.HistorySale {
			out = append(out, h)
		}
	}
	return out
}

type fakeCurrencies map[string]model.Currency

func (f fakeCurrencies) GetCurrency(_ context.Context, _ int64, address string) (*model.Currency, error) {
	c, ok := f[strings.ToLower(address)]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

type fakeStatus struct {
	status seaport.OrderStatus
	err    error
}

func (f *fakeStatus) GetOrderStatus(context.Context, int64, common.Address, common.Hash) (seaport.OrderStatus, error) {
	return f.status, f.err
}

type fakeReceipts struct {
	receipt *types.Receipt
	calls   int
}

func (f *fakeReceipts) TransactionReceipt(context.Context, int64, common.Hash) (*types.Receipt, error) {
	f.calls++
	return f.receipt, nil
}

type fakePrices map[string]decimal.Decimal

func (f fakePrices) GetPrice(_ context.Context, symbol string) (decimal.Decimal, bool, error) {
	p, ok := f[symbol]
	return p, ok, nil
}

type fakeBest struct {
	mu        sync.Mutex
	refreshed []string
}

func (f *fakeBest) RefreshIfBest(_ context.Context, _ string, _ int64, side bestprice.Side, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, string(side)+":"+orderID)
	return nil
}

type harness struct {
	engine   *Engine
	store    *fakeStore
	status   *fakeStatus
	receipts *fakeReceipts
	best     *fakeBest
}

func newHarness(orders ...*model.Order) *harness {
	h := &harness{
		store:    &fakeStore{orders: orders},
		status:   &fakeStatus{},
		receipts: &fakeReceipts{},
		best:     &fakeBest{},
	}
	currencies := fakeCurrencies{
		"0x0000000000000000000000000000000000000000": {Symbol: "ETH", Decimals: 18},
		strings.ToLower(weth.Hex()):                  {Symbol: "WETH", Decimals: 18},
	}
	prices := fakePrices{"ETHUSD": decimal.NewFromInt(2000)}
	chains := []config.Chain{{ID: 1, AggregatorAddress: strings.ToLower(aggregator.Hex())}}

	h.engine = NewEngine(h.store, currencies, h.status, h.receipts, prices, h.best, chains, zap.NewNop())
	return h
}

func strPtr(s string) *string { return &s }

// partialListing sells 10 units of an ERC-1155 token for 1 ETH in total.
func partialListing() *model.Order {
	return &model.Order{
		ID:              "order-1",
		ChainID:         1,
		ExchangeAddress: strings.ToLower(exchange.Hex()),
		Hash:            strings.ToLower(orderHash.Hex()),
		Offerer:         strings.ToLower(seller.Hex()),
		Category:        model.CategoryListing,
		OfferType:       model.OfferTypeNormal,
		OrderType:       model.OrderTypePartialOpen,
		Price:           decimal.NewFromInt(1),
		PerPrice:        decimal.RequireFromString("0.1"),
		Counter:         "0",
		IsFillable:      true,
		Assets: []model.OrderAsset{
			{
				ID: "leg-nft", OrderID: "order-1", Side: model.SideOffer, ItemType: model.ItemTypeERC1155,
				Token: strings.ToLower(nft.Hex()), IdentifierOrCriteria: "7",
				StartAmount: "10", EndAmount: "10", AvailableAmount: "10", AssetID: strPtr("asset-7"),
			},
			{
				ID: "leg-eth", OrderID: "order-1", Position: 0, Side: model.SideConsideration, ItemType: model.ItemTypeNative,
				Token: "0x0000000000000000000000000000000000000000", IdentifierOrCriteria: "0",
				StartAmount: "1000000000000000000", EndAmount: "1000000000000000000", AvailableAmount: "1000000000000000000",
				Recipient: strPtr(strings.ToLower(seller.Hex())),
			},
		},
	}
}

func fillEvent(tx common.Hash, units int64) seaport.OrderFulfilled {
	paid := new(big.Int).Mul(big.NewInt(units), big.NewInt(100000000000000000))
	return seaport.OrderFulfilled{
		LogMeta:   seaport.LogMeta{Exchange: exchange, TxHash: tx, BlockNumber: 100},
		OrderHash: orderHash,
		Offerer:   seller,
		Recipient: buyer,
		Offer: []seaport.SpentItem{
			{ItemType: uint8(model.ItemTypeERC1155), Token: nft, Identifier: big.NewInt(7), Amount: big.NewInt(units)},
		},
		Consideration: []seaport.ReceivedItem{
			{ItemType: uint8(model.ItemTypeNative), Token: common.Address{}, Identifier: big.NewInt(0), Amount: paid, Recipient: seller},
		},
	}
}

func legAmount(o *model.Order, id string) string {
	for _, a := range o.Assets {
		if a.ID == id {
			return a.AvailableAmount
		}
	}
	return ""
}

func TestHandleFulfilledPartialThenFull(t *testing.T) {
	order := partialListing()
	h := newHarness(order)
	ctx := context.Background()

	h.status.status = seaport.OrderStatus{IsValidated: true, TotalFilled: big.NewInt(3), TotalSize: big.NewInt(10)}
	require.NoError(t, h.engine.HandleFulfilled(ctx, fillEvent(txOne, 3), 1, 1700000000))

	assert.Equal(t, "7", legAmount(order, "leg-nft"))
	assert.Equal(t, "700000000000000000", legAmount(order, "leg-eth"))
	assert.True(t, order.IsFillable)

	sales := h.store.salesFor(order.Hash)
	require.Len(t, sales, 1)
	assert.Equal(t, strings.ToLower(seller.Hex()), sales[0].FromAddress)
	assert.Equal(t, strings.ToLower(buyer.Hex()), *sales[0].ToAddress)
	assert.Equal(t, "3", sales[0].Amount)
	assert.Equal(t, "ETH", sales[0].CurrencySymbol)
	assert.True(t, sales[0].Price.Equal(decimal.RequireFromString("0.3")), "price %s", sales[0].Price)
	assert.True(t, sales[0].UsdPrice.Equal(decimal.NewFromInt(600)), "usd %s", sales[0].UsdPrice)
	assert.Equal(t, int64(1700000000), sales[0].StartTime)

	var kinds []model.EffectType
	for _, e := range h.store.outbox {
		kinds = append(kinds, e.EffectType)
	}
	assert.ElementsMatch(t, []model.EffectType{
		model.EffectTransferOwnership,
		model.EffectRefreshBestPrice,
		model.EffectRefreshAssetBest,
	}, kinds)

	h.status.status = seaport.OrderStatus{IsValidated: true, TotalFilled: big.NewInt(10), TotalSize: big.NewInt(10)}
	require.NoError(t, h.engine.HandleFulfilled(ctx, fillEvent(txTwo, 7), 1, 1700000100))

	assert.Equal(t, "0", legAmount(order, "leg-nft"))
	assert.Equal(t, "0", legAmount(order, "leg-eth"))
	assert.False(t, order.IsFillable)
	assert.Len(t, h.store.salesFor(order.Hash), 2)
}

func TestHandleFulfilledIsIdempotent(t *testing.T) {
	order := partialListing()
	h := newHarness(order)
	ctx := context.Background()
	h.status.status = seaport.OrderStatus{IsValidated: true, TotalFilled: big.NewInt(3), TotalSize: big.NewInt(10)}

	ev := fillEvent(txOne, 3)
	require.NoError(t, h.engine.HandleFulfilled(ctx, ev, 1, 1700000000))
	snapshot := *order
	snapshot.Assets = append([]model.OrderAsset(nil), order.Assets...)
	outbox := len(h.store.outbox)

	require.NoError(t, h.engine.HandleFulfilled(ctx, ev, 1, 1700000000))

	assert.Len(t, h.store.salesFor(order.Hash), 1)
	assert.Equal(t, snapshot, *order)
	assert.Equal(t, outbox, len(h.store.outbox))
}

func TestHandleFulfilledDropsForeignOrder(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.engine.HandleFulfilled(context.Background(), fillEvent(txOne, 1), 1, 1700000000))
	assert.Empty(t, h.store.histories)
	assert.Empty(t, h.store.outbox)
}

func TestHandleFulfilledStatusFailureWritesNothing(t *testing.T) {
	order := partialListing()
	h := newHarness(order)
	h.status.err = errors.New("rpc down")

	err := h.engine.HandleFulfilled(context.Background(), fillEvent(txOne, 3), 1, 1700000000)
	require.Error(t, err)
	assert.Empty(t, h.store.histories)
	assert.Equal(t, "10", legAmount(order, "leg-nft"))
}

func TestHandleFulfilledResolvesRoutedSeller(t *testing.T) {
	offer := &model.Order{
		ID:              "offer-1",
		ChainID:         1,
		ExchangeAddress: strings.ToLower(exchange.Hex()),
		Hash:            strings.ToLower(orderHash.Hex()),
		Offerer:         strings.ToLower(buyer.Hex()),
		Category:        model.CategoryOffer,
		OfferType:       model.OfferTypeNormal,
		Counter:         "0",
		IsFillable:      true,
		Assets: []model.OrderAsset{
			{ID: "leg-weth", Side: model.SideOffer, ItemType: model.ItemTypeERC20, Token: strings.ToLower(weth.Hex()),
				IdentifierOrCriteria: "0", StartAmount: "500000000000000000", EndAmount: "500000000000000000", AvailableAmount: "500000000000000000"},
			{ID: "leg-nft", Side: model.SideConsideration, ItemType: model.ItemTypeERC721, Token: strings.ToLower(nft.Hex()),
				IdentifierOrCriteria: "42", StartAmount: "1", EndAmount: "1", AvailableAmount: "1"},
		},
	}
	h := newHarness(offer)
	h.status.status = seaport.OrderStatus{IsValidated: true, TotalFilled: big.NewInt(1), TotalSize: big.NewInt(1)}
	h.receipts.receipt = &types.Receipt{Logs: []*types.Log{
		{
			Address: nft,
			Topics: []common.Hash{
				seaport.TransferSig,
				common.BytesToHash(seller.Bytes()),
				common.BytesToHash(aggregator.Bytes()),
				common.BigToHash(big.NewInt(42)),
			},
		},
	}}

	ev := seaport.OrderFulfilled{
		LogMeta:   seaport.LogMeta{Exchange: exchange, TxHash: txOne},
		OrderHash: orderHash,
		Offerer:   buyer,
		Recipient: aggregator,
		Offer: []seaport.SpentItem{
			{ItemType: uint8(model.ItemTypeERC20), Token: weth, Identifier: big.NewInt(0), Amount: big.NewInt(500000000000000000)},
		},
		Consideration: []seaport.ReceivedItem{
			{ItemType: uint8(model.ItemTypeERC721), Token: nft, Identifier: big.NewInt(42), Amount: big.NewInt(1), Recipient: buyer},
		},
	}
	require.NoError(t, h.engine.HandleFulfilled(context.Background(), ev, 1, 1700000000))

	sales := h.store.salesFor(offer.Hash)
	require.Len(t, sales, 1)
	assert.Equal(t, strings.ToLower(seller.Hex()), sales[0].FromAddress)
	assert.Equal(t, strings.ToLower(buyer.Hex()), *sales[0].ToAddress)
	assert.Equal(t, "WETH", sales[0].CurrencySymbol)
	assert.True(t, sales[0].UsdPrice.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, 1, h.receipts.calls)
	assert.False(t, offer.IsFillable)
}

func TestHandleCancelled(t *testing.T) {
	order := partialListing()
	order.OfferType = model.OfferTypeCollection
	h := newHarness(order)

	ev := seaport.OrderCancelled{
		LogMeta:   seaport.LogMeta{Exchange: exchange, TxHash: txOne},
		OrderHash: orderHash,
		Offerer:   seller,
	}
	require.NoError(t, h.engine.HandleCancelled(context.Background(), ev, 1, 1700000000))
	assert.True(t, order.IsCancelled)
	assert.False(t, order.IsFillable)
	require.Len(t, h.store.histories, 1)
	assert.Equal(t, model.HistoryCancel, h.store.histories[0].Category)
	assert.Equal(t, "ETH", h.store.histories[0].CurrencySymbol)
	assert.Equal(t, []string{"collection_offer:order-1"}, h.best.refreshed)

	// Re-delivery is skipped.
	require.NoError(t, h.engine.HandleCancelled(context.Background(), ev, 1, 1700000000))
	assert.Equal(t, 1, h.store.cancels)
	assert.Len(t, h.store.histories, 1)
}

func TestHandleCancelledIgnoresOtherOfferer(t *testing.T) {
	order := partialListing()
	h := newHarness(order)

	ev := seaport.OrderCancelled{
		LogMeta:   seaport.LogMeta{Exchange: exchange, TxHash: txOne},
		OrderHash: orderHash,
		Offerer:   buyer,
	}
	require.NoError(t, h.engine.HandleCancelled(context.Background(), ev, 1, 1700000000))
	assert.False(t, order.IsCancelled)
	assert.True(t, order.IsFillable)
}

func TestHandleCancelledAfterFullFillKeepsOrderClosed(t *testing.T) {
	order := partialListing()
	h := newHarness(order)
	ctx := context.Background()

	h.status.status = seaport.OrderStatus{IsValidated: true, TotalFilled: big.NewInt(10), TotalSize: big.NewInt(10)}
	require.NoError(t, h.engine.HandleFulfilled(ctx, fillEvent(txOne, 10), 1, 1700000000))
	require.NoError(t, h.engine.HandleCancelled(ctx, seaport.OrderCancelled{
		LogMeta:   seaport.LogMeta{Exchange: exchange, TxHash: txTwo},
		OrderHash: orderHash,
		Offerer:   seller,
	}, 1, 1700000100))

	assert.False(t, order.IsFillable)
	assert.Equal(t, "0", legAmount(order, "leg-nft"))
}

func TestHandleValidated(t *testing.T) {
	order := partialListing()
	h := newHarness(order)

	ev := seaport.OrderValidated{OrderHash: orderHash, Offerer: seller}
	require.NoError(t, h.engine.HandleValidated(context.Background(), ev, 1))
	assert.True(t, order.IsValidated)
	assert.True(t, order.IsFillable)

	other := seaport.OrderValidated{OrderHash: common.HexToHash("0xdead"), Offerer: seller}
	require.NoError(t, h.engine.HandleValidated(context.Background(), other, 1))
}

func TestHandleNonceBump(t *testing.T) {
	first := partialListing()
	second := partialListing()
	second.ID, second.Hash = "order-2", "0xbeef"
	otherChain := partialListing()
	otherChain.ID, otherChain.ChainID = "order-3", 137
	signedAfter := partialListing()
	signedAfter.ID, signedAfter.Hash, signedAfter.Counter = "order-4", "0xcafe", "1"

	h := newHarness(first, second, otherChain, signedAfter)
	ev := seaport.CounterIncremented{
		LogMeta:    seaport.LogMeta{Exchange: exchange, TxHash: txOne},
		NewCounter: big.NewInt(1),
		Offerer:    seller,
	}

	require.NoError(t, h.engine.HandleNonceBump(context.Background(), ev, 1))
	for _, o := range []*model.Order{first, second} {
		assert.True(t, o.IsCancelled, o.ID)
		assert.False(t, o.IsFillable, o.ID)
	}
	assert.False(t, otherChain.IsCancelled)
	assert.True(t, otherChain.IsFillable)
	assert.False(t, signedAfter.IsCancelled)
	assert.True(t, signedAfter.IsFillable)
	assert.NotEmpty(t, h.store.outbox)

	// Running it again finds nothing left.
	require.NoError(t, h.engine.HandleNonceBump(context.Background(), ev, 1))
	assert.Equal(t, 1, h.store.cancels)
}

func TestAvailableAmountsNeverNegative(t *testing.T) {
	order := partialListing()
	amounts, full := availableAmounts(order, seaport.OrderStatus{TotalFilled: big.NewInt(12), TotalSize: big.NewInt(10)})
	assert.True(t, full)
	for id, v := range amounts {
		assert.Zero(t, v.Sign(), id)
	}

	amounts, full = availableAmounts(order, seaport.OrderStatus{TotalFilled: big.NewInt(0), TotalSize: big.NewInt(0)})
	assert.False(t, full)
	assert.Equal(t, "10", amounts["leg-nft"].String())
}
