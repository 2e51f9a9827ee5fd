package reconcile

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orderbook/apps/orderbook/internal/bestprice"
	"orderbook/apps/orderbook/internal/config"
	"orderbook/apps/orderbook/internal/events"
	"orderbook/apps/orderbook/internal/model"
	"orderbook/apps/orderbook/internal/pricing"
	"orderbook/apps/orderbook/internal/repository"
	"orderbook/apps/orderbook/internal/seaport"
)

type OrderStore interface {
	HistoryExists(ctx context.Context, hash, txHash string, chainID int64) (bool, error)
	GetOrderByHash(ctx context.Context, hash string, chainID int64, exchangeAddress string) (*model.Order, error)
	GetOrdersByHash(ctx context.Context, hash string, chainID int64) ([]model.Order, error)
	ApplyFulfillment(ctx context.Context, f repository.Fulfillment) error
	CancelOrders(ctx context.Context, c repository.Cancellation) error
	FindOrdersSignedBeforeCounter(ctx context.Context, offerer string, chainID int64, exchangeAddress, newCounter string) ([]model.Order, error)
	MarkValidated(ctx context.Context, hash, offerer string, chainID int64) (int64, error)
}

type CurrencyReader interface {
	GetCurrency(ctx context.Context, chainID int64, address string) (*model.Currency, error)
}

type StatusReader interface {
	GetOrderStatus(ctx context.Context, chainID int64, exchange common.Address, orderHash common.Hash) (seaport.OrderStatus, error)
}

type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, chainID int64, txHash common.Hash) (*types.Receipt, error)
}

type PriceFeed interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error)
}

type BestPrice interface {
	RefreshIfBest(ctx context.Context, contractAddress string, chainID int64, side bestprice.Side, orderID string) error
}

// Engine applies decoded exchange events to the order store.
type Engine struct {
	orders      OrderStore
	currencies  CurrencyReader
	status      StatusReader
	receipts    ReceiptReader
	prices      PriceFeed
	best        BestPrice
	aggregators map[int64]common.Address
	logger      *zap.Logger
}

func NewEngine(
	orders OrderStore,
	currencies CurrencyReader,
	status StatusReader,
	receipts ReceiptReader,
	prices PriceFeed,
	best BestPrice,
	chains []config.Chain,
	logger *zap.Logger,
) *Engine {
	aggregators := make(map[int64]common.Address, len(chains))
	for _, c := range chains {
		if c.AggregatorAddress != "" {
			aggregators[c.ID] = common.HexToAddress(c.AggregatorAddress)
		}
	}

	return &Engine{
		orders:      orders,
		currencies:  currencies,
		status:      status,
		receipts:    receipts,
		prices:      prices,
		best:        best,
		aggregators: aggregators,
		logger:      logger,
	}
}

// HandleFulfilled records the sale rows of a fill and rewrites the order's leg
// amounts from the on-chain fill ratio.
func (e *Engine) HandleFulfilled(ctx context.Context, ev seaport.OrderFulfilled, chainID int64, blockTime uint64) error {
	hash := strings.ToLower(ev.OrderHash.Hex())
	txHash := strings.ToLower(ev.TxHash.Hex())
	exchange := strings.ToLower(ev.Exchange.Hex())

	exists, err := e.orders.HistoryExists(ctx, hash, txHash, chainID)
	if err != nil {
		return err
	}
	if exists {
		e.logger.Debug("Fulfillment already recorded, skipping",
			zap.String("hash", hash),
			zap.String("tx_hash", txHash),
			zap.Int64("chain_id", chainID))
		return nil
	}

	order, err := e.orders.GetOrderByHash(ctx, hash, chainID, exchange)
	if err != nil {
		return err
	}
	if order == nil {
		e.logger.Info("Fulfilled order not found, dropping event",
			zap.String("hash", hash),
			zap.String("tx_hash", txHash),
			zap.Int64("chain_id", chainID))
		return nil
	}

	price, symbol := e.fillPrice(ctx, chainID, currencyLegs(order.Category, ev))
	usdPrice := e.usdPrice(ctx, symbol, price)

	var (
		histories []model.OrderHistory
		effects   []model.OutboxEvent
		receipt   *types.Receipt
	)
	record := func(token common.Address, id, amount *big.Int, from, to string) {
		h := model.OrderHistory{
			ID:              uuid.New().String(),
			ContractAddress: strings.ToLower(token.Hex()),
			TokenID:         id.String(),
			Amount:          amount.String(),
			ChainID:         chainID,
			Category:        model.HistorySale,
			StartTime:       int64(blockTime),
			Price:           price,
			CurrencySymbol:  symbol,
			UsdPrice:        usdPrice,
			FromAddress:     from,
			ToAddress:       &to,
			Hash:            hash,
			TxHash:          &txHash,
			ExchangeAddress: exchange,
			PlatformType:    order.PlatformType,
		}
		histories = append(histories, h)
		effects = append(effects, events.OwnershipTransferEffect(events.OwnershipTransfer{
			ContractAddress: h.ContractAddress,
			TokenID:         h.TokenID,
			ChainID:         chainID,
			FromAddress:     from,
			ToAddress:       to,
			Amount:          h.Amount,
		}))
	}

	offerer := strings.ToLower(ev.Offerer.Hex())
	recipient := strings.ToLower(ev.Recipient.Hex())

	// Offer-side tokens went from the offerer to the fulfiller.
	for _, item := range ev.Offer {
		if model.ItemType(item.ItemType).IsNFT() {
			record(item.Token, item.Identifier, item.Amount, offerer, recipient)
		}
	}

	// Consideration-side tokens came from the fulfiller, or from whoever sent them
	// to the aggregator when the fill was routed.
	for _, item := range ev.Consideration {
		if !model.ItemType(item.ItemType).IsNFT() {
			continue
		}
		from := recipient
		if aggregator, ok := e.aggregators[chainID]; ok && ev.Recipient == aggregator {
			if receipt == nil {
				receipt, err = e.receipts.TransactionReceipt(ctx, chainID, ev.TxHash)
				if err != nil {
					return fmt.Errorf("failed to get receipt for routed fill: %w", err)
				}
			}
			if sender, found := routedSender(receipt, item.Token, item.Identifier, aggregator); found {
				from = strings.ToLower(sender.Hex())
			}
		}
		record(item.Token, item.Identifier, item.Amount, from, offerer)
	}

	status, err := e.status.GetOrderStatus(ctx, chainID, ev.Exchange, ev.OrderHash)
	if err != nil {
		return fmt.Errorf("failed to get order status: %w", err)
	}

	available, fullyFilled := availableAmounts(order, status)

	effects = append(effects, events.OrderRefreshEffects([]model.Order{*order})...)

	err = e.orders.ApplyFulfillment(ctx, repository.Fulfillment{
		OrderID:          order.ID,
		Hash:             hash,
		ChainID:          chainID,
		Histories:        histories,
		AvailableAmounts: available,
		FullyFilled:      fullyFilled,
		Effects:          effects,
	})
	if err != nil {
		return err
	}

	e.logger.Debug("Applied fulfillment",
		zap.String("hash", hash),
		zap.String("tx_hash", txHash),
		zap.Int64("chain_id", chainID),
		zap.String("category", string(order.Category)),
		zap.Int("sales", len(histories)),
		zap.Bool("fully_filled", fullyFilled))

	if fullyFilled {
		e.refreshCollectionOffer(ctx, []model.Order{*order})
	}
	return nil
}

// HandleCancelled flags the offerer's orders with this hash as cancelled.
func (e *Engine) HandleCancelled(ctx context.Context, ev seaport.OrderCancelled, chainID int64, blockTime uint64) error {
	hash := strings.ToLower(ev.OrderHash.Hex())
	txHash := strings.ToLower(ev.TxHash.Hex())

	exists, err := e.orders.HistoryExists(ctx, hash, txHash, chainID)
	if err != nil {
		return err
	}
	if exists {
		e.logger.Debug("Cancellation already recorded, skipping",
			zap.String("hash", hash),
			zap.String("tx_hash", txHash),
			zap.Int64("chain_id", chainID))
		return nil
	}

	candidates, err := e.orders.GetOrdersByHash(ctx, hash, chainID)
	if err != nil {
		return err
	}

	var orders []model.Order
	for _, o := range candidates {
		if strings.EqualFold(o.Offerer, ev.Offerer.Hex()) {
			orders = append(orders, o)
		}
	}
	if len(orders) == 0 {
		e.logger.Info("Cancelled order not found, dropping event",
			zap.String("hash", hash),
			zap.String("tx_hash", txHash),
			zap.Int64("chain_id", chainID))
		return nil
	}

	ids := make([]string, 0, len(orders))
	var histories []model.OrderHistory
	for i := range orders {
		ids = append(ids, orders[i].ID)
		histories = append(histories, e.cancelHistories(ctx, &orders[i], txHash, blockTime)...)
	}

	err = e.orders.CancelOrders(ctx, repository.Cancellation{
		OrderIDs:  ids,
		Histories: histories,
		Effects:   events.OrderRefreshEffects(orders),
	})
	if err != nil {
		return err
	}

	e.logger.Debug("Applied cancellation",
		zap.String("hash", hash),
		zap.String("tx_hash", txHash),
		zap.Int64("chain_id", chainID),
		zap.Int("orders", len(orders)))

	e.refreshCollectionOffer(ctx, orders)
	return nil
}

// HandleValidated records on-chain validation. Fillability is untouched.
func (e *Engine) HandleValidated(ctx context.Context, ev seaport.OrderValidated, chainID int64) error {
	hash := strings.ToLower(ev.OrderHash.Hex())

	n, err := e.orders.MarkValidated(ctx, hash, ev.Offerer.Hex(), chainID)
	if err != nil {
		return err
	}
	if n == 0 {
		e.logger.Info("Validated order not found, dropping event",
			zap.String("hash", hash),
			zap.Int64("chain_id", chainID))
		return nil
	}

	e.logger.Debug("Marked order validated", zap.String("hash", hash), zap.Int64("chain_id", chainID))
	return nil
}

// HandleNonceBump cancels every order the offerer signed on this exchange with an
// older counter. Re-running it finds nothing left to cancel.
func (e *Engine) HandleNonceBump(ctx context.Context, ev seaport.CounterIncremented, chainID int64) error {
	offerer := strings.ToLower(ev.Offerer.Hex())

	orders, err := e.orders.FindOrdersSignedBeforeCounter(ctx, offerer, chainID, strings.ToLower(ev.Exchange.Hex()), ev.NewCounter.String())
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		e.logger.Debug("No orders invalidated by counter bump",
			zap.String("offerer", offerer),
			zap.Int64("chain_id", chainID),
			zap.String("new_counter", ev.NewCounter.String()))
		return nil
	}

	ids := make([]string, len(orders))
	for i := range orders {
		ids[i] = orders[i].ID
	}

	err = e.orders.CancelOrders(ctx, repository.Cancellation{
		OrderIDs: ids,
		Effects:  events.OrderRefreshEffects(orders),
	})
	if err != nil {
		return err
	}

	e.logger.Info("Cancelled orders after counter bump",
		zap.String("offerer", offerer),
		zap.Int64("chain_id", chainID),
		zap.String("new_counter", ev.NewCounter.String()),
		zap.Int("orders", len(orders)))

	e.refreshCollectionOffer(ctx, orders)
	return nil
}

// refreshCollectionOffer recomputes the cached best collection offer when one of the
// orders held it. Failures only cost latency and are logged.
func (e *Engine) refreshCollectionOffer(ctx context.Context, orders []model.Order) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(2)

	for i := range orders {
		o := orders[i]
		if o.OfferType != model.OfferTypeCollection {
			continue
		}
		contract := o.CollectionAddress()
		if contract == "" {
			continue
		}
		g.Go(func() error {
			if err := e.best.RefreshIfBest(gctx, contract, o.ChainID, bestprice.SideCollectionOffer, o.ID); err != nil {
				e.logger.Warn("Failed to refresh best collection offer",
					zap.String("order_id", o.ID),
					zap.String("contract_address", contract),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) cancelHistories(ctx context.Context, o *model.Order, txHash string, blockTime uint64) []model.OrderHistory {
	symbol := e.orderCurrencySymbol(ctx, o)

	var out []model.OrderHistory
	for _, leg := range o.NFTAssets() {
		out = append(out, model.OrderHistory{
			ID:              uuid.New().String(),
			ContractAddress: strings.ToLower(leg.Token),
			TokenID:         leg.IdentifierOrCriteria,
			Amount:          leg.StartAmount,
			ChainID:         o.ChainID,
			Category:        model.HistoryCancel,
			StartTime:       int64(blockTime),
			Price:           o.Price,
			CurrencySymbol:  symbol,
			UsdPrice:        decimal.Zero,
			FromAddress:     strings.ToLower(o.Offerer),
			Hash:            o.Hash,
			TxHash:          &txHash,
			ExchangeAddress: o.ExchangeAddress,
			PlatformType:    o.PlatformType,
		})
	}
	return out
}

func (e *Engine) orderCurrencySymbol(ctx context.Context, o *model.Order) string {
	for _, leg := range o.Assets {
		if !leg.ItemType.IsCurrency() {
			continue
		}
		c, err := e.currencies.GetCurrency(ctx, o.ChainID, leg.Token)
		if err != nil || c == nil {
			return ""
		}
		return c.Symbol
	}
	return ""
}

// fillPrice prices the fill from its currency legs. An unknown currency prices to zero.
func (e *Engine) fillPrice(ctx context.Context, chainID int64, legs []pricing.Item) (decimal.Decimal, string) {
	known := map[string]*model.Currency{}
	for _, leg := range legs {
		token := strings.ToLower(leg.Token)
		if _, ok := known[token]; ok {
			continue
		}
		c, err := e.currencies.GetCurrency(ctx, chainID, token)
		if err != nil {
			e.logger.Warn("Failed to resolve fill currency", zap.String("token", token), zap.Error(err))
		}
		known[token] = c
	}

	price, token, err := pricing.FillPrice(legs, func(token string) (int, bool) {
		c := known[token]
		if c == nil {
			return 0, false
		}
		return c.Decimals, true
	})
	if err != nil {
		e.logger.Warn("Fill paid in an unknown currency",
			zap.Int64("chain_id", chainID),
			zap.String("token", token))
		return decimal.Zero, ""
	}
	if c := known[token]; c != nil {
		return price, c.Symbol
	}
	return price, ""
}

func (e *Engine) usdPrice(ctx context.Context, symbol string, price decimal.Decimal) decimal.Decimal {
	if symbol == "" || price.IsZero() {
		return decimal.Zero
	}

	rate, found, err := e.prices.GetPrice(ctx, pricing.UsdSymbol(symbol))
	if err != nil {
		e.logger.Warn("Price feed lookup failed", zap.String("symbol", symbol), zap.Error(err))
		return decimal.Zero
	}
	if !found {
		return decimal.Zero
	}
	return price.Mul(rate)
}

// currencyLegs picks the payment side of a fill: consideration for listings, offer
// for offers, and every currency item otherwise.
func currencyLegs(category model.Category, ev seaport.OrderFulfilled) []pricing.Item {
	var legs []pricing.Item
	addSpent := func() {
		for _, it := range ev.Offer {
			if model.ItemType(it.ItemType).IsCurrency() {
				legs = append(legs, pricing.Item{ItemType: model.ItemType(it.ItemType), Token: it.Token.Hex(), Amount: it.Amount})
			}
		}
	}
	addReceived := func() {
		for _, it := range ev.Consideration {
			if model.ItemType(it.ItemType).IsCurrency() {
				legs = append(legs, pricing.Item{ItemType: model.ItemType(it.ItemType), Token: it.Token.Hex(), Amount: it.Amount})
			}
		}
	}

	switch category {
	case model.CategoryListing:
		addReceived()
	case model.CategoryOffer, model.CategoryCollectionOffer:
		addSpent()
	default:
		addSpent()
		addReceived()
	}
	return legs
}

// availableAmounts applies the on-chain fill ratio to every leg.
func availableAmounts(o *model.Order, status seaport.OrderStatus) (map[string]*big.Int, bool) {
	out := make(map[string]*big.Int, len(o.Assets))
	fullyFilled := false
	for _, leg := range o.Assets {
		start := leg.StartAmountInt()
		available := pricing.AvailableAmount(start, status.TotalFilled, status.TotalSize)
		out[leg.ID] = available
		if available.Sign() == 0 {
			fullyFilled = true
		}
	}
	return out, fullyFilled
}

// routedSender finds who sent the token into the aggregator in this transaction.
func routedSender(receipt *types.Receipt, token common.Address, id *big.Int, aggregator common.Address) (common.Address, bool) {
	for _, l := range receipt.Logs {
		if len(l.Topics) != 4 || l.Topics[0] != seaport.TransferSig || l.Address != token {
			continue
		}
		if common.BytesToAddress(l.Topics[2].Bytes()) != aggregator {
			continue
		}
		if l.Topics[3].Big().Cmp(id) != 0 {
			continue
		}
		return common.BytesToAddress(l.Topics[1].Bytes()), true
	}
	return common.Address{}, false
}
