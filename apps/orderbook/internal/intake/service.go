package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"orderbook/apps/orderbook/internal/config"
	"orderbook/apps/orderbook/internal/events"
	"orderbook/apps/orderbook/internal/model"
	"orderbook/apps/orderbook/internal/pricing"
	"orderbook/apps/orderbook/internal/repository"
	"orderbook/apps/orderbook/internal/seaport"
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrInvalidOrderHash = errors.New("invalid order hash")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrZeroPrice        = errors.New("order price is 0")
	ErrAssetNotFound    = errors.New("asset not found")
	ErrCurrencyNotFound = errors.New("currency not found")
	ErrOrderExists      = errors.New("order already exists")
)

type OrderStore interface {
	CreateOrder(ctx context.Context, order *model.Order, histories []model.OrderHistory, effects []model.OutboxEvent) error
	GetOrderByHash(ctx context.Context, hash string, chainID int64, exchangeAddress string) (*model.Order, error)
}

type Catalog interface {
	GetCurrency(ctx context.Context, chainID int64, address string) (*model.Currency, error)
	GetAsset(ctx context.Context, chainID int64, contractAddress, tokenID string) (*model.RegisteredAsset, error)
	CollectionExists(ctx context.Context, chainID int64, contractAddress string) (bool, error)
}

// Exchange is the subset of exchange and wallet contract views intake relies on.
type Exchange interface {
	seaport.SignatureChecker
	GetOrderHash(ctx context.Context, chainID int64, exchange common.Address, components seaport.OrderComponents) (common.Hash, error)
}

type PriceFeed interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error)
}

type Options struct {
	DomainVersion          string
	DefaultExchangeAddress string
	Concurrency            int
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DomainVersion:          cfg.EIP712DomainVersion,
		DefaultExchangeAddress: cfg.DefaultExchangeAddress,
		Concurrency:            cfg.IntakeConcurrency,
	}
}

// Service validates signed orders and stores them with their legs and history.
type Service struct {
	orders   OrderStore
	catalog  Catalog
	exchange Exchange
	prices   PriceFeed
	chains   map[int64]bool
	opts     Options
	logger   *zap.Logger
}

func NewService(orders OrderStore, catalog Catalog, exchange Exchange, prices PriceFeed, chains []config.Chain, opts Options, logger *zap.Logger) *Service {
	known := make(map[int64]bool, len(chains))
	for _, c := range chains {
		known[c.ID] = true
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Service{
		orders:   orders,
		catalog:  catalog,
		exchange: exchange,
		prices:   prices,
		chains:   known,
		opts:     opts,
		logger:   logger,
	}
}

// CreateOrder verifies the submitted hash against the exchange contract, checks the
// offerer signed it, prices it and stores it. Best-price and per-asset projection
// updates are queued as side effects of the same transaction.
func (s *Service) CreateOrder(ctx context.Context, req OrderRequest) (*model.Order, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	order, err := buildOrder(req)
	if err != nil {
		return nil, err
	}

	components, err := seaport.ComponentsFromOrder(order)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	exchange := common.HexToAddress(order.ExchangeAddress)

	hash, err := s.exchange.GetOrderHash(ctx, order.ChainID, exchange, components)
	if err != nil {
		return nil, fmt.Errorf("failed to get order hash: %w", err)
	}
	if !strings.EqualFold(hash.Hex(), order.Hash) {
		s.logger.Info("Rejected order with mismatched hash",
			zap.String("hash", order.Hash),
			zap.String("computed_hash", hash.Hex()),
			zap.Int64("chain_id", order.ChainID))
		return nil, ErrInvalidOrderHash
	}

	if err := s.verifySignature(ctx, order, components); err != nil {
		return nil, err
	}

	existing, err := s.orders.GetOrderByHash(ctx, order.Hash, order.ChainID, order.ExchangeAddress)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrOrderExists
	}

	currencies, err := s.resolveLegs(ctx, order)
	if err != nil {
		return nil, err
	}

	quote, err := pricing.OrderPrice(pricingItems(order.OfferAssets()), pricingItems(order.ConsiderationAssets()), order.OrderType.IsPartial(),
		func(token string) (int, bool) {
			c, ok := currencies[strings.ToLower(token)]
			if !ok {
				return 0, false
			}
			return c.Decimals, true
		})
	if err != nil {
		switch {
		case errors.Is(err, pricing.ErrCurrencyNotFound):
			return nil, ErrCurrencyNotFound
		case errors.Is(err, pricing.ErrPartialNFTCount):
			return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
		}
		return nil, err
	}
	if !quote.Price.IsPositive() {
		return nil, ErrZeroPrice
	}
	order.Price = quote.Price
	order.PerPrice = quote.PerPrice

	order.OfferType = classifyOffer(order, req)
	order.PlatformType = model.PlatformTypeOpenSea
	if strings.EqualFold(order.ExchangeAddress, s.opts.DefaultExchangeAddress) {
		order.PlatformType = model.PlatformTypeDefault
	}

	histories := s.creationHistories(ctx, order, currencies[quote.CurrencyToken], req)
	effects := events.OrderCandidateEffects(order)

	if err := s.orders.CreateOrder(ctx, order, histories, effects); err != nil {
		if errors.Is(err, repository.ErrDuplicateOrder) {
			return nil, ErrOrderExists
		}
		return nil, err
	}

	return order, nil
}

func (s *Service) validateRequest(req OrderRequest) error {
	switch {
	case !s.chains[req.ChainID]:
		return fmt.Errorf("%w: unsupported chain %d", ErrInvalidOrder, req.ChainID)
	case !common.IsHexAddress(req.ExchangeAddress):
		return fmt.Errorf("%w: bad exchange address", ErrInvalidOrder)
	case !common.IsHexAddress(req.Offerer):
		return fmt.Errorf("%w: bad offerer", ErrInvalidOrder)
	case len(req.Offer) == 0 || len(req.Consideration) == 0:
		return fmt.Errorf("%w: offer and consideration are required", ErrInvalidOrder)
	case req.EndTime <= req.StartTime:
		return fmt.Errorf("%w: end time must be after start time", ErrInvalidOrder)
	}

	switch req.Category {
	case model.CategoryListing, model.CategoryOffer, model.CategoryAuction, model.CategoryBundle, model.CategoryOther:
	default:
		return fmt.Errorf("%w: unknown category %q", ErrInvalidOrder, req.Category)
	}

	if req.OrderType < model.OrderTypeFullOpen || req.OrderType > model.OrderTypePartialRestricted {
		return fmt.Errorf("%w: unknown order type %d", ErrInvalidOrder, req.OrderType)
	}
	return nil
}

func (s *Service) verifySignature(ctx context.Context, order *model.Order, components seaport.OrderComponents) error {
	sig, err := seaport.DecodeSignature(order.Signature)
	if err != nil {
		return ErrInvalidSignature
	}

	domain := seaport.Domain{Version: s.opts.DomainVersion, ChainID: order.ChainID, Exchange: common.HexToAddress(order.ExchangeAddress)}
	ok, err := seaport.VerifySignature(ctx, s.exchange, domain, components, sig)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Info("Rejected order with invalid signature",
			zap.String("hash", order.Hash),
			zap.String("offerer", order.Offerer),
			zap.Int64("chain_id", order.ChainID))
		return ErrInvalidSignature
	}
	return nil
}

// resolveLegs links currency and asset legs to their catalog records and returns the
// order's currencies by lower-cased token address.
func (s *Service) resolveLegs(ctx context.Context, order *model.Order) (map[string]*model.Currency, error) {
	currencies := map[string]*model.Currency{}

	for i := range order.Assets {
		leg := &order.Assets[i]

		switch {
		case leg.ItemType.IsCurrency():
			c, ok := currencies[leg.Token]
			if !ok {
				var err error
				c, err = s.catalog.GetCurrency(ctx, order.ChainID, leg.Token)
				if err != nil {
					return nil, err
				}
				if c == nil {
					return nil, fmt.Errorf("%w: %s", ErrCurrencyNotFound, leg.Token)
				}
				currencies[leg.Token] = c
			}
			leg.CurrencyID = &c.ID

		case leg.ItemType.IsCriteria():
			exists, err := s.catalog.CollectionExists(ctx, order.ChainID, leg.Token)
			if err != nil {
				return nil, err
			}
			if !exists {
				return nil, fmt.Errorf("%w: collection %s", ErrAssetNotFound, leg.Token)
			}

		default:
			a, err := s.catalog.GetAsset(ctx, order.ChainID, leg.Token, leg.IdentifierOrCriteria)
			if err != nil {
				return nil, err
			}
			if a == nil {
				return nil, fmt.Errorf("%w: %s/%s", ErrAssetNotFound, leg.Token, leg.IdentifierOrCriteria)
			}
			leg.AssetID = &a.ID
		}
	}
	return currencies, nil
}

// creationHistories writes one list/offer row per token leg.
func (s *Service) creationHistories(ctx context.Context, order *model.Order, currency *model.Currency, req OrderRequest) []model.OrderHistory {
	category := model.HistoryList
	if order.Category == model.CategoryOffer {
		category = model.HistoryOffer
		if order.OfferType == model.OfferTypeCollection {
			category = model.HistoryCollectionOffer
		}
	}

	symbol := ""
	usdPrice := decimal.Zero
	if currency != nil {
		symbol = currency.Symbol
		usdPrice = order.Price.Mul(s.usdRate(ctx, symbol))
	}

	endTime := order.EndTime
	var histories []model.OrderHistory
	for _, leg := range order.Assets {
		if !leg.ItemType.IsNFT() {
			continue
		}
		histories = append(histories, model.OrderHistory{
			ID:              uuid.NewString(),
			ContractAddress: leg.Token,
			TokenID:         leg.IdentifierOrCriteria,
			Amount:          leg.StartAmount,
			ChainID:         order.ChainID,
			Category:        category,
			StartTime:       order.StartTime,
			EndTime:         &endTime,
			Price:           order.Price,
			CurrencySymbol:  symbol,
			UsdPrice:        usdPrice,
			FromAddress:     order.Offerer,
			Hash:            order.Hash,
			ExchangeAddress: order.ExchangeAddress,
			PlatformType:    order.PlatformType,
			IP:              optional(req.IP),
			Area:            optional(req.Area),
		})
	}
	return histories
}

func (s *Service) usdRate(ctx context.Context, symbol string) decimal.Decimal {
	rate, found, err := s.prices.GetPrice(ctx, pricing.UsdSymbol(symbol))
	if err != nil {
		s.logger.Warn("Price feed lookup failed", zap.String("symbol", symbol), zap.Error(err))
		return decimal.Zero
	}
	if !found {
		return decimal.Zero
	}
	return rate
}

// classifyOffer derives the offer subtype of a single-item offer from its first
// consideration leg: a criteria leg with a zero root is collection-wide.
func classifyOffer(order *model.Order, req OrderRequest) model.OfferType {
	if order.Category != model.CategoryOffer || len(req.Offer) != 1 {
		return model.OfferTypeNormal
	}
	first := order.ConsiderationAssets()[0]
	if !first.ItemType.IsCriteria() {
		return model.OfferTypeNormal
	}
	if first.IdentifierOrCriteria == "0" {
		return model.OfferTypeCollection
	}
	return model.OfferTypeCriteria
}

func pricingItems(legs []model.OrderAsset) []pricing.Item {
	items := make([]pricing.Item, len(legs))
	for i, leg := range legs {
		items[i] = pricing.Item{ItemType: leg.ItemType, Token: leg.Token, Amount: leg.StartAmountInt()}
	}
	return items
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
