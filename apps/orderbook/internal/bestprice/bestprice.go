package bestprice

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"orderbook/apps/orderbook/internal/cache"
	"orderbook/apps/orderbook/internal/model"
)

type Side string

const (
	SideListing         Side = "listing"
	SideOffer           Side = "offer"
	SideCollectionOffer Side = "collection_offer"
)

func ParseSide(s string) (Side, bool) {
	switch Side(s) {
	case SideListing, SideOffer, SideCollectionOffer:
		return Side(s), true
	}
	return "", false
}

// SidesFor lists the cache sides an order can win.
func SidesFor(o *model.Order) []Side {
	switch o.Category {
	case model.CategoryListing:
		return []Side{SideListing}
	case model.CategoryOffer, model.CategoryCollectionOffer:
		if o.OfferType == model.OfferTypeCollection || o.Category == model.CategoryCollectionOffer {
			return []Side{SideOffer, SideCollectionOffer}
		}
		return []Side{SideOffer}
	}
	return nil
}

const (
	entryTTL                = 30 * 24 * time.Hour
	collectionOfferTTL      = 7 * 24 * time.Hour
	collectionOfferEmptyTTL = 5 * time.Minute
)

// Entry is the cached snapshot of a collection's best order on one side.
type Entry struct {
	OrderID         string          `json:"id,omitempty"`
	Hash            string          `json:"hash,omitempty"`
	Price           decimal.Decimal `json:"price"`
	PerPrice        decimal.Decimal `json:"perPrice"`
	StartTime       int64           `json:"startTime"`
	EndTime         int64           `json:"endTime"`
	ChainID         int64           `json:"chainId"`
	ExchangeAddress string          `json:"exchangeAddress,omitempty"`
	PlatformType    int             `json:"platformType"`
	CreatedAt       time.Time       `json:"createdAt"`

	// Empty marks a cached "no order" result.
	Empty bool `json:"empty,omitempty"`
}

func EntryFromOrder(o *model.Order) Entry {
	return Entry{
		OrderID:         o.ID,
		Hash:            o.Hash,
		Price:           o.Price,
		PerPrice:        o.PerPrice,
		StartTime:       o.StartTime,
		EndTime:         o.EndTime,
		ChainID:         o.ChainID,
		ExchangeAddress: o.ExchangeAddress,
		PlatformType:    o.PlatformType,
		CreatedAt:       o.CreatedAt,
	}
}

// Better reports whether candidate beats current on the given side: lower per price
// for listings, higher for offers, then lower platform type, then later end time.
// Collection offers only compare on per price; the earlier order keeps a tie.
func Better(side Side, candidate, current Entry) bool {
	cmp := candidate.PerPrice.Cmp(current.PerPrice)
	if side == SideListing {
		cmp = -cmp
	}
	if cmp != 0 {
		return cmp > 0
	}
	if side == SideCollectionOffer {
		return false
	}
	if candidate.PlatformType != current.PlatformType {
		return candidate.PlatformType < current.PlatformType
	}
	return candidate.EndTime > current.EndTime
}

// Source is the authoritative query the cache is rebuilt from.
type Source interface {
	BestOrder(ctx context.Context, contractAddress string, chainID int64, category model.Category, now int64) (*model.Order, error)
	BestCollectionOffer(ctx context.Context, contractAddress string, chainID int64, now int64) (*model.Order, error)
}

// Cache serves best listing / offer / collection offer per collection and chain.
// It is never authoritative: a miss or a stale entry is rebuilt from the Source.
type Cache struct {
	store  cache.Store
	source Source
	logger *zap.Logger
	now    func() time.Time

	locks sync.Map // key -> *sync.Mutex
}

func New(store cache.Store, source Source, logger *zap.Logger) *Cache {
	return &Cache{store: store, source: source, logger: logger, now: time.Now}
}

func Key(contractAddress string, chainID int64, side Side) string {
	return fmt.Sprintf("%s:%d:%s", strings.ToLower(contractAddress), chainID, side)
}

func (c *Cache) lock(key string) func() {
	m, _ := c.locks.LoadOrStore(key, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (c *Cache) read(ctx context.Context, key string) (*Entry, bool, error) {
	raw, found, err := c.store.Get(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.logger.Warn("Dropping unreadable best price entry", zap.String("key", key), zap.Error(err))
		return nil, false, nil
	}
	return &e, true, nil
}

func (c *Cache) write(ctx context.Context, key string, side Side, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal best price entry: %w", err)
	}

	ttl := entryTTL
	if side == SideCollectionOffer {
		ttl = collectionOfferTTL
		if e.Empty {
			ttl = collectionOfferEmptyTTL
		}
	}
	return c.store.Set(ctx, key, raw, ttl)
}

// GetBest returns the cached best order, rebuilding it on a miss or once the cached
// order has expired. A nil entry means the collection has no fillable order on that side.
func (c *Cache) GetBest(ctx context.Context, contractAddress string, chainID int64, side Side) (*Entry, error) {
	key := Key(contractAddress, chainID, side)

	e, found, err := c.read(ctx, key)
	if err != nil {
		c.logger.Warn("Best price cache read failed", zap.String("key", key), zap.Error(err))
	}
	if found && (e.Empty || e.EndTime > c.now().Unix()) {
		if e.Empty {
			return nil, nil
		}
		return e, nil
	}

	return c.Force(ctx, contractAddress, chainID, side)
}

// Force recomputes the entry from the Source and overwrites the cache.
func (c *Cache) Force(ctx context.Context, contractAddress string, chainID int64, side Side) (*Entry, error) {
	key := Key(contractAddress, chainID, side)
	unlock := c.lock(key)
	defer unlock()

	return c.force(ctx, key, contractAddress, chainID, side)
}

func (c *Cache) force(ctx context.Context, key, contractAddress string, chainID int64, side Side) (*Entry, error) {
	now := c.now().Unix()

	var (
		order *model.Order
		err   error
	)
	switch side {
	case SideListing:
		order, err = c.source.BestOrder(ctx, contractAddress, chainID, model.CategoryListing, now)
	case SideOffer:
		order, err = c.source.BestOrder(ctx, contractAddress, chainID, model.CategoryOffer, now)
	case SideCollectionOffer:
		order, err = c.source.BestCollectionOffer(ctx, contractAddress, chainID, now)
	default:
		return nil, fmt.Errorf("unknown best price side %q", side)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to recompute best price: %w", err)
	}

	entry := Entry{Empty: true, ChainID: chainID}
	if order != nil {
		entry = EntryFromOrder(order)
	}

	if err := c.write(ctx, key, side, entry); err != nil {
		c.logger.Warn("Best price cache write failed", zap.String("key", key), zap.Error(err))
	}

	c.logger.Debug("Recomputed best price",
		zap.String("key", key),
		zap.Bool("empty", entry.Empty),
		zap.String("order_id", entry.OrderID))

	if entry.Empty {
		return nil, nil
	}
	return &entry, nil
}

// Live reports whether the order can be filled at now.
func Live(order *model.Order, now int64) bool {
	return order.IsFillable && order.StartTime <= now && order.EndTime > now
}

// Candidate overwrites the cached entry with the order only if it is live and strictly
// better. With nothing usable cached, the entry is rebuilt from the Source instead.
// A dead candidate is never stored; if it is the cached winner the entry is rebuilt.
func (c *Cache) Candidate(ctx context.Context, contractAddress string, chainID int64, side Side, order *model.Order) (bool, error) {
	key := Key(contractAddress, chainID, side)
	unlock := c.lock(key)
	defer unlock()

	current, found, err := c.read(ctx, key)
	if !Live(order, c.now().Unix()) {
		c.logger.Debug("Ignoring best price candidate that is not fillable",
			zap.String("key", key),
			zap.String("order_id", order.ID))
		if err == nil && found && !current.Empty && current.OrderID == order.ID {
			if _, err := c.force(ctx, key, contractAddress, chainID, side); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	if err != nil || !found || (!current.Empty && current.EndTime <= c.now().Unix()) {
		best, err := c.force(ctx, key, contractAddress, chainID, side)
		if err != nil {
			return false, err
		}
		return best != nil && best.OrderID == order.ID, nil
	}

	candidate := EntryFromOrder(order)
	if !current.Empty && !Better(side, candidate, *current) {
		return false, nil
	}

	if err := c.write(ctx, key, side, candidate); err != nil {
		return false, fmt.Errorf("failed to store best price candidate: %w", err)
	}
	return true, nil
}

// RefreshIfBest forces a recompute when the cached winner is the given order.
func (c *Cache) RefreshIfBest(ctx context.Context, contractAddress string, chainID int64, side Side, orderID string) error {
	key := Key(contractAddress, chainID, side)
	current, found, err := c.read(ctx, key)
	if err != nil {
		return err
	}
	if !found || current.Empty || current.OrderID != orderID {
		return nil
	}
	_, err = c.Force(ctx, contractAddress, chainID, side)
	return err
}

// CollectionOffer returns the best collection-wide offer, optionally bypassing the cache.
func (c *Cache) CollectionOffer(ctx context.Context, contractAddress string, chainID int64, force bool) (*Entry, error) {
	if force {
		return c.Force(ctx, contractAddress, chainID, SideCollectionOffer)
	}
	return c.GetBest(ctx, contractAddress, chainID, SideCollectionOffer)
}
