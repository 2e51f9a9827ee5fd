package pricefeed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"orderbook/apps/orderbook/internal/cache"
)

// Feed reads USD rates that an external ticker job publishes into the shared cache.
type Feed struct {
	store  cache.Store
	logger *zap.Logger
}

func New(store cache.Store, logger *zap.Logger) *Feed {
	return &Feed{store: store, logger: logger}
}

func Key(symbol string) string {
	return "price:" + strings.ToUpper(symbol)
}

// GetPrice returns the rate for a pair such as ETHUSD. A missing or unreadable rate
// reports found=false.
func (f *Feed) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	raw, found, err := f.store.Get(ctx, Key(symbol))
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to read price for %s: %w", symbol, err)
	}
	if !found {
		return decimal.Zero, false, nil
	}

	price, err := decimal.NewFromString(strings.TrimSpace(string(raw)))
	if err != nil {
		f.logger.Warn("Ignoring malformed price", zap.String("symbol", symbol), zap.String("value", string(raw)))
		return decimal.Zero, false, nil
	}
	return price, true, nil
}

func (f *Feed) SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ttl time.Duration) error {
	if err := f.store.Set(ctx, Key(symbol), []byte(price.String()), ttl); err != nil {
		return fmt.Errorf("failed to store price for %s: %w", symbol, err)
	}
	return nil
}
