package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"orderbook/apps/orderbook/internal/cache"
	"orderbook/apps/orderbook/internal/seaport"
)

// Reconciler applies each kind of exchange event to the order store.
type Reconciler interface {
	HandleFulfilled(ctx context.Context, ev seaport.OrderFulfilled, chainID int64, blockTime uint64) error
	HandleCancelled(ctx context.Context, ev seaport.OrderCancelled, chainID int64, blockTime uint64) error
	HandleValidated(ctx context.Context, ev seaport.OrderValidated, chainID int64) error
	HandleNonceBump(ctx context.Context, ev seaport.CounterIncremented, chainID int64) error
}

type BlockClock interface {
	BlockTime(ctx context.Context, chainID int64, number uint64) (uint64, error)
}

// Group is the events of one kind emitted by one transaction.
type Group struct {
	ChainID int64
	TxHash  common.Hash
	Kind    seaport.Kind
	Events  []seaport.Event
}

type Dispatcher struct {
	seen       cache.Store
	ttl        time.Duration
	reconciler Reconciler
	clock      BlockClock
	logger     *zap.Logger
}

func New(seen cache.Store, ttl time.Duration, reconciler Reconciler, clock BlockClock, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{seen: seen, ttl: ttl, reconciler: reconciler, clock: clock, logger: logger}
}

// Dispatch routes a group's events in log order. A failed event does not stop the rest
// of the group; every failure is returned so the batch is retried, and only the failed
// events lose their dedup keys.
func (d *Dispatcher) Dispatch(ctx context.Context, g Group) error {
	blockTimes := map[uint64]uint64{}
	var errs []error

	for _, ev := range g.Events {
		key := Key(g.ChainID, ev)

		fresh, err := d.seen.SetNX(ctx, key, []byte("1"), d.ttl)
		if err != nil {
			d.logger.Warn("Event dedup check failed, dispatching anyway", zap.String("key", key), zap.Error(err))
			fresh = true
		}
		if !fresh {
			d.logger.Debug("Skipping recently seen event",
				zap.String("key", key),
				zap.Int64("chain_id", g.ChainID),
				zap.String("tx_hash", ev.Log().TxHash.Hex()))
			continue
		}

		if err := d.route(ctx, g.ChainID, ev, blockTimes); err != nil {
			// A failed event must be retried with the batch, not deduplicated.
			if delErr := d.seen.Delete(ctx, key); delErr != nil {
				d.logger.Warn("Failed to clear event dedup key", zap.String("key", key), zap.Error(delErr))
			}
			d.logger.Error("Failed to handle event",
				zap.String("key", key),
				zap.Int64("chain_id", g.ChainID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("failed to handle %s in %s: %w", ev.Kind(), ev.Log().TxHash.Hex(), err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) route(ctx context.Context, chainID int64, ev seaport.Event, blockTimes map[uint64]uint64) error {
	switch e := ev.(type) {
	case seaport.OrderFulfilled:
		ts, err := d.blockTime(ctx, chainID, e.BlockNumber, blockTimes)
		if err != nil {
			return err
		}
		return d.reconciler.HandleFulfilled(ctx, e, chainID, ts)
	case seaport.OrderCancelled:
		ts, err := d.blockTime(ctx, chainID, e.BlockNumber, blockTimes)
		if err != nil {
			return err
		}
		return d.reconciler.HandleCancelled(ctx, e, chainID, ts)
	case seaport.OrderValidated:
		return d.reconciler.HandleValidated(ctx, e, chainID)
	case seaport.CounterIncremented:
		return d.reconciler.HandleNonceBump(ctx, e, chainID)
	default:
		return fmt.Errorf("%w: %T", seaport.ErrUnknownEvent, ev)
	}
}

func (d *Dispatcher) blockTime(ctx context.Context, chainID int64, number uint64, known map[uint64]uint64) (uint64, error) {
	if ts, ok := known[number]; ok {
		return ts, nil
	}
	ts, err := d.clock.BlockTime(ctx, chainID, number)
	if err != nil {
		return 0, fmt.Errorf("failed to get block time: %w", err)
	}
	known[number] = ts
	return ts, nil
}

// Key is the dedup key of an event: its kind, chain, transaction and full argument tuple.
func Key(chainID int64, ev seaport.Event) string {
	var args []string
	switch e := ev.(type) {
	case seaport.OrderFulfilled:
		args = []string{strings.ToLower(e.OrderHash.Hex()), strings.ToLower(e.Offerer.Hex()), strings.ToLower(e.Zone.Hex()), strings.ToLower(e.Recipient.Hex())}
		for _, it := range e.Offer {
			args = append(args, fmt.Sprintf("%d/%s/%s/%s", it.ItemType, strings.ToLower(it.Token.Hex()), it.Identifier, it.Amount))
		}
		for _, it := range e.Consideration {
			args = append(args, fmt.Sprintf("%d/%s/%s/%s/%s", it.ItemType, strings.ToLower(it.Token.Hex()), it.Identifier, it.Amount, strings.ToLower(it.Recipient.Hex())))
		}
	case seaport.OrderCancelled:
		args = []string{strings.ToLower(e.OrderHash.Hex()), strings.ToLower(e.Offerer.Hex()), strings.ToLower(e.Zone.Hex())}
	case seaport.OrderValidated:
		args = []string{strings.ToLower(e.OrderHash.Hex()), strings.ToLower(e.Offerer.Hex()), strings.ToLower(e.Zone.Hex())}
	case seaport.CounterIncremented:
		args = []string{e.NewCounter.String(), strings.ToLower(e.Offerer.Hex())}
	}

	meta := ev.Log()
	return fmt.Sprintf("event:%s:%d:%s:%s:%s", ev.Kind(), chainID, strings.ToLower(meta.Exchange.Hex()), strings.ToLower(meta.TxHash.Hex()), strings.Join(args, ","))
}
