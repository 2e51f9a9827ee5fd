package dispatcher

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orderbook/apps/orderbook/internal/cache"
	"orderbook/apps/orderbook/internal/seaport"
)

type recorder struct {
	calls      []string
	blockTimes []uint64
	failNext   error
	failHashes map[common.Hash]bool
	cancelled  []common.Hash
}

func (r *recorder) handle(kind string) error {
	r.calls = append(r.calls, kind)
	if err := r.failNext; err != nil {
		r.failNext = nil
		return err
	}
	return nil
}

func (r *recorder) HandleFulfilled(_ context.Context, _ seaport.OrderFulfilled, _ int64, blockTime uint64) error {
	r.blockTimes = append(r.blockTimes, blockTime)
	return r.handle("fulfilled")
}

func (r *recorder) HandleCancelled(_ context.Context, ev seaport.OrderCancelled, _ int64, blockTime uint64) error {
	r.blockTimes = append(r.blockTimes, blockTime)
	r.cancelled = append(r.cancelled, ev.OrderHash)
	if r.failHashes[ev.OrderHash] {
		r.calls = append(r.calls, "cancelled")
		return errors.New("order row locked")
	}
	return r.handle("cancelled")
}

func (r *recorder) HandleValidated(context.Context, seaport.OrderValidated, int64) error {
	return r.handle("validated")
}

func (r *recorder) HandleNonceBump(context.Context, seaport.CounterIncremented, int64) error {
	return r.handle("counter")
}

type clock struct{ lookups int }

func (c *clock) BlockTime(_ context.Context, _ int64, number uint64) (uint64, error) {
	c.lookups++
	return 1700000000 + number, nil
}

var (
	tx       = common.HexToHash("0xaa")
	exchange = common.HexToAddress("0x0000000000000068F116a894984e2DB1123eB395")
	offerer  = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

func meta(block uint64, index uint) seaport.LogMeta {
	return seaport.LogMeta{Exchange: exchange, TxHash: tx, BlockNumber: block, LogIndex: index}
}

func newDispatcher() (*Dispatcher, *recorder, *clock) {
	r := &recorder{}
	c := &clock{}
	return New(cache.NewMemoryStore(), 30*time.Second, r, c, zap.NewNop()), r, c
}

func TestDispatchRoutesEveryKind(t *testing.T) {
	d, r, c := newDispatcher()
	ctx := context.Background()

	events := []seaport.Event{
		seaport.OrderFulfilled{LogMeta: meta(10, 0), OrderHash: common.HexToHash("0x01"), Offerer: offerer},
		seaport.OrderCancelled{LogMeta: meta(10, 1), OrderHash: common.HexToHash("0x02"), Offerer: offerer},
		seaport.OrderValidated{LogMeta: meta(10, 2), OrderHash: common.HexToHash("0x03"), Offerer: offerer},
		seaport.CounterIncremented{LogMeta: meta(10, 3), NewCounter: big.NewInt(4), Offerer: offerer},
	}
	for _, ev := range events {
		require.NoError(t, d.Dispatch(ctx, Group{ChainID: 1, TxHash: tx, Kind: ev.Kind(), Events: []seaport.Event{ev}}))
	}

	assert.Equal(t, []string{"fulfilled", "cancelled", "validated", "counter"}, r.calls)
	assert.Equal(t, []uint64{1700000010, 1700000010}, r.blockTimes)
	assert.Equal(t, 2, c.lookups)
}

func TestDispatchSkipsRecentlySeenEvent(t *testing.T) {
	d, r, _ := newDispatcher()
	ctx := context.Background()

	ev := seaport.OrderCancelled{LogMeta: meta(10, 0), OrderHash: common.HexToHash("0x02"), Offerer: offerer}
	g := Group{ChainID: 1, TxHash: tx, Kind: ev.Kind(), Events: []seaport.Event{ev}}

	require.NoError(t, d.Dispatch(ctx, g))
	require.NoError(t, d.Dispatch(ctx, g))
	assert.Equal(t, []string{"cancelled"}, r.calls)

	// Same arguments on another chain are a different event.
	g.ChainID = 137
	require.NoError(t, d.Dispatch(ctx, g))
	assert.Len(t, r.calls, 2)
}

func TestDispatchFailureClearsDedupKey(t *testing.T) {
	d, r, _ := newDispatcher()
	ctx := context.Background()

	ev := seaport.OrderValidated{LogMeta: meta(10, 0), OrderHash: common.HexToHash("0x03"), Offerer: offerer}
	g := Group{ChainID: 1, TxHash: tx, Kind: ev.Kind(), Events: []seaport.Event{ev}}

	r.failNext = errors.New("db down")
	require.Error(t, d.Dispatch(ctx, g))

	require.NoError(t, d.Dispatch(ctx, g))
	assert.Equal(t, []string{"validated", "validated"}, r.calls)
}

func TestDispatchFailureDoesNotStopGroup(t *testing.T) {
	d, r, _ := newDispatcher()
	ctx := context.Background()

	first := seaport.OrderCancelled{LogMeta: meta(10, 0), OrderHash: common.HexToHash("0x01"), Offerer: offerer}
	second := seaport.OrderCancelled{LogMeta: meta(10, 1), OrderHash: common.HexToHash("0x02"), Offerer: offerer}
	g := Group{ChainID: 1, TxHash: tx, Kind: first.Kind(), Events: []seaport.Event{first, second}}

	r.failHashes = map[common.Hash]bool{first.OrderHash: true}
	err := d.Dispatch(ctx, g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "order row locked")
	assert.Equal(t, []common.Hash{first.OrderHash, second.OrderHash}, r.cancelled)

	// Only the failed event is dispatched again on retry.
	r.failHashes = nil
	require.NoError(t, d.Dispatch(ctx, g))
	assert.Equal(t, []common.Hash{first.OrderHash, second.OrderHash, first.OrderHash}, r.cancelled)
}

func TestKeyCoversArguments(t *testing.T) {
	a := seaport.CounterIncremented{LogMeta: meta(10, 0), NewCounter: big.NewInt(1), Offerer: offerer}
	b := seaport.CounterIncremented{LogMeta: meta(10, 0), NewCounter: big.NewInt(2), Offerer: offerer}

	assert.NotEqual(t, Key(1, a), Key(1, b))
	assert.Equal(t, Key(1, a), Key(1, a))
	assert.Contains(t, Key(1, a), "event:CounterIncremented:1:")
}
