package effect_materializer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orderbook/apps/orderbook/internal/bestprice"
	"orderbook/apps/orderbook/internal/events"
	"orderbook/apps/orderbook/internal/model"
)

type call struct {
	op   string
	args []interface{}
}

type recorder struct {
	calls  []call
	orders map[string]*model.Order
}

func (r *recorder) Force(_ context.Context, contractAddress string, chainID int64, side bestprice.Side) (*bestprice.Entry, error) {
	r.calls = append(r.calls, call{"force", []interface{}{contractAddress, chainID, side}})
	return nil, nil
}

func (r *recorder) Candidate(_ context.Context, contractAddress string, chainID int64, side bestprice.Side, order *model.Order) (bool, error) {
	r.calls = append(r.calls, call{"candidate", []interface{}{contractAddress, chainID, side, order.ID}})
	return true, nil
}

func (r *recorder) GetOrderByID(_ context.Context, id string) (*model.Order, error) {
	return r.orders[id], nil
}

func (r *recorder) RefreshAssetBestOrder(_ context.Context, assetID string, now int64) error {
	r.calls = append(r.calls, call{"asset", []interface{}{assetID, now}})
	return nil
}

func (r *recorder) TransferOwnership(_ context.Context, chainID int64, contractAddress, tokenID, from, to string) error {
	r.calls = append(r.calls, call{"transfer", []interface{}{chainID, contractAddress, tokenID, from, to}})
	return nil
}

func newTestMaterializer(r *recorder) *EffectMaterializer {
	em := newEffectMaterializer(nil, "side-effects", zap.NewNop(), r, r, r)
	em.now = func() time.Time { return time.Unix(1750000000, 0) }
	return em
}

func payload(t *testing.T, v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestApply(t *testing.T) {
	r := &recorder{orders: map[string]*model.Order{"o-1": {ID: "o-1"}}}
	em := newTestMaterializer(r)
	ctx := context.Background()

	require.NoError(t, em.Apply(ctx, model.EffectRefreshBestPrice, payload(t, events.BestPriceRefresh{
		ContractAddress: "0xabc", ChainID: 1, Side: "listing",
	})))
	require.NoError(t, em.Apply(ctx, model.EffectCandidateBestPrice, payload(t, events.BestPriceCandidate{
		ContractAddress: "0xabc", ChainID: 1, Side: "collection_offer", OrderID: "o-1",
	})))
	require.NoError(t, em.Apply(ctx, model.EffectCandidateBestPrice, payload(t, events.BestPriceCandidate{
		ContractAddress: "0xabc", ChainID: 1, Side: "offer", OrderID: "gone",
	})))
	require.NoError(t, em.Apply(ctx, model.EffectRefreshAssetBest, payload(t, events.AssetBestOrderRefresh{AssetID: "a-1"})))
	require.NoError(t, em.Apply(ctx, model.EffectTransferOwnership, payload(t, events.OwnershipTransfer{
		ContractAddress: "0xabc", TokenID: "7", ChainID: 1, FromAddress: "0x01", ToAddress: "0x02", Amount: "1",
	})))
	require.NoError(t, em.Apply(ctx, model.EffectType("something_else"), json.RawMessage(`{}`)))

	assert.Equal(t, []call{
		{"force", []interface{}{"0xabc", int64(1), bestprice.SideListing}},
		{"candidate", []interface{}{"0xabc", int64(1), bestprice.SideCollectionOffer, "o-1"}},
		{"asset", []interface{}{"a-1", int64(1750000000)}},
		{"transfer", []interface{}{int64(1), "0xabc", "7", "0x01", "0x02"}},
	}, r.calls)
}

func TestApplyRejectsUnknownSide(t *testing.T) {
	em := newTestMaterializer(&recorder{})

	err := em.Apply(context.Background(), model.EffectRefreshBestPrice, payload(t, events.BestPriceRefresh{Side: "sideways"}))
	assert.Error(t, err)
}

func TestProcessMessageUnwrapsEnvelope(t *testing.T) {
	r := &recorder{}
	em := newTestMaterializer(r)

	value := payload(t, events.SideEffectEvent{
		OutboxID:   9,
		EffectType: string(model.EffectRefreshAssetBest),
		Payload:    payload(t, events.AssetBestOrderRefresh{AssetID: "a-9"}),
	})
	topic := "side-effects"
	err := em.processMessage(context.Background(), &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic},
		Value:          value,
	})
	require.NoError(t, err)

	require.Len(t, r.calls, 1)
	assert.Equal(t, "asset", r.calls[0].op)
	assert.Equal(t, "a-9", r.calls[0].args[0])
}
