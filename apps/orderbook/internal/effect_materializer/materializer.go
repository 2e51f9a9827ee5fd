package effect_materializer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"

	"orderbook/apps/orderbook/internal/bestprice"
	"orderbook/apps/orderbook/internal/events"
	"orderbook/apps/orderbook/internal/model"
)

const readTimeout = time.Second

// Consumer is the part of *kafka.Consumer the materializer uses.
type Consumer interface {
	Subscribe(topic string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	Close() error
}

type BestPrice interface {
	Force(ctx context.Context, contractAddress string, chainID int64, side bestprice.Side) (*bestprice.Entry, error)
	Candidate(ctx context.Context, contractAddress string, chainID int64, side bestprice.Side, order *model.Order) (bool, error)
}

type OrderReader interface {
	GetOrderByID(ctx context.Context, id string) (*model.Order, error)
}

type Catalog interface {
	RefreshAssetBestOrder(ctx context.Context, assetID string, now int64) error
	TransferOwnership(ctx context.Context, chainID int64, contractAddress, tokenID, from, to string) error
}

// EffectMaterializer consumes relayed outbox rows and applies them to the best-price
// cache, the per-asset best-order projection and asset ownership. Every effect is
// safe to apply more than once.
type EffectMaterializer struct {
	logger   *zap.Logger
	consumer Consumer
	topic    string
	best     BestPrice
	orders   OrderReader
	catalog  Catalog
	now      func() time.Time
}

func NewEffectMaterializer(kafkaBroker, kafkaTopic string, logger *zap.Logger, best BestPrice, orders OrderReader, catalog Catalog) (*EffectMaterializer, error) {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": kafkaBroker,
		"group.id":          "effect-materializer",
		"auto.offset.reset": "earliest",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}
	return newEffectMaterializer(consumer, kafkaTopic, logger, best, orders, catalog), nil
}

func newEffectMaterializer(consumer Consumer, kafkaTopic string, logger *zap.Logger, best BestPrice, orders OrderReader, catalog Catalog) *EffectMaterializer {
	return &EffectMaterializer{
		logger:   logger,
		consumer: consumer,
		topic:    kafkaTopic,
		best:     best,
		orders:   orders,
		catalog:  catalog,
		now:      time.Now,
	}
}

func (em *EffectMaterializer) Start(ctx context.Context) error {
	em.logger.Info("Starting effect materializer", zap.String("topic", em.topic))

	if err := em.consumer.Subscribe(em.topic, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", em.topic, err)
	}

	for ctx.Err() == nil {
		msg, err := em.consumer.ReadMessage(readTimeout)
		if err != nil {
			if kerr, ok := err.(kafka.Error); ok && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			em.logger.Error("Error reading message from Kafka", zap.Error(err))
			continue
		}

		if err := em.processMessage(ctx, msg); err != nil {
			em.logger.Error("Error processing message",
				zap.String("topic", *msg.TopicPartition.Topic),
				zap.Int32("partition", msg.TopicPartition.Partition),
				zap.String("key", string(msg.Key)),
				zap.Error(err))
		}
	}
	return nil
}

func (em *EffectMaterializer) processMessage(ctx context.Context, msg *kafka.Message) error {
	var envelope events.SideEffectEvent
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return fmt.Errorf("failed to unmarshal side effect: %w", err)
	}
	return em.Apply(ctx, model.EffectType(envelope.EffectType), envelope.Payload)
}

// Apply runs one side effect.
func (em *EffectMaterializer) Apply(ctx context.Context, effectType model.EffectType, payload json.RawMessage) error {
	switch effectType {
	case model.EffectRefreshBestPrice:
		var e events.BestPriceRefresh
		if err := json.Unmarshal(payload, &e); err != nil {
			return fmt.Errorf("failed to unmarshal best price refresh: %w", err)
		}
		side, ok := bestprice.ParseSide(e.Side)
		if !ok {
			return fmt.Errorf("unknown best price side %q", e.Side)
		}
		_, err := em.best.Force(ctx, e.ContractAddress, e.ChainID, side)
		return err

	case model.EffectCandidateBestPrice:
		var e events.BestPriceCandidate
		if err := json.Unmarshal(payload, &e); err != nil {
			return fmt.Errorf("failed to unmarshal best price candidate: %w", err)
		}
		side, ok := bestprice.ParseSide(e.Side)
		if !ok {
			return fmt.Errorf("unknown best price side %q", e.Side)
		}
		order, err := em.orders.GetOrderByID(ctx, e.OrderID)
		if err != nil {
			return err
		}
		if order == nil {
			em.logger.Debug("Candidate order no longer exists", zap.String("order_id", e.OrderID))
			return nil
		}
		_, err = em.best.Candidate(ctx, e.ContractAddress, e.ChainID, side, order)
		return err

	case model.EffectRefreshAssetBest:
		var e events.AssetBestOrderRefresh
		if err := json.Unmarshal(payload, &e); err != nil {
			return fmt.Errorf("failed to unmarshal asset refresh: %w", err)
		}
		return em.catalog.RefreshAssetBestOrder(ctx, e.AssetID, em.now().Unix())

	case model.EffectTransferOwnership:
		var e events.OwnershipTransfer
		if err := json.Unmarshal(payload, &e); err != nil {
			return fmt.Errorf("failed to unmarshal ownership transfer: %w", err)
		}
		return em.catalog.TransferOwnership(ctx, e.ChainID, e.ContractAddress, e.TokenID, e.FromAddress, e.ToAddress)

	default:
		em.logger.Warn("Unknown effect type", zap.String("effect_type", string(effectType)))
		return nil
	}
}

func (em *EffectMaterializer) Close() error {
	if em.consumer != nil {
		return em.consumer.Close()
	}
	return nil
}
