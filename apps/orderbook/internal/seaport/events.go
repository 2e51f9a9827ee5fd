package seaport

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type Kind string

const (
	KindOrderFulfilled     Kind = "OrderFulfilled"
	KindOrderCancelled     Kind = "OrderCancelled"
	KindOrderValidated     Kind = "OrderValidated"
	KindCounterIncremented Kind = "CounterIncremented"
)

var ErrUnknownEvent = errors.New("unknown event")

// Event is one of OrderFulfilled, OrderCancelled, OrderValidated or CounterIncremented.
type Event interface {
	Kind() Kind
	Log() LogMeta
	sealed()
}

// LogMeta locates the log an event was decoded from.
type LogMeta struct {
	Exchange    common.Address
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
}

func (m LogMeta) Log() LogMeta { return m }

func (LogMeta) sealed() {}

type SpentItem struct {
	ItemType   uint8
	Token      common.Address
	Identifier *big.Int
	Amount     *big.Int
}

type ReceivedItem struct {
	ItemType   uint8
	Token      common.Address
	Identifier *big.Int
	Amount     *big.Int
	Recipient  common.Address
}

type OrderFulfilled struct {
	LogMeta
	OrderHash     common.Hash
	Offerer       common.Address
	Zone          common.Address
	Recipient     common.Address
	Offer         []SpentItem
	Consideration []ReceivedItem
}

func (OrderFulfilled) Kind() Kind { return KindOrderFulfilled }

type OrderCancelled struct {
	LogMeta
	OrderHash common.Hash
	Offerer   common.Address
	Zone      common.Address
}

func (OrderCancelled) Kind() Kind { return KindOrderCancelled }

type OrderValidated struct {
	LogMeta
	OrderHash common.Hash
	Offerer   common.Address
	Zone      common.Address
}

func (OrderValidated) Kind() Kind { return KindOrderValidated }

type CounterIncremented struct {
	LogMeta
	NewCounter *big.Int
	Offerer    common.Address
}

func (CounterIncremented) Kind() Kind { return KindCounterIncremented }

// DecodeLog turns a raw exchange log into its typed event.
func DecodeLog(eventLog types.Log) (Event, error) {
	if len(eventLog.Topics) == 0 {
		return nil, ErrUnknownEvent
	}

	meta := LogMeta{
		Exchange:    eventLog.Address,
		TxHash:      eventLog.TxHash,
		BlockNumber: eventLog.BlockNumber,
		LogIndex:    eventLog.Index,
	}

	switch eventLog.Topics[0] {
	case OrderFulfilledSig:
		if len(eventLog.Topics) < 3 {
			return nil, fmt.Errorf("OrderFulfilled: expected 3 topics, got %d", len(eventLog.Topics))
		}
		var data struct {
			OrderHash     [32]byte
			Recipient     common.Address
			Offer         []SpentItem
			Consideration []ReceivedItem
		}
		if err := exchangeABI.UnpackIntoInterface(&data, "OrderFulfilled", eventLog.Data); err != nil {
			return nil, fmt.Errorf("failed to unpack OrderFulfilled: %w", err)
		}
		return OrderFulfilled{
			LogMeta:       meta,
			OrderHash:     data.OrderHash,
			Offerer:       common.BytesToAddress(eventLog.Topics[1].Bytes()),
			Zone:          common.BytesToAddress(eventLog.Topics[2].Bytes()),
			Recipient:     data.Recipient,
			Offer:         data.Offer,
			Consideration: data.Consideration,
		}, nil

	case OrderCancelledSig, OrderValidatedSig:
		if len(eventLog.Topics) < 3 {
			return nil, fmt.Errorf("order event: expected 3 topics, got %d", len(eventLog.Topics))
		}
		var data struct {
			OrderHash [32]byte
		}
		name := "OrderCancelled"
		if eventLog.Topics[0] == OrderValidatedSig {
			name = "OrderValidated"
		}
		if err := exchangeABI.UnpackIntoInterface(&data, name, eventLog.Data); err != nil {
			return nil, fmt.Errorf("failed to unpack %s: %w", name, err)
		}
		offerer := common.BytesToAddress(eventLog.Topics[1].Bytes())
		zone := common.BytesToAddress(eventLog.Topics[2].Bytes())
		if name == "OrderValidated" {
			return OrderValidated{LogMeta: meta, OrderHash: data.OrderHash, Offerer: offerer, Zone: zone}, nil
		}
		return OrderCancelled{LogMeta: meta, OrderHash: data.OrderHash, Offerer: offerer, Zone: zone}, nil

	case CounterIncrementedSig:
		if len(eventLog.Topics) < 2 {
			return nil, fmt.Errorf("CounterIncremented: expected 2 topics, got %d", len(eventLog.Topics))
		}
		var data struct {
			NewCounter *big.Int
		}
		if err := exchangeABI.UnpackIntoInterface(&data, "CounterIncremented", eventLog.Data); err != nil {
			return nil, fmt.Errorf("failed to unpack CounterIncremented: %w", err)
		}
		return CounterIncremented{
			LogMeta:    meta,
			NewCounter: data.NewCounter,
			Offerer:    common.BytesToAddress(eventLog.Topics[1].Bytes()),
		}, nil
	}

	return nil, fmt.Errorf("%w: topic %s", ErrUnknownEvent, eventLog.Topics[0].Hex())
}
