package events

import (
	"encoding/json"
	"time"
)

// SideEffectEvent is the Kafka envelope for a relayed outbox row.
type SideEffectEvent struct {
	OutboxID   int64           `json:"outbox_id"`
	EffectType string          `json:"effect_type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	Timestamp  time.Time       `json:"timestamp"`
}

// BestPriceRefresh asks for a best-price recompute for one collection and side.
type BestPriceRefresh struct {
	ContractAddress string `json:"contract_address"`
	ChainID         int64  `json:"chain_id"`
	Side            string `json:"side"`
}

// BestPriceCandidate offers a newly created order as a best-price candidate.
type BestPriceCandidate struct {
	ContractAddress string `json:"contract_address"`
	ChainID         int64  `json:"chain_id"`
	Side            string `json:"side"`
	OrderID         string `json:"order_id"`
}

type AssetBestOrderRefresh struct {
	AssetID string `json:"asset_id"`
}

type OwnershipTransfer struct {
	ContractAddress string `json:"contract_address"`
	TokenID         string `json:"token_id"`
	ChainID         int64  `json:"chain_id"`
	FromAddress     string `json:"from_address"`
	ToAddress       string `json:"to_address"`
	Amount          string `json:"amount"`
}
