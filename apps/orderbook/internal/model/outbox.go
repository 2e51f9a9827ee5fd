package model

import (
	"encoding/json"
	"time"
)

type EffectType string

const (
	EffectRefreshBestPrice   EffectType = "refresh_best_price"
	EffectCandidateBestPrice EffectType = "candidate_best_price"
	EffectRefreshAssetBest   EffectType = "refresh_asset_best_order"
	EffectTransferOwnership  EffectType = "transfer_ownership"
)

// OutboxEvent is a post-commit side effect waiting to be relayed.
type OutboxEvent struct {
	ID         int64           `db:"id"`
	EffectType EffectType      `db:"effect_type"`
	Status     string          `db:"status"`
	Key        string          `db:"partition_key"`
	Payload    json.RawMessage `db:"payload"`
	CreatedAt  time.Time       `db:"created_at"`
}
