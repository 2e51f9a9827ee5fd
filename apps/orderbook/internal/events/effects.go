package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"orderbook/apps/orderbook/internal/bestprice"
	"orderbook/apps/orderbook/internal/model"
)

func newEffect(effectType model.EffectType, key string, payload interface{}) model.OutboxEvent {
	raw, _ := json.Marshal(payload)
	return model.OutboxEvent{
		EffectType: effectType,
		Key:        key,
		Payload:    raw,
	}
}

func RefreshBestPriceEffect(contractAddress string, chainID int64, side bestprice.Side) model.OutboxEvent {
	contractAddress = strings.ToLower(contractAddress)
	return newEffect(model.EffectRefreshBestPrice, bestprice.Key(contractAddress, chainID, side), BestPriceRefresh{
		ContractAddress: contractAddress,
		ChainID:         chainID,
		Side:            string(side),
	})
}

func CandidateBestPriceEffect(contractAddress string, chainID int64, side bestprice.Side, orderID string) model.OutboxEvent {
	contractAddress = strings.ToLower(contractAddress)
	return newEffect(model.EffectCandidateBestPrice, bestprice.Key(contractAddress, chainID, side), BestPriceCandidate{
		ContractAddress: contractAddress,
		ChainID:         chainID,
		Side:            string(side),
		OrderID:         orderID,
	})
}

func AssetBestOrderEffect(assetID string) model.OutboxEvent {
	return newEffect(model.EffectRefreshAssetBest, "asset:"+assetID, AssetBestOrderRefresh{AssetID: assetID})
}

func OwnershipTransferEffect(t OwnershipTransfer) model.OutboxEvent {
	key := fmt.Sprintf("%s:%d:%s", strings.ToLower(t.ContractAddress), t.ChainID, t.TokenID)
	return newEffect(model.EffectTransferOwnership, key, t)
}

// OrderRefreshEffects forces a best-price recompute on every (collection, side) the
// orders can win and refreshes the best-order projection of every linked asset.
func OrderRefreshEffects(orders []model.Order) []model.OutboxEvent {
	var out []model.OutboxEvent
	seen := map[string]bool{}

	for i := range orders {
		o := &orders[i]
		if contract := o.CollectionAddress(); contract != "" {
			for _, side := range bestprice.SidesFor(o) {
				key := bestprice.Key(contract, o.ChainID, side)
				if seen[key] {
					continue
				}
				seen[key] = true
				out = append(out, RefreshBestPriceEffect(contract, o.ChainID, side))
			}
		}
		out = append(out, assetEffects(o, seen)...)
	}
	return out
}

// OrderCandidateEffects offers a fresh order to every side it can win.
func OrderCandidateEffects(o *model.Order) []model.OutboxEvent {
	var out []model.OutboxEvent
	if contract := o.CollectionAddress(); contract != "" {
		for _, side := range bestprice.SidesFor(o) {
			out = append(out, CandidateBestPriceEffect(contract, o.ChainID, side, o.ID))
		}
	}
	return append(out, assetEffects(o, map[string]bool{})...)
}

func assetEffects(o *model.Order, seen map[string]bool) []model.OutboxEvent {
	var out []model.OutboxEvent
	for _, a := range o.Assets {
		if a.AssetID == nil || seen["asset:"+*a.AssetID] {
			continue
		}
		seen["asset:"+*a.AssetID] = true
		out = append(out, AssetBestOrderEffect(*a.AssetID))
	}
	return out
}
