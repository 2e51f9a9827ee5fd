package api

import (
	"time"

	"github.com/shopspring/decimal"

	"orderbook/apps/orderbook/internal/model"
)

// OrderAssetResponse is one offer or consideration leg of an order.
type OrderAssetResponse struct {
	Side                 string  `json:"side"`
	ItemType             int     `json:"item_type"`
	Token                string  `json:"token"`
	IdentifierOrCriteria string  `json:"identifier_or_criteria"`
	StartAmount          string  `json:"start_amount"`
	EndAmount            string  `json:"end_amount"`
	AvailableAmount      string  `json:"available_amount"`
	Recipient            *string `json:"recipient,omitempty"`
}

// OrderResponse represents the API response for order information
type OrderResponse struct {
	ID              string               `json:"id"`
	Hash            string               `json:"hash"`
	ChainID         int64                `json:"chain_id"`
	ExchangeAddress string               `json:"exchange_address"`
	Offerer         string               `json:"offerer"`
	Category        string               `json:"category"`
	OfferType       string               `json:"offer_type"`
	OrderType       int                  `json:"order_type"`
	Price           decimal.Decimal      `json:"price"`
	PerPrice        decimal.Decimal      `json:"per_price"`
	StartTime       int64                `json:"start_time"`
	EndTime         int64                `json:"end_time"`
	PlatformType    int                  `json:"platform_type"`
	IsFillable      bool                 `json:"is_fillable"`
	IsCancelled     bool                 `json:"is_cancelled"`
	IsExpired       bool                 `json:"is_expired"`
	IsValidated     bool                 `json:"is_validated"`
	CreatedAt       time.Time            `json:"created_at"`
	Offer           []OrderAssetResponse `json:"offer"`
	Consideration   []OrderAssetResponse `json:"consideration"`
}

func toOrderResponse(o *model.Order) OrderResponse {
	resp := OrderResponse{
		ID:              o.ID,
		Hash:            o.Hash,
		ChainID:         o.ChainID,
		ExchangeAddress: o.ExchangeAddress,
		Offerer:         o.Offerer,
		Category:        string(o.Category),
		OfferType:       string(o.OfferType),
		OrderType:       int(o.OrderType),
		Price:           o.Price,
		PerPrice:        o.PerPrice,
		StartTime:       o.StartTime,
		EndTime:         o.EndTime,
		PlatformType:    o.PlatformType,
		IsFillable:      o.IsFillable,
		IsCancelled:     o.IsCancelled,
		IsExpired:       o.IsExpired,
		IsValidated:     o.IsValidated,
		CreatedAt:       o.CreatedAt,
		Offer:           []OrderAssetResponse{},
		Consideration:   []OrderAssetResponse{},
	}
	for _, leg := range o.OfferAssets() {
		resp.Offer = append(resp.Offer, toAssetResponse("offer", leg))
	}
	for _, leg := range o.ConsiderationAssets() {
		resp.Consideration = append(resp.Consideration, toAssetResponse("consideration", leg))
	}
	return resp
}

func toAssetResponse(side string, leg model.OrderAsset) OrderAssetResponse {
	return OrderAssetResponse{
		Side:                 side,
		ItemType:             int(leg.ItemType),
		Token:                leg.Token,
		IdentifierOrCriteria: leg.IdentifierOrCriteria,
		StartAmount:          leg.StartAmount,
		EndAmount:            leg.EndAmount,
		AvailableAmount:      leg.AvailableAmount,
		Recipient:            leg.Recipient,
	}
}

// BulkOrderResult is the outcome of one order of a bulk submission.
type BulkOrderResult struct {
	Hash    string         `json:"hash"`
	Success bool           `json:"success"`
	Order   *OrderResponse `json:"order,omitempty"`
	Error   *ErrorResponse `json:"error,omitempty"`
}

// DisableOrdersRequest represents the request body for disabling an owner's orders
type DisableOrdersRequest struct {
	OwnerID         string `json:"owner_id"`
	ContractAddress string `json:"contract_address"`
	ChainID         int64  `json:"chain_id"`
}

type DisableOrdersResponse struct {
	Disabled int      `json:"disabled"`
	Hashes   []string `json:"hashes"`
}

// BestOfferResponse is the best collection-wide offer, or found=false when there is none.
type BestOfferResponse struct {
	Slug            string          `json:"slug"`
	ContractAddress string          `json:"contract_address"`
	ChainID         int64           `json:"chain_id"`
	Found           bool            `json:"found"`
	OrderID         string          `json:"order_id,omitempty"`
	Hash            string          `json:"hash,omitempty"`
	Price           decimal.Decimal `json:"price"`
	PerPrice        decimal.Decimal `json:"per_price"`
	EndTime         int64           `json:"end_time,omitempty"`
	ExchangeAddress string          `json:"exchange_address,omitempty"`
}

// ErrorResponse represents the API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}
