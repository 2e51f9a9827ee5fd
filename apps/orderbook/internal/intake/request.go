package intake

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"orderbook/apps/orderbook/internal/model"
	"orderbook/apps/orderbook/internal/seaport"
)

// OrderItem is one submitted offer or consideration leg.
type OrderItem struct {
	ItemType             model.ItemType `json:"itemType"`
	Token                string         `json:"token"`
	IdentifierOrCriteria string         `json:"identifierOrCriteria"`
	StartAmount          string         `json:"startAmount"`
	EndAmount            string         `json:"endAmount"`
	Recipient            string         `json:"recipient,omitempty"`
}

// OrderRequest is a signed order as submitted by a client.
type OrderRequest struct {
	ChainID                         int64           `json:"chainId"`
	ExchangeAddress                 string          `json:"exchangeAddress"`
	Hash                            string          `json:"hash"`
	Offerer                         string          `json:"offerer"`
	Signature                       string          `json:"signature"`
	Category                        model.Category  `json:"category"`
	OrderType                       model.OrderType `json:"orderType"`
	StartTime                       int64           `json:"startTime"`
	EndTime                         int64           `json:"endTime"`
	Zone                            string          `json:"zone"`
	ZoneHash                        string          `json:"zoneHash"`
	Salt                            string          `json:"salt"`
	ConduitKey                      string          `json:"conduitKey"`
	Counter                         string          `json:"counter"`
	TotalOriginalConsiderationItems int             `json:"totalOriginalConsiderationItems"`
	Offer                           []OrderItem     `json:"offer"`
	Consideration                   []OrderItem     `json:"consideration"`

	IP   string `json:"-"`
	Area string `json:"-"`
}

// buildOrder maps a request onto a fresh fillable order. Addresses are lower-cased and
// integers normalised to base 10; every leg starts fully available.
func buildOrder(req OrderRequest) (*model.Order, error) {
	salt, err := seaport.ParseUint(req.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: salt: %v", ErrInvalidOrder, err)
	}
	counter, err := seaport.ParseUint(req.Counter)
	if err != nil {
		return nil, fmt.Errorf("%w: counter: %v", ErrInvalidOrder, err)
	}

	order := &model.Order{
		ID:                              uuid.NewString(),
		ChainID:                         req.ChainID,
		ExchangeAddress:                 strings.ToLower(req.ExchangeAddress),
		Hash:                            strings.ToLower(req.Hash),
		Offerer:                         strings.ToLower(req.Offerer),
		Signature:                       req.Signature,
		Category:                        req.Category,
		OrderType:                       req.OrderType,
		StartTime:                       req.StartTime,
		EndTime:                         req.EndTime,
		Zone:                            strings.ToLower(req.Zone),
		ZoneHash:                        req.ZoneHash,
		Salt:                            salt.String(),
		ConduitKey:                      req.ConduitKey,
		Counter:                         counter.String(),
		TotalOriginalConsiderationItems: req.TotalOriginalConsiderationItems,
		IsFillable:                      true,
	}
	if order.TotalOriginalConsiderationItems == 0 {
		order.TotalOriginalConsiderationItems = len(req.Consideration)
	}

	for i, item := range req.Offer {
		leg, err := buildLeg(order.ID, model.SideOffer, i, item)
		if err != nil {
			return nil, err
		}
		order.Assets = append(order.Assets, leg)
	}
	for i, item := range req.Consideration {
		leg, err := buildLeg(order.ID, model.SideConsideration, i, item)
		if err != nil {
			return nil, err
		}
		order.Assets = append(order.Assets, leg)
	}

	return order, nil
}

func buildLeg(orderID string, side model.Side, position int, item OrderItem) (model.OrderAsset, error) {
	if item.ItemType < model.ItemTypeNative || item.ItemType > model.ItemTypeERC1155WithCriteria {
		return model.OrderAsset{}, fmt.Errorf("%w: unknown item type %d", ErrInvalidOrder, item.ItemType)
	}
	if !common.IsHexAddress(item.Token) {
		return model.OrderAsset{}, fmt.Errorf("%w: bad token address %q", ErrInvalidOrder, item.Token)
	}

	id, err := seaport.ParseUint(item.IdentifierOrCriteria)
	if err != nil {
		return model.OrderAsset{}, fmt.Errorf("%w: identifier: %v", ErrInvalidOrder, err)
	}
	start, err := seaport.ParseUint(item.StartAmount)
	if err != nil {
		return model.OrderAsset{}, fmt.Errorf("%w: start amount: %v", ErrInvalidOrder, err)
	}
	end, err := seaport.ParseUint(item.EndAmount)
	if err != nil {
		return model.OrderAsset{}, fmt.Errorf("%w: end amount: %v", ErrInvalidOrder, err)
	}

	leg := model.OrderAsset{
		ID:                   uuid.NewString(),
		OrderID:              orderID,
		Position:             position,
		Side:                 side,
		ItemType:             item.ItemType,
		Token:                strings.ToLower(item.Token),
		IdentifierOrCriteria: id.String(),
		StartAmount:          start.String(),
		EndAmount:            end.String(),
		AvailableAmount:      start.String(),
	}
	if side == model.SideConsideration {
		if !common.IsHexAddress(item.Recipient) {
			return model.OrderAsset{}, fmt.Errorf("%w: consideration recipient required", ErrInvalidOrder)
		}
		recipient := strings.ToLower(item.Recipient)
		leg.Recipient = &recipient
	}
	return leg, nil
}
