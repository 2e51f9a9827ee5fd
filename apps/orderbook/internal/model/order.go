package model

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

type Category string

const (
	CategoryListing         Category = "listing"
	CategoryOffer           Category = "offer"
	CategoryAuction         Category = "auction"
	CategoryBundle          Category = "bundle"
	CategoryOther           Category = "other"
	CategoryCollectionOffer Category = "collection_offer"
)

type OfferType string

const (
	OfferTypeNormal     OfferType = "normal"
	OfferTypeCollection OfferType = "collection"
	OfferTypeCriteria   OfferType = "criteria"
)

// OrderType is the on-chain order type encoding.
type OrderType int

const (
	OrderTypeFullOpen          OrderType = 0
	OrderTypePartialOpen       OrderType = 1
	OrderTypeFullRestricted    OrderType = 2
	OrderTypePartialRestricted OrderType = 3
)

// IsPartial reports whether the order may be filled fractionally.
func (t OrderType) IsPartial() bool {
	return t == OrderTypePartialOpen || t == OrderTypePartialRestricted
}

type ItemType int

const (
	ItemTypeNative              ItemType = 0
	ItemTypeERC20               ItemType = 1
	ItemTypeERC721              ItemType = 2
	ItemTypeERC1155             ItemType = 3
	ItemTypeERC721WithCriteria  ItemType = 4
	ItemTypeERC1155WithCriteria ItemType = 5
)

func (t ItemType) IsCurrency() bool { return t == ItemTypeNative || t == ItemTypeERC20 }

func (t ItemType) IsNFT() bool { return t >= ItemTypeERC721 }

func (t ItemType) IsCriteria() bool {
	return t == ItemTypeERC721WithCriteria || t == ItemTypeERC1155WithCriteria
}

type Side int

const (
	SideOffer         Side = 0
	SideConsideration Side = 1
)

const (
	PlatformTypeDefault = 0
	PlatformTypeOpenSea = 1
)

type Order struct {
	ID                              string          `db:"id"`
	ChainID                         int64           `db:"chain_id"`
	ExchangeAddress                 string          `db:"exchange_address"`
	Hash                            string          `db:"hash"`
	Offerer                         string          `db:"offerer"`
	Signature                       string          `db:"signature"`
	Category                        Category        `db:"category"`
	OfferType                       OfferType       `db:"offer_type"`
	OrderType                       OrderType       `db:"order_type"`
	StartTime                       int64           `db:"start_time"`
	EndTime                         int64           `db:"end_time"`
	Price                           decimal.Decimal `db:"price"`
	PerPrice                        decimal.Decimal `db:"per_price"`
	Zone                            string          `db:"zone"`
	ZoneHash                        string          `db:"zone_hash"`
	Salt                            string          `db:"salt"`
	ConduitKey                      string          `db:"conduit_key"`
	Counter                         string          `db:"counter"`
	TotalOriginalConsiderationItems int             `db:"total_original_consideration_items"`
	PlatformType                    int             `db:"platform_type"`
	IsFillable                      bool            `db:"is_fillable"`
	IsCancelled                     bool            `db:"is_cancelled"`
	IsExpired                       bool            `db:"is_expired"`
	IsValidated                     bool            `db:"is_validated"`
	CreatedAt                       time.Time       `db:"created_at"`
	UpdatedAt                       time.Time       `db:"updated_at"`

	Assets []OrderAsset `db:"-"`
}

// OfferAssets returns the offer-side legs in their stored order.
func (o *Order) OfferAssets() []OrderAsset {
	return o.assetsOn(SideOffer)
}

// ConsiderationAssets returns the consideration-side legs in their stored order.
func (o *Order) ConsiderationAssets() []OrderAsset {
	return o.assetsOn(SideConsideration)
}

// NFTAssets returns the token legs on both sides, offer side first.
func (o *Order) NFTAssets() []OrderAsset {
	var out []OrderAsset
	for _, side := range []Side{SideOffer, SideConsideration} {
		for _, a := range o.assetsOn(side) {
			if a.ItemType.IsNFT() {
				out = append(out, a)
			}
		}
	}
	return out
}

// CollectionAddress is the token contract of the order's first NFT leg.
func (o *Order) CollectionAddress() string {
	nfts := o.NFTAssets()
	if len(nfts) == 0 {
		return ""
	}
	return nfts[0].Token
}

func (o *Order) assetsOn(side Side) []OrderAsset {
	var out []OrderAsset
	for _, a := range o.Assets {
		if a.Side == side {
			out = append(out, a)
		}
	}
	return out
}

// OrderAsset is one offer or consideration leg. Amounts are base-10 on-chain integers.
type OrderAsset struct {
	ID                   string   `db:"id"`
	OrderID              string   `db:"order_id"`
	Position             int      `db:"position"`
	Side                 Side     `db:"side"`
	ItemType             ItemType `db:"item_type"`
	Token                string   `db:"token"`
	IdentifierOrCriteria string   `db:"identifier_or_criteria"`
	StartAmount          string   `db:"start_amount"`
	EndAmount            string   `db:"end_amount"`
	AvailableAmount      string   `db:"available_amount"`
	Recipient            *string  `db:"recipient"`
	CurrencyID           *string  `db:"currency_id"`
	AssetID              *string  `db:"asset_id"`
}

func (a OrderAsset) StartAmountInt() *big.Int { return parseInt(a.StartAmount) }

func (a OrderAsset) EndAmountInt() *big.Int { return parseInt(a.EndAmount) }

func (a OrderAsset) AvailableAmountInt() *big.Int { return parseInt(a.AvailableAmount) }

func parseInt(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

// OrderFilter narrows order reads. Zero values are ignored.
type OrderFilter struct {
	Hash            string
	ChainID         int64
	ExchangeAddress string
	Offerer         string
	ContractAddress string
	TokenID         string
	Category        Category
	IsFillable      *bool
	Limit           int
	Offset          int
}
