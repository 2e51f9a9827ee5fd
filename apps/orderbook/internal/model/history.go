package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type HistoryCategory string

const (
	HistorySale            HistoryCategory = "sale"
	HistoryList            HistoryCategory = "list"
	HistoryOffer           HistoryCategory = "offer"
	HistoryCollectionOffer HistoryCategory = "collection_offer"
	HistoryCancel          HistoryCategory = "cancel"
)

type HistoryStatus string

const (
	HistoryStatusValidated HistoryStatus = "validated"
	HistoryStatusCancelled HistoryStatus = "cancelled"
	HistoryStatusFulfilled HistoryStatus = "fulfilled"
	HistoryStatusExpired   HistoryStatus = "expired"
)

// OrderHistory is an append-only fact about an order.
type OrderHistory struct {
	ID              string          `db:"id"`
	ContractAddress string          `db:"contract_address"`
	TokenID         string          `db:"token_id"`
	Amount          string          `db:"amount"`
	ChainID         int64           `db:"chain_id"`
	Category        HistoryCategory `db:"category"`
	Status          *HistoryStatus  `db:"order_status"`
	StartTime       int64           `db:"start_time"`
	EndTime         *int64          `db:"end_time"`
	Price           decimal.Decimal `db:"price"`
	CurrencySymbol  string          `db:"currency_symbol"`
	UsdPrice        decimal.Decimal `db:"usd_price"`
	FromAddress     string          `db:"from_address"`
	ToAddress       *string         `db:"to_address"`
	Hash            string          `db:"hash"`
	TxHash          *string         `db:"tx_hash"`
	ExchangeAddress string          `db:"exchange_address"`
	PlatformType    int             `db:"platform_type"`
	IP              *string         `db:"ip"`
	Area            *string         `db:"area"`
	CreatedAt       time.Time       `db:"created_at"`
}
