package model

import (
	"time"
)

type Currency struct {
	ID       string `db:"id"`
	ChainID  int64  `db:"chain_id"`
	Address  string `db:"address"`
	Symbol   string `db:"symbol"`
	Decimals int    `db:"decimals"`
}

// RegisteredAsset is an NFT known to the marketplace.
type RegisteredAsset struct {
	ID              string    `db:"id"`
	ChainID         int64     `db:"chain_id"`
	ContractAddress string    `db:"contract_address"`
	TokenID         string    `db:"token_id"`
	CollectionSlug  string    `db:"collection_slug"`
	OwnerAddress    string    `db:"owner_address"`
	CreatedAt       time.Time `db:"created_at"`
}

type PollProgress struct {
	ChainID         int64     `db:"chain_id"`
	LastPolledBlock uint64    `db:"last_polled_block"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// OwnerWallet links an account to one of its wallets.
type OwnerWallet struct {
	OwnerID string `db:"owner_id"`
	Address string `db:"address"`
}
