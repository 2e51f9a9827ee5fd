package repository

import (
	"database/sql"
	"fmt"
)

// schema is applied in order on startup. Every statement is idempotent.
// Currencies are seeded separately by CatalogRepository.SeedCurrencies.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS seaport_order (
		id UUID PRIMARY KEY,
		chain_id BIGINT NOT NULL,
		exchange_address VARCHAR(42) NOT NULL,
		hash VARCHAR(66) NOT NULL,
		offerer VARCHAR(42) NOT NULL,
		signature TEXT NOT NULL,
		category VARCHAR(20) NOT NULL,
		offer_type VARCHAR(20) NOT NULL DEFAULT 'normal',
		order_type INTEGER NOT NULL,
		start_time BIGINT NOT NULL,
		end_time BIGINT NOT NULL,
		price DECIMAL(78,18) NOT NULL,
		per_price DECIMAL(78,18) NOT NULL,
		zone VARCHAR(42) NOT NULL,
		zone_hash VARCHAR(66) NOT NULL,
		salt VARCHAR(80) NOT NULL,
		conduit_key VARCHAR(66) NOT NULL,
		counter NUMERIC(78,0) NOT NULL,
		total_original_consideration_items INTEGER NOT NULL,
		platform_type INTEGER NOT NULL DEFAULT 0,
		is_fillable BOOLEAN NOT NULL DEFAULT TRUE,
		is_cancelled BOOLEAN NOT NULL DEFAULT FALSE,
		is_expired BOOLEAN NOT NULL DEFAULT FALSE,
		is_validated BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
		UNIQUE(hash, chain_id, exchange_address),
		CONSTRAINT terminal_not_fillable CHECK (NOT (is_fillable AND (is_cancelled OR is_expired)))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_seaport_order_offerer_chain ON seaport_order (offerer, chain_id) WHERE is_cancelled = FALSE`,
	`CREATE INDEX IF NOT EXISTS idx_seaport_order_end_time ON seaport_order (end_time) WHERE is_fillable = TRUE`,
	`CREATE TABLE IF NOT EXISTS seaport_order_asset (
		id UUID PRIMARY KEY,
		order_id UUID NOT NULL REFERENCES seaport_order(id),
		position INTEGER NOT NULL,
		side SMALLINT NOT NULL,
		item_type SMALLINT NOT NULL,
		token VARCHAR(42) NOT NULL,
		identifier_or_criteria VARCHAR(80) NOT NULL,
		start_amount NUMERIC(78,0) NOT NULL,
		end_amount NUMERIC(78,0) NOT NULL,
		available_amount NUMERIC(78,0) NOT NULL,
		recipient VARCHAR(42),
		currency_id UUID,
		asset_id UUID,
		UNIQUE(order_id, side, position),
		CONSTRAINT available_amount_bound CHECK (available_amount >= 0 AND available_amount <= start_amount)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_seaport_order_asset_token ON seaport_order_asset (token, identifier_or_criteria, side)`,
	`CREATE TABLE IF NOT EXISTS seaport_order_history (
		id UUID PRIMARY KEY,
		contract_address VARCHAR(42) NOT NULL,
		token_id VARCHAR(80) NOT NULL,
		amount NUMERIC(78,0) NOT NULL,
		chain_id BIGINT NOT NULL,
		category VARCHAR(20) NOT NULL,
		order_status VARCHAR(20),
		start_time BIGINT NOT NULL,
		end_time BIGINT,
		price DECIMAL(78,18) NOT NULL DEFAULT 0,
		currency_symbol VARCHAR(20) NOT NULL DEFAULT '',
		usd_price DECIMAL(78,18) NOT NULL DEFAULT 0,
		from_address VARCHAR(42) NOT NULL,
		to_address VARCHAR(42),
		hash VARCHAR(66) NOT NULL,
		tx_hash VARCHAR(66),
		exchange_address VARCHAR(42) NOT NULL,
		platform_type INTEGER NOT NULL DEFAULT 0,
		ip VARCHAR(64),
		area VARCHAR(64),
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		UNIQUE(hash, tx_hash, chain_id, contract_address, token_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_seaport_order_history_hash ON seaport_order_history (hash, chain_id)`,
	`CREATE TABLE IF NOT EXISTS event_poll_progress (
		chain_id BIGINT PRIMARY KEY,
		last_polled_block BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS event_outbox (
		id BIGSERIAL PRIMARY KEY,
		effect_type VARCHAR(40) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'unsent',
		partition_key VARCHAR(128) NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_outbox_status ON event_outbox (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS currencies (
		id UUID PRIMARY KEY,
		chain_id BIGINT NOT NULL,
		address VARCHAR(42) NOT NULL,
		symbol VARCHAR(20) NOT NULL,
		decimals INTEGER NOT NULL,
		UNIQUE(chain_id, address)
	)`,
	`CREATE TABLE IF NOT EXISTS assets (
		id UUID PRIMARY KEY,
		chain_id BIGINT NOT NULL,
		contract_address VARCHAR(42) NOT NULL,
		token_id VARCHAR(80) NOT NULL,
		collection_slug VARCHAR(128) NOT NULL,
		owner_address VARCHAR(42) NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		UNIQUE(chain_id, contract_address, token_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_assets_collection ON assets (collection_slug, chain_id)`,
	`CREATE TABLE IF NOT EXISTS asset_best_order (
		asset_id UUID PRIMARY KEY REFERENCES assets(id),
		best_listing_order_id UUID,
		best_offer_order_id UUID,
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS owner_wallets (
		owner_id VARCHAR(64) NOT NULL,
		address VARCHAR(42) NOT NULL,
		PRIMARY KEY (owner_id, address)
	)`,
}

// InitMigration creates the tables and indexes the service needs.
func InitMigration(db *sql.DB) error {
	for _, query := range schema {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}
	return nil
}
