package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderbook/apps/orderbook/internal/assets"
	"orderbook/apps/orderbook/internal/model"
)

// CatalogRepository reads registered currencies, assets and owner wallets, and
// maintains the per-asset best order projection.
type CatalogRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewCatalogRepository(db *sql.DB, logger *zap.Logger) *CatalogRepository {
	return &CatalogRepository{db: db, logger: logger}
}

// SeedCurrencies registers the built-in currencies. Existing rows are left untouched.
func (r *CatalogRepository) SeedCurrencies(ctx context.Context, currencies []*assets.Currency) error {
	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		for _, c := range currencies {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO currencies (id, chain_id, address, symbol, decimals)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (chain_id, address) DO NOTHING
			`, uuid.NewString(), c.ChainID, c.AddressLower(), c.Symbol, c.Decimals)
			if err != nil {
				return fmt.Errorf("failed to seed currency %s on chain %d: %w", c.Symbol, c.ChainID, err)
			}
		}
		return nil
	})
}

func (r *CatalogRepository) GetCurrency(ctx context.Context, chainID int64, address string) (*model.Currency, error) {
	var c model.Currency
	err := r.db.QueryRowContext(ctx, `
		SELECT id, chain_id, address, symbol, decimals
		FROM currencies
		WHERE chain_id = $1 AND address = $2
	`, chainID, strings.ToLower(address)).Scan(&c.ID, &c.ChainID, &c.Address, &c.Symbol, &c.Decimals)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get currency: %w", err)
	}
	return &c, nil
}

func (r *CatalogRepository) GetAsset(ctx context.Context, chainID int64, contractAddress, tokenID string) (*model.RegisteredAsset, error) {
	var a model.RegisteredAsset
	err := r.db.QueryRowContext(ctx, `
		SELECT id, chain_id, contract_address, token_id, collection_slug, owner_address, created_at
		FROM assets
		WHERE chain_id = $1 AND contract_address = $2 AND token_id = $3
	`, chainID, strings.ToLower(contractAddress), tokenID).Scan(&a.ID, &a.ChainID, &a.ContractAddress, &a.TokenID,
		&a.CollectionSlug, &a.OwnerAddress, &a.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return &a, nil
}

// CollectionExists reports whether any asset of the contract is registered on the chain.
func (r *CatalogRepository) CollectionExists(ctx context.Context, chainID int64, contractAddress string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM assets WHERE chain_id = $1 AND contract_address = $2)
	`, chainID, strings.ToLower(contractAddress)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check collection: %w", err)
	}
	return exists, nil
}

// GetCollectionContract resolves a collection slug to its contract address on a chain.
func (r *CatalogRepository) GetCollectionContract(ctx context.Context, slug string, chainID int64) (string, error) {
	var contract string
	err := r.db.QueryRowContext(ctx, `
		SELECT contract_address FROM assets
		WHERE collection_slug = $1 AND chain_id = $2
		LIMIT 1
	`, slug, chainID).Scan(&contract)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to get collection contract: %w", err)
	}
	return contract, nil
}

func (r *CatalogRepository) GetWalletsByOwner(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT address FROM owner_wallets WHERE owner_id = $1 ORDER BY address
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get owner wallets: %w", err)
	}
	defer rows.Close()

	var wallets []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("failed to scan owner wallet: %w", err)
		}
		wallets = append(wallets, w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating owner wallets: %w", err)
	}

	return wallets, nil
}

// TransferOwnership records the new owner of a sold token.
func (r *CatalogRepository) TransferOwnership(ctx context.Context, chainID int64, contractAddress, tokenID, from, to string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE assets SET owner_address = $4
		WHERE chain_id = $1 AND contract_address = $2 AND token_id = $3
			AND (owner_address = '' OR owner_address = $5)
	`, chainID, strings.ToLower(contractAddress), tokenID, strings.ToLower(to), strings.ToLower(from))
	if err != nil {
		return fmt.Errorf("failed to transfer ownership: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		r.logger.Debug("Ownership transfer skipped",
			zap.String("contract_address", contractAddress),
			zap.String("token_id", tokenID),
			zap.String("from", from))
	}
	return nil
}

// RefreshAssetBestOrder recomputes the best listing and best offer for one asset.
func (r *CatalogRepository) RefreshAssetBestOrder(ctx context.Context, assetID string, now int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO asset_best_order (asset_id, best_listing_order_id, best_offer_order_id, updated_at)
		VALUES (
			$1,
			(SELECT o.id FROM seaport_order o JOIN seaport_order_asset a ON a.order_id = o.id
				WHERE a.asset_id = $1 AND a.side = 0 AND o.category = 'listing' AND o.is_fillable
					AND o.start_time <= $2 AND o.end_time > $2
				ORDER BY o.per_price ASC, o.platform_type ASC, o.end_time DESC LIMIT 1),
			(SELECT o.id FROM seaport_order o JOIN seaport_order_asset a ON a.order_id = o.id
				WHERE a.asset_id = $1 AND a.side = 1 AND o.category = 'offer' AND o.is_fillable
					AND o.start_time <= $2 AND o.end_time > $2
				ORDER BY o.per_price DESC, o.platform_type ASC, o.end_time DESC LIMIT 1),
			NOW()
		)
		ON CONFLICT (asset_id) DO UPDATE SET
			best_listing_order_id = EXCLUDED.best_listing_order_id,
			best_offer_order_id = EXCLUDED.best_offer_order_id,
			updated_at = NOW()
	`, assetID, now)
	if err != nil {
		return fmt.Errorf("failed to refresh asset best order: %w", err)
	}
	return nil
}
