package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"orderbook/apps/orderbook/internal/model"
)

const orderColumns = `id, chain_id, exchange_address, hash, offerer, signature, category, offer_type, order_type,
	start_time, end_time, price, per_price, zone, zone_hash, salt, conduit_key, counter,
	total_original_consideration_items, platform_type, is_fillable, is_cancelled, is_expired, is_validated,
	created_at, updated_at`

// ErrDuplicateOrder is returned when (hash, chain, exchange) is already stored.
var ErrDuplicateOrder = errors.New("order already exists")

// EffectsFunc builds the side effects for orders touched inside a transaction.
type EffectsFunc func(orders []model.Order) []model.OutboxEvent

// Fulfillment is the unit of work applied for one OrderFulfilled event.
type Fulfillment struct {
	OrderID          string
	Hash             string
	ChainID          int64
	Histories        []model.OrderHistory
	AvailableAmounts map[string]*big.Int // leg id -> available amount
	FullyFilled      bool
	Effects          []model.OutboxEvent
}

// Cancellation flags orders cancelled and appends their history.
type Cancellation struct {
	OrderIDs  []string
	Histories []model.OrderHistory
	Effects   []model.OutboxEvent
}

// Resync carries the recomputed on-chain truth for one order.
type Resync struct {
	OrderID          string
	AvailableAmounts map[string]*big.Int
	IsFillable       bool
	IsCancelled      bool
	IsExpired        bool
	IsValidated      bool
	Effects          []model.OutboxEvent
}

type OrderRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewOrderRepository(db *sql.DB, logger *zap.Logger) *OrderRepository {
	return &OrderRepository{db: db, logger: logger}
}

// CreateOrder writes the order header, its legs, the creation history rows and the
// post-commit side effects in one transaction.
func (r *OrderRepository) CreateOrder(ctx context.Context, order *model.Order, histories []model.OrderHistory, effects []model.OutboxEvent) error {
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO seaport_order (id, chain_id, exchange_address, hash, offerer, signature, category, offer_type,
				order_type, start_time, end_time, price, per_price, zone, zone_hash, salt, conduit_key, counter,
				total_original_consideration_items, platform_type, is_fillable, is_cancelled, is_expired, is_validated)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, TRUE, FALSE, FALSE, FALSE)
		`, order.ID, order.ChainID, order.ExchangeAddress, order.Hash, order.Offerer, order.Signature, order.Category,
			order.OfferType, order.OrderType, order.StartTime, order.EndTime, order.Price, order.PerPrice, order.Zone,
			order.ZoneHash, order.Salt, order.ConduitKey, order.Counter, order.TotalOriginalConsiderationItems, order.PlatformType)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return ErrDuplicateOrder
			}
			return fmt.Errorf("failed to insert order: %w", err)
		}

		for _, a := range order.Assets {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO seaport_order_asset (id, order_id, position, side, item_type, token, identifier_or_criteria,
					start_amount, end_amount, available_amount, recipient, currency_id, asset_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			`, a.ID, order.ID, a.Position, a.Side, a.ItemType, a.Token, a.IdentifierOrCriteria, a.StartAmount,
				a.EndAmount, a.AvailableAmount, a.Recipient, a.CurrencyID, a.AssetID)
			if err != nil {
				return fmt.Errorf("failed to insert order asset: %w", err)
			}
		}

		if err := insertHistories(ctx, tx, histories); err != nil {
			return err
		}

		return insertOutboxEvents(ctx, tx, effects)
	})
	if err != nil {
		return err
	}

	order.IsFillable = true

	r.logger.Info("Created order",
		zap.String("order_id", order.ID),
		zap.String("hash", order.Hash),
		zap.Int64("chain_id", order.ChainID),
		zap.String("category", string(order.Category)),
		zap.String("offerer", order.Offerer))
	return nil
}

func (r *OrderRepository) GetOrderByID(ctx context.Context, id string) (*model.Order, error) {
	orders, err := r.queryOrders(ctx, r.db, `SELECT `+orderColumns+` FROM seaport_order WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get order by ID: %w", err)
	}
	if len(orders) == 0 {
		return nil, nil
	}
	return &orders[0], nil
}

// GetOrdersByHash returns every order with this hash on the chain, one per exchange contract.
func (r *OrderRepository) GetOrdersByHash(ctx context.Context, hash string, chainID int64) ([]model.Order, error) {
	orders, err := r.queryOrders(ctx, r.db, `
		SELECT `+orderColumns+` FROM seaport_order
		WHERE hash = $1 AND chain_id = $2
		ORDER BY created_at
	`, strings.ToLower(hash), chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to get orders by hash: %w", err)
	}
	return orders, nil
}

func (r *OrderRepository) GetOrderByHash(ctx context.Context, hash string, chainID int64, exchangeAddress string) (*model.Order, error) {
	orders, err := r.queryOrders(ctx, r.db, `
		SELECT `+orderColumns+` FROM seaport_order
		WHERE hash = $1 AND chain_id = $2 AND exchange_address = $3
	`, strings.ToLower(hash), chainID, strings.ToLower(exchangeAddress))
	if err != nil {
		return nil, fmt.Errorf("failed to get order by hash: %w", err)
	}
	if len(orders) == 0 {
		return nil, nil
	}
	return &orders[0], nil
}

// FindOrders returns orders matching every non-zero filter field, newest first.
func (r *OrderRepository) FindOrders(ctx context.Context, filter model.OrderFilter) ([]model.Order, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if filter.Hash != "" {
		add("hash = $%d", strings.ToLower(filter.Hash))
	}
	if filter.ChainID != 0 {
		add("chain_id = $%d", filter.ChainID)
	}
	if filter.ExchangeAddress != "" {
		add("exchange_address = $%d", strings.ToLower(filter.ExchangeAddress))
	}
	if filter.Offerer != "" {
		add("offerer = $%d", strings.ToLower(filter.Offerer))
	}
	if filter.Category != "" {
		add("category = $%d", filter.Category)
	}
	if filter.IsFillable != nil {
		add("is_fillable = $%d", *filter.IsFillable)
	}
	if filter.ContractAddress != "" {
		add("EXISTS (SELECT 1 FROM seaport_order_asset a WHERE a.order_id = seaport_order.id AND a.token = $%d)", strings.ToLower(filter.ContractAddress))
		if filter.TokenID != "" {
			add("EXISTS (SELECT 1 FROM seaport_order_asset a WHERE a.order_id = seaport_order.id AND a.identifier_or_criteria = $%d)", filter.TokenID)
		}
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `SELECT ` + orderColumns + ` FROM seaport_order`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	orders, err := r.queryOrders(ctx, r.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find orders: %w", err)
	}
	return orders, nil
}

// HistoryExists reports whether an event for (hash, txHash, chain) was already recorded.
func (r *OrderRepository) HistoryExists(ctx context.Context, hash, txHash string, chainID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM seaport_order_history WHERE hash = $1 AND tx_hash = $2 AND chain_id = $3)
	`, strings.ToLower(hash), strings.ToLower(txHash), chainID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check order history: %w", err)
	}
	return exists, nil
}

// ApplyFulfillment appends the sale rows and rewrites leg amounts in one transaction.
// A full fill clears is_fillable; nothing here can set it back.
func (r *OrderRepository) ApplyFulfillment(ctx context.Context, f Fulfillment) error {
	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := insertHistories(ctx, tx, f.Histories); err != nil {
			return err
		}

		for legID, amount := range f.AvailableAmounts {
			_, err := tx.ExecContext(ctx, `
				UPDATE seaport_order_asset SET available_amount = $2 WHERE id = $1
			`, legID, amount.String())
			if err != nil {
				return fmt.Errorf("failed to update available amount: %w", err)
			}
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE seaport_order SET is_fillable = is_fillable AND NOT $2, updated_at = NOW() WHERE id = $1
		`, f.OrderID, f.FullyFilled)
		if err != nil {
			return fmt.Errorf("failed to update order fillable: %w", err)
		}

		if f.FullyFilled {
			if err := setHistoryStatus(ctx, tx, []string{f.Hash}, f.ChainID, model.HistoryStatusFulfilled); err != nil {
				return err
			}
		}

		return insertOutboxEvents(ctx, tx, f.Effects)
	})
}

// CancelOrders sets cancelled=true, fillable=false for the given orders. Re-running is harmless.
func (r *OrderRepository) CancelOrders(ctx context.Context, c Cancellation) error {
	if len(c.OrderIDs) == 0 {
		return nil
	}

	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			UPDATE seaport_order SET is_cancelled = TRUE, is_fillable = FALSE, updated_at = NOW()
			WHERE id = ANY($1)
			RETURNING hash, chain_id
		`, pq.Array(c.OrderIDs))
		if err != nil {
			return fmt.Errorf("failed to cancel orders: %w", err)
		}

		byChain := map[int64][]string{}
		for rows.Next() {
			var hash string
			var chainID int64
			if err := rows.Scan(&hash, &chainID); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan cancelled order: %w", err)
			}
			byChain[chainID] = append(byChain[chainID], hash)
		}
		rows.Close()

		for chainID, hashes := range byChain {
			if err := setHistoryStatus(ctx, tx, hashes, chainID, model.HistoryStatusCancelled); err != nil {
				return err
			}
		}

		if err := insertHistories(ctx, tx, c.Histories); err != nil {
			return err
		}

		return insertOutboxEvents(ctx, tx, c.Effects)
	})
}

// FindOrdersSignedBeforeCounter returns the not-yet-cancelled orders an offerer signed on the
// exchange with a counter below newCounter.
func (r *OrderRepository) FindOrdersSignedBeforeCounter(ctx context.Context, offerer string, chainID int64, exchangeAddress, newCounter string) ([]model.Order, error) {
	orders, err := r.queryOrders(ctx, r.db, `
		SELECT `+orderColumns+` FROM seaport_order
		WHERE offerer = $1 AND chain_id = $2 AND exchange_address = $3
			AND is_cancelled = FALSE AND counter < $4::numeric
	`, strings.ToLower(offerer), chainID, strings.ToLower(exchangeAddress), newCounter)
	if err != nil {
		return nil, fmt.Errorf("failed to find orders for counter bump: %w", err)
	}
	return orders, nil
}

// MarkValidated flags on-chain validation and moves open history rows to 'validated'.
func (r *OrderRepository) MarkValidated(ctx context.Context, hash, offerer string, chainID int64) (int64, error) {
	var affected int64
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE seaport_order SET is_validated = TRUE, updated_at = NOW()
			WHERE hash = $1 AND offerer = $2 AND chain_id = $3
		`, strings.ToLower(hash), strings.ToLower(offerer), chainID)
		if err != nil {
			return fmt.Errorf("failed to mark order validated: %w", err)
		}
		affected, _ = res.RowsAffected()
		if affected == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE seaport_order_history SET order_status = $3
			WHERE hash = $1 AND chain_id = $2 AND order_status IS NULL
		`, strings.ToLower(hash), chainID, model.HistoryStatusValidated)
		if err != nil {
			return fmt.Errorf("failed to update history status: %w", err)
		}
		return nil
	})
	return affected, err
}

// ApplyResync writes the recomputed state. Cancelled and expired only ever turn on.
func (r *OrderRepository) ApplyResync(ctx context.Context, u Resync) error {
	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		for legID, amount := range u.AvailableAmounts {
			_, err := tx.ExecContext(ctx, `
				UPDATE seaport_order_asset SET available_amount = $2 WHERE id = $1
			`, legID, amount.String())
			if err != nil {
				return fmt.Errorf("failed to update available amount: %w", err)
			}
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE seaport_order SET
				is_cancelled = is_cancelled OR $3,
				is_expired = is_expired OR $4,
				is_fillable = $2 AND NOT (is_cancelled OR $3) AND NOT (is_expired OR $4),
				is_validated = is_validated OR $5,
				updated_at = NOW()
			WHERE id = $1
		`, u.OrderID, u.IsFillable, u.IsCancelled, u.IsExpired, u.IsValidated)
		if err != nil {
			return fmt.Errorf("failed to update order flags: %w", err)
		}

		return insertOutboxEvents(ctx, tx, u.Effects)
	})
}

// ExpireOrders flags up to limit fillable orders whose end time has passed.
func (r *OrderRepository) ExpireOrders(ctx context.Context, now int64, limit int, effects EffectsFunc) ([]model.Order, error) {
	var expired []model.Order
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		orders, err := r.queryOrders(ctx, tx, `
			SELECT `+orderColumns+` FROM seaport_order
			WHERE end_time < $1 AND is_fillable = TRUE
			ORDER BY end_time
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, now, limit)
		if err != nil {
			return err
		}
		if len(orders) == 0 {
			return nil
		}

		ids := make([]string, 0, len(orders))
		byChain := map[int64][]string{}
		for _, o := range orders {
			ids = append(ids, o.ID)
			byChain[o.ChainID] = append(byChain[o.ChainID], o.Hash)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE seaport_order SET is_expired = TRUE, is_fillable = FALSE, updated_at = NOW()
			WHERE id = ANY($1)
		`, pq.Array(ids))
		if err != nil {
			return fmt.Errorf("failed to expire orders: %w", err)
		}

		for chainID, hashes := range byChain {
			if err := setHistoryStatus(ctx, tx, hashes, chainID, model.HistoryStatusExpired); err != nil {
				return err
			}
		}

		for i := range orders {
			orders[i].IsExpired = true
			orders[i].IsFillable = false
		}
		expired = orders

		if effects == nil {
			return nil
		}
		return insertOutboxEvents(ctx, tx, effects(orders))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to expire orders: %w", err)
	}
	return expired, nil
}

// DisableOrders clears is_fillable for every fillable order offered by one of the wallets.
func (r *OrderRepository) DisableOrders(ctx context.Context, wallets []string, contractAddress string, chainID int64, effects EffectsFunc) ([]model.Order, error) {
	lowered := make([]string, len(wallets))
	for i, w := range wallets {
		lowered[i] = strings.ToLower(w)
	}

	var disabled []model.Order
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		orders, err := r.queryOrders(ctx, tx, `
			UPDATE seaport_order SET is_fillable = FALSE, updated_at = NOW()
			WHERE offerer = ANY($1) AND is_fillable = TRUE
				AND ($2 = 0 OR chain_id = $2)
				AND ($3 = '' OR EXISTS (
					SELECT 1 FROM seaport_order_asset a WHERE a.order_id = seaport_order.id AND a.token = $3
				))
			RETURNING `+orderColumns,
			pq.Array(lowered), chainID, strings.ToLower(contractAddress))
		if err != nil {
			return err
		}
		disabled = orders

		if effects == nil || len(orders) == 0 {
			return nil
		}
		return insertOutboxEvents(ctx, tx, effects(orders))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to disable orders: %w", err)
	}
	return disabled, nil
}

// BestOrder returns the best fillable listing (lowest per price) or offer (highest
// per price) for a collection, tie-broken by lower platform type then later end time.
func (r *OrderRepository) BestOrder(ctx context.Context, contractAddress string, chainID int64, category model.Category, now int64) (*model.Order, error) {
	side, direction := model.SideOffer, "ASC"
	if category != model.CategoryListing {
		side, direction = model.SideConsideration, "DESC"
	}

	orders, err := r.queryOrders(ctx, r.db, `
		SELECT `+orderColumns+` FROM seaport_order
		WHERE chain_id = $1 AND category = $2 AND is_fillable = TRUE
			AND start_time <= $4 AND end_time > $4
			AND EXISTS (
				SELECT 1 FROM seaport_order_asset a
				WHERE a.order_id = seaport_order.id AND a.side = $5 AND a.token = $3 AND a.item_type >= 2
			)
		ORDER BY per_price `+direction+`, platform_type ASC, end_time DESC
		LIMIT 1
	`, chainID, category, strings.ToLower(contractAddress), now, side)
	if err != nil {
		return nil, fmt.Errorf("failed to query best order: %w", err)
	}
	if len(orders) == 0 {
		return nil, nil
	}
	return &orders[0], nil
}

// BestCollectionOffer returns the highest collection-wide offer, earliest first on ties.
func (r *OrderRepository) BestCollectionOffer(ctx context.Context, contractAddress string, chainID int64, now int64) (*model.Order, error) {
	orders, err := r.queryOrders(ctx, r.db, `
		SELECT `+orderColumns+` FROM seaport_order
		WHERE chain_id = $1 AND offer_type = $2 AND is_fillable = TRUE
			AND start_time <= $4 AND end_time > $4
			AND EXISTS (
				SELECT 1 FROM seaport_order_asset a
				WHERE a.order_id = seaport_order.id AND a.side = 1 AND a.token = $3
			)
		ORDER BY per_price DESC, created_at ASC
		LIMIT 1
	`, chainID, model.OfferTypeCollection, strings.ToLower(contractAddress), now)
	if err != nil {
		return nil, fmt.Errorf("failed to query best collection offer: %w", err)
	}
	if len(orders) == 0 {
		return nil, nil
	}
	return &orders[0], nil
}

// queryOrders scans order headers and attaches their legs.
func (r *OrderRepository) queryOrders(ctx context.Context, q queryer, query string, args ...interface{}) ([]model.Order, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		if err := rows.Scan(&o.ID, &o.ChainID, &o.ExchangeAddress, &o.Hash, &o.Offerer, &o.Signature, &o.Category,
			&o.OfferType, &o.OrderType, &o.StartTime, &o.EndTime, &o.Price, &o.PerPrice, &o.Zone, &o.ZoneHash, &o.Salt,
			&o.ConduitKey, &o.Counter, &o.TotalOriginalConsiderationItems, &o.PlatformType, &o.IsFillable,
			&o.IsCancelled, &o.IsExpired, &o.IsValidated, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	rows.Close()

	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]string, len(orders))
	for i := range orders {
		ids[i] = orders[i].ID
	}
	legs, err := loadAssets(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Assets = legs[orders[i].ID]
	}
	return orders, nil
}

func loadAssets(ctx context.Context, q queryer, orderIDs []string) (map[string][]model.OrderAsset, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, position, side, item_type, token, identifier_or_criteria,
			start_amount, end_amount, available_amount, recipient, currency_id, asset_id
		FROM seaport_order_asset
		WHERE order_id = ANY($1)
		ORDER BY order_id, side, position
	`, pq.Array(orderIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to load order assets: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]model.OrderAsset, len(orderIDs))
	for rows.Next() {
		var a model.OrderAsset
		if err := rows.Scan(&a.ID, &a.OrderID, &a.Position, &a.Side, &a.ItemType, &a.Token, &a.IdentifierOrCriteria,
			&a.StartAmount, &a.EndAmount, &a.AvailableAmount, &a.Recipient, &a.CurrencyID, &a.AssetID); err != nil {
			return nil, fmt.Errorf("failed to scan order asset: %w", err)
		}
		out[a.OrderID] = append(out[a.OrderID], a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order assets: %w", err)
	}
	return out, nil
}

// insertHistories appends history rows; a duplicate (hash, tx, chain, token) is skipped.
func insertHistories(ctx context.Context, q queryer, histories []model.OrderHistory) error {
	for _, h := range histories {
		_, err := q.ExecContext(ctx, `
			INSERT INTO seaport_order_history (id, contract_address, token_id, amount, chain_id, category, order_status,
				start_time, end_time, price, currency_symbol, usd_price, from_address, to_address, hash, tx_hash,
				exchange_address, platform_type, ip, area)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
			ON CONFLICT (hash, tx_hash, chain_id, contract_address, token_id) DO NOTHING
		`, h.ID, h.ContractAddress, h.TokenID, h.Amount, h.ChainID, h.Category, h.Status, h.StartTime, h.EndTime,
			h.Price, h.CurrencySymbol, h.UsdPrice, h.FromAddress, h.ToAddress, h.Hash, h.TxHash, h.ExchangeAddress,
			h.PlatformType, h.IP, h.Area)
		if err != nil {
			return fmt.Errorf("failed to insert order history: %w", err)
		}
	}
	return nil
}

// setHistoryStatus moves the listing/offer rows of the given hashes to status.
func setHistoryStatus(ctx context.Context, q queryer, hashes []string, chainID int64, status model.HistoryStatus) error {
	_, err := q.ExecContext(ctx, `
		UPDATE seaport_order_history SET order_status = $3
		WHERE hash = ANY($1) AND chain_id = $2 AND category IN ('list', 'offer', 'collection_offer')
	`, pq.Array(hashes), chainID, status)
	if err != nil {
		return fmt.Errorf("failed to update history status: %w", err)
	}
	return nil
}
