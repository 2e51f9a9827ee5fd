package repository

import (
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

var orderColumnNames = []string{"id", "chain_id", "exchange_address", "hash", "offerer", "signature", "category",
	"offer_type", "order_type", "start_time", "end_time", "price", "per_price", "zone", "zone_hash", "salt",
	"conduit_key", "counter", "total_original_consideration_items", "platform_type", "is_fillable", "is_cancelled",
	"is_expired", "is_validated", "created_at", "updated_at"}

var assetColumnNames = []string{"id", "order_id", "position", "side", "item_type", "token", "identifier_or_criteria",
	"start_amount", "end_amount", "available_amount", "recipient", "currency_id", "asset_id"}

// orderRow is a fillable listing header as the database returns it.
func orderRow(rows *sqlmock.Rows, id, hash string, chainID, endTime int64, counter string) *sqlmock.Rows {
	now := time.Unix(1700000000, 0)
	return rows.AddRow(id, chainID, "0x00000000000000adc04c56bf30ac9d3c0aaf14dc", hash,
		"0x1111111111111111111111111111111111111111", "0x", "listing", "normal", int64(0), int64(0), endTime,
		"1", "1", "0x0000000000000000000000000000000000000000", "0x", "1", "0x", counter, int64(1), int64(0),
		true, false, false, false, now, now)
}
