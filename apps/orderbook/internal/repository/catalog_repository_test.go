package repository

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orderbook/apps/orderbook/internal/assets"
)

func TestSeedCurrenciesLeavesExistingRows(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCatalogRepository(db, zap.NewNop())

	currencies := []*assets.Currency{
		{ChainID: 1, Symbol: "WETH", Address: common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), Decimals: 18},
		{ChainID: 137, Symbol: "POL", Address: common.Address{}, Decimals: 18},
	}

	insert := regexp.QuoteMeta("ON CONFLICT (chain_id, address) DO NOTHING")
	mock.ExpectBegin()
	mock.ExpectExec(insert).
		WithArgs(sqlmock.AnyArg(), int64(1), "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2", "WETH", int64(18)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insert).
		WithArgs(sqlmock.AnyArg(), int64(137), "0x0000000000000000000000000000000000000000", "POL", int64(18)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, repo.SeedCurrencies(context.Background(), currencies))
	require.NoError(t, mock.ExpectationsWereMet())
}
