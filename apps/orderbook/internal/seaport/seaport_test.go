package seaport

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderbook/apps/orderbook/internal/model"
)

var (
	testExchange = common.HexToAddress("0x00000000000000adc04c56bf30ac9d3c0aaf14dc")
	testOfferer  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testZone     = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testNFT      = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func TestEventSignaturesMatchABI(t *testing.T) {
	assert.Equal(t, exchangeABI.Events["OrderFulfilled"].ID, OrderFulfilledSig)
	assert.Equal(t, exchangeABI.Events["OrderCancelled"].ID, OrderCancelledSig)
	assert.Equal(t, exchangeABI.Events["OrderValidated"].ID, OrderValidatedSig)
	assert.Equal(t, exchangeABI.Events["CounterIncremented"].ID, CounterIncrementedSig)
}

func TestDecodeOrderFulfilled(t *testing.T) {
	orderHash := common.HexToHash("0xabc1")
	recipient := common.HexToAddress("0x4444444444444444444444444444444444444444")

	offer := []SpentItem{{ItemType: 2, Token: testNFT, Identifier: big.NewInt(7), Amount: big.NewInt(1)}}
	consideration := []ReceivedItem{
		{ItemType: 0, Token: common.Address{}, Identifier: big.NewInt(0), Amount: big.NewInt(975), Recipient: testOfferer},
		{ItemType: 0, Token: common.Address{}, Identifier: big.NewInt(0), Amount: big.NewInt(25), Recipient: testZone},
	}

	data, err := exchangeABI.Events["OrderFulfilled"].Inputs.NonIndexed().Pack([32]byte(orderHash), recipient, offer, consideration)
	require.NoError(t, err)

	ev, err := DecodeLog(types.Log{
		Address:     testExchange,
		Topics:      []common.Hash{OrderFulfilledSig, common.BytesToHash(testOfferer.Bytes()), common.BytesToHash(testZone.Bytes())},
		Data:        data,
		TxHash:      common.HexToHash("0xfeed"),
		BlockNumber: 42,
	})
	require.NoError(t, err)

	fulfilled, ok := ev.(OrderFulfilled)
	require.True(t, ok)
	assert.Equal(t, KindOrderFulfilled, fulfilled.Kind())
	assert.Equal(t, orderHash, fulfilled.OrderHash)
	assert.Equal(t, testOfferer, fulfilled.Offerer)
	assert.Equal(t, testZone, fulfilled.Zone)
	assert.Equal(t, recipient, fulfilled.Recipient)
	require.Len(t, fulfilled.Offer, 1)
	assert.Equal(t, uint8(2), fulfilled.Offer[0].ItemType)
	assert.Equal(t, int64(7), fulfilled.Offer[0].Identifier.Int64())
	require.Len(t, fulfilled.Consideration, 2)
	assert.Equal(t, int64(975), fulfilled.Consideration[0].Amount.Int64())
	assert.Equal(t, testZone, fulfilled.Consideration[1].Recipient)
	assert.Equal(t, uint64(42), fulfilled.Log().BlockNumber)
	assert.Equal(t, testExchange, fulfilled.Log().Exchange)
}

func TestDecodeCancelledAndValidated(t *testing.T) {
	orderHash := common.HexToHash("0xbeef")
	data, err := exchangeABI.Events["OrderCancelled"].Inputs.NonIndexed().Pack([32]byte(orderHash))
	require.NoError(t, err)

	topics := []common.Hash{OrderCancelledSig, common.BytesToHash(testOfferer.Bytes()), common.BytesToHash(testZone.Bytes())}
	ev, err := DecodeLog(types.Log{Address: testExchange, Topics: topics, Data: data})
	require.NoError(t, err)
	cancelled, ok := ev.(OrderCancelled)
	require.True(t, ok)
	assert.Equal(t, orderHash, cancelled.OrderHash)
	assert.Equal(t, testOfferer, cancelled.Offerer)

	topics[0] = OrderValidatedSig
	ev, err = DecodeLog(types.Log{Address: testExchange, Topics: topics, Data: data})
	require.NoError(t, err)
	validated, ok := ev.(OrderValidated)
	require.True(t, ok)
	assert.Equal(t, orderHash, validated.OrderHash)
}

func TestDecodeCounterIncremented(t *testing.T) {
	data, err := exchangeABI.Events["CounterIncremented"].Inputs.NonIndexed().Pack(big.NewInt(3))
	require.NoError(t, err)

	ev, err := DecodeLog(types.Log{
		Topics: []common.Hash{CounterIncrementedSig, common.BytesToHash(testOfferer.Bytes())},
		Data:   data,
	})
	require.NoError(t, err)
	bump, ok := ev.(CounterIncremented)
	require.True(t, ok)
	assert.Equal(t, int64(3), bump.NewCounter.Int64())
	assert.Equal(t, testOfferer, bump.Offerer)
}

func TestDecodeUnknownTopic(t *testing.T) {
	_, err := DecodeLog(types.Log{Topics: []common.Hash{TransferSig}})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = DecodeLog(types.Log{})
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func testComponents(offerer common.Address) OrderComponents {
	return OrderComponents{
		Offerer: offerer,
		Zone:    common.Address{},
		Offer: []OfferItem{{
			ItemType:             2,
			Token:                testNFT,
			IdentifierOrCriteria: big.NewInt(7),
			StartAmount:          big.NewInt(1),
			EndAmount:            big.NewInt(1),
		}},
		Consideration: []ConsiderationItem{{
			ItemType:             0,
			IdentifierOrCriteria: big.NewInt(0),
			StartAmount:          big.NewInt(1000000000000000000),
			EndAmount:            big.NewInt(1000000000000000000),
			Recipient:            offerer,
		}},
		OrderType: 0,
		StartTime: big.NewInt(1700000000),
		EndTime:   big.NewInt(1800000000),
		Salt:      big.NewInt(12345),
		Counter:   big.NewInt(0),
	}
}

func TestRecoverSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	domain := Domain{Version: "1.4", ChainID: 1, Exchange: testExchange}
	digest, err := Digest(domain, testComponents(signer))
	require.NoError(t, err)

	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)

	t.Run("recovery id 0/1", func(t *testing.T) {
		got, err := RecoverSigner(digest, sig)
		require.NoError(t, err)
		assert.Equal(t, signer, got)
	})

	t.Run("recovery id 27/28", func(t *testing.T) {
		legacy := append([]byte{}, sig...)
		legacy[64] += 27
		got, err := RecoverSigner(digest, legacy)
		require.NoError(t, err)
		assert.Equal(t, signer, got)
	})

	t.Run("compact", func(t *testing.T) {
		compact := make([]byte, 64)
		copy(compact, sig[:32])
		vs := new(big.Int).SetBytes(sig[32:64])
		if sig[64] == 1 {
			vs.SetBit(vs, 255, 1)
		}
		vs.FillBytes(compact[32:])
		got, err := RecoverSigner(digest, compact)
		require.NoError(t, err)
		assert.Equal(t, signer, got)
	})

	t.Run("other domain", func(t *testing.T) {
		other, err := Digest(Domain{Version: "1.4", ChainID: 137, Exchange: testExchange}, testComponents(signer))
		require.NoError(t, err)
		assert.NotEqual(t, digest, other)

		got, err := RecoverSigner(other, sig)
		if err == nil {
			assert.NotEqual(t, signer, got)
		}
	})

	t.Run("bad length", func(t *testing.T) {
		_, err := RecoverSigner(digest, sig[:10])
		assert.ErrorIs(t, err, ErrMalformedSignature)
	})
}

func TestComponentsFromOrderKeepsLegPositions(t *testing.T) {
	recipient := testOfferer.Hex()
	fee := testZone.Hex()
	order := &model.Order{
		Offerer:    testOfferer.Hex(),
		Zone:       common.Address{}.Hex(),
		OrderType:  model.OrderTypePartialOpen,
		StartTime:  1,
		EndTime:    2,
		Salt:       "0x10",
		Counter:    "4",
		ZoneHash:   "0x0000000000000000000000000000000000000000000000000000000000000000",
		ConduitKey: "",
		Assets: []model.OrderAsset{
			{Side: model.SideConsideration, Position: 1, ItemType: model.ItemTypeNative, Token: common.Address{}.Hex(),
				IdentifierOrCriteria: "0", StartAmount: "25", EndAmount: "25", Recipient: &fee},
			{Side: model.SideOffer, Position: 0, ItemType: model.ItemTypeERC1155, Token: testNFT.Hex(),
				IdentifierOrCriteria: "9", StartAmount: "10", EndAmount: "10"},
			{Side: model.SideConsideration, Position: 0, ItemType: model.ItemTypeNative, Token: common.Address{}.Hex(),
				IdentifierOrCriteria: "0", StartAmount: "975", EndAmount: "975", Recipient: &recipient},
		},
	}

	c, err := ComponentsFromOrder(order)
	require.NoError(t, err)
	require.Len(t, c.Offer, 1)
	require.Len(t, c.Consideration, 2)
	assert.Equal(t, int64(975), c.Consideration[0].StartAmount.Int64())
	assert.Equal(t, testZone, c.Consideration[1].Recipient)
	assert.Equal(t, int64(16), c.Salt.Int64())
	assert.Equal(t, int64(4), c.Counter.Int64())
	assert.Equal(t, uint8(1), c.OrderType)
	assert.Equal(t, int64(2), c.Parameters().TotalOriginalConsiderationItems.Int64())
}

func TestParseUint(t *testing.T) {
	v, err := ParseUint("010")
	require.NoError(t, err)
	assert.Equal(t, int64(10), v.Int64())

	v, err = ParseUint("0xff")
	require.NoError(t, err)
	assert.Equal(t, int64(255), v.Int64())

	_, err = ParseUint("-1")
	assert.Error(t, err)
}
