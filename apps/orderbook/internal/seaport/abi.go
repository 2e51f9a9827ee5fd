package seaport

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const offerItemComponents = `[
	{"name": "itemType", "type": "uint8"},
	{"name": "token", "type": "address"},
	{"name": "identifierOrCriteria", "type": "uint256"},
	{"name": "startAmount", "type": "uint256"},
	{"name": "endAmount", "type": "uint256"}
]`

const considerationItemComponents = `[
	{"name": "itemType", "type": "uint8"},
	{"name": "token", "type": "address"},
	{"name": "identifierOrCriteria", "type": "uint256"},
	{"name": "startAmount", "type": "uint256"},
	{"name": "endAmount", "type": "uint256"},
	{"name": "recipient", "type": "address"}
]`

// ExchangeABI covers the events and views of the exchange contract this service uses.
const ExchangeABI = `[
	{
		"type": "event",
		"name": "OrderFulfilled",
		"inputs": [
			{"name": "orderHash", "type": "bytes32", "indexed": false},
			{"name": "offerer", "type": "address", "indexed": true},
			{"name": "zone", "type": "address", "indexed": true},
			{"name": "recipient", "type": "address", "indexed": false},
			{"name": "offer", "type": "tuple[]", "indexed": false, "components": [
				{"name": "itemType", "type": "uint8"},
				{"name": "token", "type": "address"},
				{"name": "identifier", "type": "uint256"},
				{"name": "amount", "type": "uint256"}
			]},
			{"name": "consideration", "type": "tuple[]", "indexed": false, "components": [
				{"name": "itemType", "type": "uint8"},
				{"name": "token", "type": "address"},
				{"name": "identifier", "type": "uint256"},
				{"name": "amount", "type": "uint256"},
				{"name": "recipient", "type": "address"}
			]}
		]
	},
	{
		"type": "event",
		"name": "OrderCancelled",
		"inputs": [
			{"name": "orderHash", "type": "bytes32", "indexed": false},
			{"name": "offerer", "type": "address", "indexed": true},
			{"name": "zone", "type": "address", "indexed": true}
		]
	},
	{
		"type": "event",
		"name": "OrderValidated",
		"inputs": [
			{"name": "orderHash", "type": "bytes32", "indexed": false},
			{"name": "offerer", "type": "address", "indexed": true},
			{"name": "zone", "type": "address", "indexed": true}
		]
	},
	{
		"type": "event",
		"name": "CounterIncremented",
		"inputs": [
			{"name": "newCounter", "type": "uint256", "indexed": false},
			{"name": "offerer", "type": "address", "indexed": true}
		]
	},
	{
		"type": "function",
		"name": "getOrderHash",
		"stateMutability": "view",
		"inputs": [
			{"name": "order", "type": "tuple", "components": [
				{"name": "offerer", "type": "address"},
				{"name": "zone", "type": "address"},
				{"name": "offer", "type": "tuple[]", "components": ` + offerItemComponents + `},
				{"name": "consideration", "type": "tuple[]", "components": ` + considerationItemComponents + `},
				{"name": "orderType", "type": "uint8"},
				{"name": "startTime", "type": "uint256"},
				{"name": "endTime", "type": "uint256"},
				{"name": "zoneHash", "type": "bytes32"},
				{"name": "salt", "type": "uint256"},
				{"name": "conduitKey", "type": "bytes32"},
				{"name": "counter", "type": "uint256"}
			]}
		],
		"outputs": [{"name": "orderHash", "type": "bytes32"}]
	},
	{
		"type": "function",
		"name": "getOrderStatus",
		"stateMutability": "view",
		"inputs": [{"name": "orderHash", "type": "bytes32"}],
		"outputs": [
			{"name": "isValidated", "type": "bool"},
			{"name": "isCancelled", "type": "bool"},
			{"name": "totalFilled", "type": "uint256"},
			{"name": "totalSize", "type": "uint256"}
		]
	},
	{
		"type": "function",
		"name": "getCounter",
		"stateMutability": "view",
		"inputs": [{"name": "offerer", "type": "address"}],
		"outputs": [{"name": "counter", "type": "uint256"}]
	},
	{
		"type": "function",
		"name": "information",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [
			{"name": "version", "type": "string"},
			{"name": "domainSeparator", "type": "bytes32"},
			{"name": "conduitController", "type": "address"}
		]
	},
	{
		"type": "function",
		"name": "validate",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "orders", "type": "tuple[]", "components": [
				{"name": "parameters", "type": "tuple", "components": [
					{"name": "offerer", "type": "address"},
					{"name": "zone", "type": "address"},
					{"name": "offer", "type": "tuple[]", "components": ` + offerItemComponents + `},
					{"name": "consideration", "type": "tuple[]", "components": ` + considerationItemComponents + `},
					{"name": "orderType", "type": "uint8"},
					{"name": "startTime", "type": "uint256"},
					{"name": "endTime", "type": "uint256"},
					{"name": "zoneHash", "type": "bytes32"},
					{"name": "salt", "type": "uint256"},
					{"name": "conduitKey", "type": "bytes32"},
					{"name": "totalOriginalConsiderationItems", "type": "uint256"}
				]},
				{"name": "signature", "type": "bytes"}
			]}
		],
		"outputs": [{"name": "validated", "type": "bool"}]
	}
]`

const ConduitControllerABI = `[
	{
		"type": "function",
		"name": "getConduit",
		"stateMutability": "view",
		"inputs": [{"name": "conduitKey", "type": "bytes32"}],
		"outputs": [
			{"name": "conduit", "type": "address"},
			{"name": "exists", "type": "bool"}
		]
	}
]`

// TokenABI merges the ERC-20, ERC-721, ERC-1155 and ERC-1271 views used for order checks.
// balanceOf is overloaded between ERC-20 and ERC-1155, so the ERC-1155 variant is
// declared separately.
const TokenABI = `[
	{"type": "function", "name": "balanceOf", "stateMutability": "view",
		"inputs": [{"name": "owner", "type": "address"}],
		"outputs": [{"name": "balance", "type": "uint256"}]},
	{"type": "function", "name": "allowance", "stateMutability": "view",
		"inputs": [{"name": "owner", "type": "address"}, {"name": "spender", "type": "address"}],
		"outputs": [{"name": "remaining", "type": "uint256"}]},
	{"type": "function", "name": "ownerOf", "stateMutability": "view",
		"inputs": [{"name": "tokenId", "type": "uint256"}],
		"outputs": [{"name": "owner", "type": "address"}]},
	{"type": "function", "name": "isApprovedForAll", "stateMutability": "view",
		"inputs": [{"name": "owner", "type": "address"}, {"name": "operator", "type": "address"}],
		"outputs": [{"name": "approved", "type": "bool"}]},
	{"type": "function", "name": "isValidSignature", "stateMutability": "view",
		"inputs": [{"name": "hash", "type": "bytes32"}, {"name": "signature", "type": "bytes"}],
		"outputs": [{"name": "magicValue", "type": "bytes4"}]}
]`

const ERC1155ABI = `[
	{"type": "function", "name": "balanceOf", "stateMutability": "view",
		"inputs": [{"name": "account", "type": "address"}, {"name": "id", "type": "uint256"}],
		"outputs": [{"name": "balance", "type": "uint256"}]}
]`

// Event signatures
var (
	OrderFulfilledSig     = crypto.Keccak256Hash([]byte("OrderFulfilled(bytes32,address,address,address,(uint8,address,uint256,uint256)[],(uint8,address,uint256,uint256,address)[])"))
	OrderCancelledSig     = crypto.Keccak256Hash([]byte("OrderCancelled(bytes32,address,address)"))
	OrderValidatedSig     = crypto.Keccak256Hash([]byte("OrderValidated(bytes32,address,address)"))
	CounterIncrementedSig = crypto.Keccak256Hash([]byte("CounterIncremented(uint256,address)"))
	TransferSig           = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

// Topics is the topic0 set the poller filters on.
func Topics() [][]common.Hash {
	return [][]common.Hash{{OrderFulfilledSig, OrderCancelledSig, OrderValidatedSig, CounterIncrementedSig}}
}

// ERC1271MagicValue is returned by isValidSignature for a valid signature.
var ERC1271MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

var (
	exchangeABI          = mustParseABI(ExchangeABI)
	conduitControllerABI = mustParseABI(ConduitControllerABI)
	tokenABI             = mustParseABI(TokenABI)
	erc1155ABI           = mustParseABI(ERC1155ABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("failed to parse ABI: " + err.Error())
	}
	return parsed
}
