package assets

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NativeAddress is the token address used by native-currency legs.
var NativeAddress = common.Address{}

// Currency represents a payment currency accepted on a chain
type Currency struct {
	ChainID  int64          `json:"chain_id"`
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name"`
	Address  common.Address `json:"address"`
	Decimals int            `json:"decimals"`
}

// AddressLower returns the lower-cased hex address as stored in the database.
func (c *Currency) AddressLower() string {
	return strings.ToLower(c.Address.Hex())
}

type currencyKey struct {
	chainID int64
	address common.Address
}

// CurrencyRegistry holds the well-known currencies seeded into the store
type CurrencyRegistry struct {
	currencies []*Currency
	byAddress  map[currencyKey]*Currency
}

// NewCurrencyRegistry creates a registry with all built-in currencies
func NewCurrencyRegistry() *CurrencyRegistry {
	registry := &CurrencyRegistry{
		byAddress: make(map[currencyKey]*Currency),
	}

	supported := []*Currency{
		{ChainID: 1, Symbol: "ETH", Name: "Ether", Address: NativeAddress, Decimals: 18},
		{ChainID: 1, Symbol: "WETH", Name: "Wrapped Ether", Address: common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), Decimals: 18},
		{ChainID: 1, Symbol: "USDC", Name: "USD Coin", Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Decimals: 6},
		{ChainID: 137, Symbol: "POL", Name: "Polygon Ecosystem Token", Address: NativeAddress, Decimals: 18},
		{ChainID: 137, Symbol: "WETH", Name: "Wrapped Ether", Address: common.HexToAddress("0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619"), Decimals: 18},
		{ChainID: 137, Symbol: "USDC", Name: "USD Coin", Address: common.HexToAddress("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"), Decimals: 6},
		{ChainID: 8453, Symbol: "ETH", Name: "Ether", Address: NativeAddress, Decimals: 18},
		{ChainID: 8453, Symbol: "WETH", Name: "Wrapped Ether", Address: common.HexToAddress("0x4200000000000000000000000000000000000006"), Decimals: 18},
	}

	for _, c := range supported {
		registry.currencies = append(registry.currencies, c)
		registry.byAddress[currencyKey{c.ChainID, c.Address}] = c
	}

	return registry
}

// GetByAddress returns a currency by chain and contract address
func (r *CurrencyRegistry) GetByAddress(chainID int64, address common.Address) (*Currency, bool) {
	c, exists := r.byAddress[currencyKey{chainID, address}]
	return c, exists
}

// GetAllAsArray returns all currencies as an array
func (r *CurrencyRegistry) GetAllAsArray() []*Currency {
	out := make([]*Currency, len(r.currencies))
	copy(out, r.currencies)
	return out
}

// Global currency registry instance
var GlobalRegistry = NewCurrencyRegistry()
