package pricing

import (
	"errors"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"orderbook/apps/orderbook/internal/model"
)

var (
	ErrCurrencyNotFound = errors.New("currency not found")
	ErrPartialNFTCount  = errors.New("partial order must have exactly one nft leg")
)

// Item is one offer or consideration leg as far as pricing is concerned.
type Item struct {
	ItemType model.ItemType
	Token    string
	Amount   *big.Int
}

// DecimalsFunc resolves a currency token's decimal precision.
type DecimalsFunc func(token string) (int, bool)

// Quote is the computed price of an order.
type Quote struct {
	Price         decimal.Decimal
	PerPrice      decimal.Decimal
	CurrencyToken string
}

// Shift converts an on-chain integer amount into a decimal with the currency's precision.
func Shift(amount *big.Int, decimals int) decimal.Decimal {
	return decimal.NewFromBigInt(amount, -int32(decimals))
}

// OrderPrice prices a signed order. A single-item offer side is priced from the
// currency legs on the side without the NFT; a multi-item offer (bundle) is priced
// from consideration legs paid in the first currency seen. Partial orders also get a
// per-unit price.
func OrderPrice(offer, consideration []Item, partial bool, decimals DecimalsFunc) (Quote, error) {
	var legs []Item
	firstCurrencyOnly := false

	if len(offer) == 1 {
		if offer[0].ItemType.IsCurrency() {
			legs = offer
		} else {
			legs = consideration
		}
	} else {
		legs = consideration
		firstCurrencyOnly = true
	}

	sum, token := sumCurrency(legs, firstCurrencyOnly)

	q := Quote{Price: decimal.Zero, PerPrice: decimal.Zero, CurrencyToken: token}
	if token != "" {
		d, ok := decimals(token)
		if !ok {
			return Quote{}, ErrCurrencyNotFound
		}
		q.Price = Shift(sum, d)
	}
	q.PerPrice = q.Price

	if partial {
		nft, err := singleNFT(offer, consideration)
		if err != nil {
			return Quote{}, err
		}
		if nft.Amount != nil && nft.Amount.Sign() > 0 {
			q.PerPrice = q.Price.Div(decimal.NewFromBigInt(nft.Amount, 0))
		}
	}

	return q, nil
}

func sumCurrency(legs []Item, firstCurrencyOnly bool) (*big.Int, string) {
	sum := new(big.Int)
	token := ""
	for _, leg := range legs {
		if !leg.ItemType.IsCurrency() {
			continue
		}
		if token == "" {
			token = strings.ToLower(leg.Token)
		} else if firstCurrencyOnly && !strings.EqualFold(token, leg.Token) {
			continue
		}
		if leg.Amount != nil {
			sum.Add(sum, leg.Amount)
		}
	}
	return sum, token
}

// singleNFT returns the only NFT leg, looking at the offer side first.
func singleNFT(offer, consideration []Item) (Item, error) {
	var nfts []Item
	for _, it := range offer {
		if it.ItemType.IsNFT() {
			nfts = append(nfts, it)
		}
	}
	if len(nfts) == 0 {
		for _, it := range consideration {
			if it.ItemType.IsNFT() {
				nfts = append(nfts, it)
			}
		}
	}
	if len(nfts) != 1 {
		return Item{}, ErrPartialNFTCount
	}
	return nfts[0], nil
}

// AvailableAmount applies the on-chain fill ratio to a leg:
// start - start*totalFilled/totalSize, with integer division.
// An order with totalSize 0 has never been touched on-chain.
func AvailableAmount(start, totalFilled, totalSize *big.Int) *big.Int {
	if totalSize == nil || totalSize.Sign() == 0 {
		return new(big.Int).Set(start)
	}
	if totalFilled.Cmp(totalSize) >= 0 {
		return new(big.Int)
	}

	filled := new(big.Int).Mul(start, totalFilled)
	filled.Quo(filled, totalSize)

	available := new(big.Int).Sub(start, filled)
	if available.Sign() < 0 {
		return new(big.Int)
	}
	return available
}

// FillPrice prices a fulfilment from the currency legs of the executed items: the
// amounts of the first currency seen are summed.
func FillPrice(currencyLegs []Item, decimals DecimalsFunc) (decimal.Decimal, string, error) {
	sum, token := sumCurrency(currencyLegs, true)
	if token == "" {
		return decimal.Zero, "", nil
	}
	d, ok := decimals(token)
	if !ok {
		return decimal.Zero, token, ErrCurrencyNotFound
	}
	return Shift(sum, d), token, nil
}

// UsdSymbol maps a currency symbol to its price-feed pair, dropping a wrapped prefix.
func UsdSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	if strings.HasPrefix(s, "W") {
		s = s[1:]
	}
	return s + "USD"
}
