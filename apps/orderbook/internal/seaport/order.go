package seaport

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"orderbook/apps/orderbook/internal/model"
)

// ComponentsFromOrder rebuilds the signed components of a stored order, legs in their
// original positions.
func ComponentsFromOrder(o *model.Order) (OrderComponents, error) {
	c := OrderComponents{
		Offerer:   common.HexToAddress(o.Offerer),
		Zone:      common.HexToAddress(o.Zone),
		OrderType: uint8(o.OrderType),
		StartTime: big.NewInt(o.StartTime),
		EndTime:   big.NewInt(o.EndTime),
	}

	var err error
	if c.ZoneHash, err = ParseBytes32(o.ZoneHash); err != nil {
		return c, fmt.Errorf("invalid zone hash: %w", err)
	}
	if c.ConduitKey, err = ParseBytes32(o.ConduitKey); err != nil {
		return c, fmt.Errorf("invalid conduit key: %w", err)
	}
	if c.Salt, err = ParseUint(o.Salt); err != nil {
		return c, fmt.Errorf("invalid salt: %w", err)
	}
	if c.Counter, err = ParseUint(o.Counter); err != nil {
		return c, fmt.Errorf("invalid counter: %w", err)
	}

	legs := make([]model.OrderAsset, len(o.Assets))
	copy(legs, o.Assets)
	sort.SliceStable(legs, func(i, j int) bool {
		if legs[i].Side != legs[j].Side {
			return legs[i].Side < legs[j].Side
		}
		return legs[i].Position < legs[j].Position
	})

	for _, leg := range legs {
		id, err := ParseUint(leg.IdentifierOrCriteria)
		if err != nil {
			return c, fmt.Errorf("invalid identifier: %w", err)
		}
		if leg.Side == model.SideOffer {
			c.Offer = append(c.Offer, OfferItem{
				ItemType:             uint8(leg.ItemType),
				Token:                common.HexToAddress(leg.Token),
				IdentifierOrCriteria: id,
				StartAmount:          leg.StartAmountInt(),
				EndAmount:            leg.EndAmountInt(),
			})
			continue
		}

		var recipient common.Address
		if leg.Recipient != nil {
			recipient = common.HexToAddress(*leg.Recipient)
		}
		c.Consideration = append(c.Consideration, ConsiderationItem{
			ItemType:             uint8(leg.ItemType),
			Token:                common.HexToAddress(leg.Token),
			IdentifierOrCriteria: id,
			StartAmount:          leg.StartAmountInt(),
			EndAmount:            leg.EndAmountInt(),
			Recipient:            recipient,
		})
	}

	return c, nil
}

// DecodeSignature parses a 0x-prefixed hex signature.
func DecodeSignature(sig string) ([]byte, error) {
	b, err := hexutil.Decode(sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return b, nil
}

func ParseBytes32(s string) ([32]byte, error) {
	var out [32]byte
	if s == "" {
		return out, nil
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// ParseUint accepts base-10 or 0x-prefixed integers.
func ParseUint(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	v, ok := new(big.Int).SetString(s, base)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}
