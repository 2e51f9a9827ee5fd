package seaport

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const DomainName = "Seaport"

var ErrMalformedSignature = errors.New("malformed signature")

type OfferItem struct {
	ItemType             uint8
	Token                common.Address
	IdentifierOrCriteria *big.Int
	StartAmount          *big.Int
	EndAmount            *big.Int
}

type ConsiderationItem struct {
	ItemType             uint8
	Token                common.Address
	IdentifierOrCriteria *big.Int
	StartAmount          *big.Int
	EndAmount            *big.Int
	Recipient            common.Address
}

// OrderComponents is the signed order payload. Field order matches the contract tuple.
type OrderComponents struct {
	Offerer       common.Address
	Zone          common.Address
	Offer         []OfferItem
	Consideration []ConsiderationItem
	OrderType     uint8
	StartTime     *big.Int
	EndTime       *big.Int
	ZoneHash      [32]byte
	Salt          *big.Int
	ConduitKey    [32]byte
	Counter       *big.Int
}

// OrderParameters is OrderComponents with the counter replaced by the original consideration length.
type OrderParameters struct {
	Offerer                         common.Address
	Zone                            common.Address
	Offer                           []OfferItem
	Consideration                   []ConsiderationItem
	OrderType                       uint8
	StartTime                       *big.Int
	EndTime                         *big.Int
	ZoneHash                        [32]byte
	Salt                            *big.Int
	ConduitKey                      [32]byte
	TotalOriginalConsiderationItems *big.Int
}

type SignedOrder struct {
	Parameters OrderParameters
	Signature  []byte
}

func (c OrderComponents) Parameters() OrderParameters {
	return OrderParameters{
		Offerer:                         c.Offerer,
		Zone:                            c.Zone,
		Offer:                           c.Offer,
		Consideration:                   c.Consideration,
		OrderType:                       c.OrderType,
		StartTime:                       c.StartTime,
		EndTime:                         c.EndTime,
		ZoneHash:                        c.ZoneHash,
		Salt:                            c.Salt,
		ConduitKey:                      c.ConduitKey,
		TotalOriginalConsiderationItems: big.NewInt(int64(len(c.Consideration))),
	}
}

var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"OrderComponents": {
		{Name: "offerer", Type: "address"},
		{Name: "zone", Type: "address"},
		{Name: "offer", Type: "OfferItem[]"},
		{Name: "consideration", Type: "ConsiderationItem[]"},
		{Name: "orderType", Type: "uint8"},
		{Name: "startTime", Type: "uint256"},
		{Name: "endTime", Type: "uint256"},
		{Name: "zoneHash", Type: "bytes32"},
		{Name: "salt", Type: "uint256"},
		{Name: "conduitKey", Type: "bytes32"},
		{Name: "counter", Type: "uint256"},
	},
	"OfferItem": {
		{Name: "itemType", Type: "uint8"},
		{Name: "token", Type: "address"},
		{Name: "identifierOrCriteria", Type: "uint256"},
		{Name: "startAmount", Type: "uint256"},
		{Name: "endAmount", Type: "uint256"},
	},
	"ConsiderationItem": {
		{Name: "itemType", Type: "uint8"},
		{Name: "token", Type: "address"},
		{Name: "identifierOrCriteria", Type: "uint256"},
		{Name: "startAmount", Type: "uint256"},
		{Name: "endAmount", Type: "uint256"},
		{Name: "recipient", Type: "address"},
	},
}

// Domain identifies the exchange deployment an order is signed for.
type Domain struct {
	Version  string
	ChainID  int64
	Exchange common.Address
}

// TypedData builds the EIP-712 payload a wallet signs for the order.
func TypedData(domain Domain, c OrderComponents) apitypes.TypedData {
	offer := make([]interface{}, len(c.Offer))
	for i, item := range c.Offer {
		offer[i] = map[string]interface{}{
			"itemType":             fmt.Sprint(item.ItemType),
			"token":                item.Token.Hex(),
			"identifierOrCriteria": bigString(item.IdentifierOrCriteria),
			"startAmount":          bigString(item.StartAmount),
			"endAmount":            bigString(item.EndAmount),
		}
	}

	consideration := make([]interface{}, len(c.Consideration))
	for i, item := range c.Consideration {
		consideration[i] = map[string]interface{}{
			"itemType":             fmt.Sprint(item.ItemType),
			"token":                item.Token.Hex(),
			"identifierOrCriteria": bigString(item.IdentifierOrCriteria),
			"startAmount":          bigString(item.StartAmount),
			"endAmount":            bigString(item.EndAmount),
			"recipient":            item.Recipient.Hex(),
		}
	}

	return apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "OrderComponents",
		Domain: apitypes.TypedDataDomain{
			Name:              DomainName,
			Version:           domain.Version,
			ChainId:           math.NewHexOrDecimal256(domain.ChainID),
			VerifyingContract: domain.Exchange.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"offerer":       c.Offerer.Hex(),
			"zone":          c.Zone.Hex(),
			"offer":         offer,
			"consideration": consideration,
			"orderType":     fmt.Sprint(c.OrderType),
			"startTime":     bigString(c.StartTime),
			"endTime":       bigString(c.EndTime),
			"zoneHash":      hexutil.Encode(c.ZoneHash[:]),
			"salt":          bigString(c.Salt),
			"conduitKey":    hexutil.Encode(c.ConduitKey[:]),
			"counter":       bigString(c.Counter),
		},
	}
}

// Digest returns the EIP-712 digest the offerer signed.
func Digest(domain Domain, c OrderComponents) (common.Hash, error) {
	hash, _, err := apitypes.TypedDataAndHash(TypedData(domain, c))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return common.BytesToHash(hash), nil
}

// RecoverSigner recovers the address that produced sig over digest. It accepts 65-byte
// signatures (v as 0/1 or 27/28) and 64-byte compact signatures.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	var normalized []byte
	switch len(sig) {
	case 65:
		normalized = make([]byte, 65)
		copy(normalized, sig)
		if normalized[64] >= 27 {
			normalized[64] -= 27
		}
	case 64:
		// r || (yParity << 255 | s)
		normalized = make([]byte, 65)
		copy(normalized, sig[:32])
		vs := new(big.Int).SetBytes(sig[32:])
		normalized[64] = byte(vs.Bit(255))
		vs.SetBit(vs, 255, 0)
		vs.FillBytes(normalized[32:64])
	default:
		return common.Address{}, fmt.Errorf("%w: length %d", ErrMalformedSignature, len(sig))
	}

	if normalized[64] > 1 {
		return common.Address{}, fmt.Errorf("%w: invalid recovery id", ErrMalformedSignature)
	}

	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
