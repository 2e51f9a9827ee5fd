package seaport

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// SignatureChecker is the on-chain side of signature verification.
type SignatureChecker interface {
	IsContract(ctx context.Context, chainID int64, account common.Address) (bool, error)
	IsValidSignature(ctx context.Context, chainID int64, wallet common.Address, digest common.Hash, sig []byte) (bool, error)
	Validate(ctx context.Context, chainID int64, exchange common.Address, order SignedOrder) (bool, error)
}

// VerifySignature reports whether the offerer authorised the order. The signature is
// accepted if it recovers to the offerer over the typed-data digest, if the offerer is
// a contract wallet that approves the digest (ERC-1271), or if the exchange's own
// validate() accepts it, which also covers bulk-order signatures.
func VerifySignature(ctx context.Context, checker SignatureChecker, domain Domain, components OrderComponents, sig []byte) (bool, error) {
	digest, err := Digest(domain, components)
	if err != nil {
		return false, err
	}

	signer, err := RecoverSigner(digest, sig)
	if err == nil && signer == components.Offerer {
		return true, nil
	}

	isContract, err := checker.IsContract(ctx, domain.ChainID, components.Offerer)
	if err != nil {
		return false, fmt.Errorf("failed to check offerer code: %w", err)
	}
	if isContract {
		ok, err := checker.IsValidSignature(ctx, domain.ChainID, components.Offerer, digest, sig)
		if err != nil {
			return false, fmt.Errorf("failed to check contract wallet signature: %w", err)
		}
		if ok {
			return true, nil
		}
	}

	ok, err := checker.Validate(ctx, domain.ChainID, domain.Exchange, SignedOrder{Parameters: components.Parameters(), Signature: sig})
	if err != nil {
		return false, fmt.Errorf("failed to simulate validate: %w", err)
	}
	return ok, nil
}
