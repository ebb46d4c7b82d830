package accumulator

import (
	"context"

	"unit/intents/internal/codec"

	"github.com/ethereum/go-ethereum/common"
)

// SignatureVerifier is the owning account's verify(root, signature) capability.
type SignatureVerifier interface {
	VerifyRoot(ctx context.Context, root common.Hash, signature []byte) (bool, error)
}

// AccountVerifier accepts signatures by the account's signer over the EIP-191 root digest.
type AccountVerifier struct {
	Signer common.Address
}

func (v AccountVerifier) VerifyRoot(ctx context.Context, root common.Hash, signature []byte) (bool, error) {
	got, err := codec.RecoverSigner(codec.RootDigest(root), signature)
	if err != nil {
		return false, nil
	}
	return got == v.Signer, nil
}
