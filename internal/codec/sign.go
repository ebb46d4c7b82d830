package codec

import (
	"errors"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidSignature = errors.New("invalid signature")

// RootDigest is the EIP-191 personal message digest the account signs over a batch root.
func RootDigest(root common.Hash) common.Hash {
	return common.BytesToHash(accounts.TextHash(root[:]))
}

// RequestDigest is the EIP-191 digest an account signs over an API request body.
func RequestDigest(body []byte) common.Hash {
	return RootDigest(crypto.Keccak256Hash(body))
}

// RecoverSigner accepts both 0/1 and 27/28 recovery ids.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	if s[64] > 1 {
		return common.Address{}, ErrInvalidSignature
	}
	pub, err := crypto.SigToPub(digest[:], s)
	if err != nil {
		return common.Address{}, errors.Join(ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// LedgerAddress computes the deterministic accumulator address of an account on a chain.
func LedgerAddress(factory, account common.Address, initCodeHash common.Hash) common.Address {
	salt := crypto.Keccak256Hash(account[:])
	return crypto.CreateAddress2(factory, salt, initCodeHash[:])
}
