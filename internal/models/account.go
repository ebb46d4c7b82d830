package models

import (
	"unit/intents/internal/utils/address"

	"github.com/ethereum/go-ethereum/common"
)

// Account is a delegated smart account known to the planner: the account address itself
// and the key that signs its Merkle batches.
type Account struct {
	ID      string         `json:"id"`
	Address common.Address `json:"address"`
	Signer  common.Address `json:"signer"`
}

func NewAccount(accountAddr string, signerAddr string) (*Account, error) {
	checksummedAcct, err := address.Checksummed(accountAddr)
	if err != nil {
		return nil, err
	}

	checksummedSigner, err := address.Checksummed(signerAddr)
	if err != nil {
		return nil, err
	}

	return &Account{
		ID:      checksummedAcct,
		Address: common.HexToAddress(checksummedAcct),
		Signer:  common.HexToAddress(checksummedSigner),
	}, nil
}

func AccountID(accountAddr string) (string, error) {
	return address.Checksummed(accountAddr)
}
