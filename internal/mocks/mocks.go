package mocks

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"unit/intents/internal/models"
	"unit/intents/internal/stores"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// MockKeyStore answers for a single address. With Key set it produces real signatures,
// otherwise it echoes transactions back unsigned.
type MockKeyStore struct {
	Addr       common.Address
	Key        *ecdsa.PrivateKey
	Err        error
	HasKeyResp bool
	Called     int
	Signed     int
}

func (f *MockKeyStore) CreateKey(ctx context.Context) (common.Address, error) {
	f.Called++
	return f.Addr, f.Err
}

func (f *MockKeyStore) HasKey(ctx context.Context, addr common.Address) bool {
	return f.HasKeyResp || addr == f.Addr
}

func (f *MockKeyStore) SignTx(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	f.Signed++
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Key == nil {
		return tx, nil
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), f.Key)
}

func (f *MockKeyStore) SignRoot(ctx context.Context, signer common.Address, digest common.Hash) ([]byte, error) {
	f.Signed++
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Key == nil {
		return make([]byte, 65), nil
	}
	sig, err := crypto.Sign(digest[:], f.Key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

func (f *MockKeyStore) SignAuthorization(ctx context.Context, authority common.Address, auth types.SetCodeAuthorization) (types.SetCodeAuthorization, error) {
	if f.Err != nil {
		return types.SetCodeAuthorization{}, f.Err
	}
	if f.Key == nil {
		return auth, nil
	}
	return types.SignSetCode(f.Key, auth)
}

type MockAccountStore struct {
	GetFn         func(ctx context.Context, id string) (*models.Account, error)
	GetBySignerFn func(ctx context.Context, signer common.Address) ([]models.Account, error)
	InsertFn      func(ctx context.Context, a models.Account) error
	Inserted      *models.Account
	InsertErr     error
}

func (f *MockAccountStore) Get(ctx context.Context, id string) (*models.Account, error) {
	if f.GetFn != nil {
		return f.GetFn(ctx, id)
	}
	return nil, stores.ErrAccountNotFound
}

func (f *MockAccountStore) Insert(ctx context.Context, a models.Account) error {
	f.Inserted = &a
	if f.InsertFn != nil {
		return f.InsertFn(ctx, a)
	}
	return f.InsertErr
}

func (f *MockAccountStore) GetBySigner(ctx context.Context, signer common.Address) ([]models.Account, error) {
	if f.GetBySignerFn != nil {
		return f.GetBySignerFn(ctx, signer)
	}
	return nil, stores.ErrAccountNotFound
}

func (f *MockAccountStore) Close() error { return nil }
