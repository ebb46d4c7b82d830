package stores

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// sigV is the recovery id offset in a 65 byte [R || S || V] signature.
const sigV = 64

// KeyStore holds the relayer hot wallet and the batch signing keys of local accounts.
type KeyStore interface {
	CreateKey(ctx context.Context) (common.Address, error)
	HasKey(ctx context.Context, address common.Address) bool
	SignTx(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	SignRoot(ctx context.Context, signer common.Address, digest common.Hash) ([]byte, error)
	SignAuthorization(ctx context.Context, authority common.Address, auth types.SetCodeAuthorization) (types.SetCodeAuthorization, error)
}

type LocalKeyStore struct {
	ks         *keystore.KeyStore
	rootDir    string
	passphrase string
}

func NewLocalKeyStore(passphrase string, rootDir string) (*LocalKeyStore, error) {
	return newLocalKeyStore(passphrase, rootDir, keystore.StandardScryptN, keystore.StandardScryptP)
}

// NewLightKeyStore trades key-file hardness for speed; meant for devnets and tests.
func NewLightKeyStore(passphrase string, rootDir string) (*LocalKeyStore, error) {
	return newLocalKeyStore(passphrase, rootDir, keystore.LightScryptN, keystore.LightScryptP)
}

func newLocalKeyStore(passphrase, rootDir string, scryptN, scryptP int) (*LocalKeyStore, error) {
	if err := os.MkdirAll(rootDir, 0700); err != nil {
		return nil, err
	}
	ks := keystore.NewKeyStore(rootDir, scryptN, scryptP)
	return &LocalKeyStore{ks: ks, passphrase: passphrase, rootDir: rootDir}, nil
}

func (l *LocalKeyStore) CreateKey(ctx context.Context) (common.Address, error) {
	account, err := l.ks.NewAccount(l.passphrase)
	if err != nil {
		return common.Address{}, err
	}
	return account.Address, nil
}

func (l *LocalKeyStore) HasKey(ctx context.Context, address common.Address) bool {
	return l.ks.HasAddress(address)
}

func (l *LocalKeyStore) SignTx(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	account, err := l.get(from)
	if err != nil {
		return nil, err
	}
	return l.ks.SignTxWithPassphrase(account, l.passphrase, tx, chainID)
}

// SignRoot signs an already prefixed batch digest. V is returned as 27/28, the form
// on-chain verifiers expect.
func (l *LocalKeyStore) SignRoot(ctx context.Context, signer common.Address, digest common.Hash) ([]byte, error) {
	account, err := l.get(signer)
	if err != nil {
		return nil, err
	}
	sig, err := l.ks.SignHashWithPassphrase(account, l.passphrase, digest[:])
	if err != nil {
		return nil, err
	}
	sig[sigV] += 27
	return sig, nil
}

// SignAuthorization signs an EIP-7702 delegation for a locally held account key.
func (l *LocalKeyStore) SignAuthorization(ctx context.Context, authority common.Address, auth types.SetCodeAuthorization) (types.SetCodeAuthorization, error) {
	account, err := l.get(authority)
	if err != nil {
		return types.SetCodeAuthorization{}, err
	}
	sig, err := l.ks.SignHashWithPassphrase(account, l.passphrase, auth.SigHash().Bytes())
	if err != nil {
		return types.SetCodeAuthorization{}, err
	}
	auth.R.SetBytes(sig[:32])
	auth.S.SetBytes(sig[32:64])
	auth.V = sig[sigV]
	return auth, nil
}

func (l *LocalKeyStore) ImportECDSA(privKey *ecdsa.PrivateKey) (common.Address, error) {
	acct, err := l.ks.ImportECDSA(privKey, l.passphrase)
	if err != nil {
		return common.Address{}, err
	}
	return acct.Address, nil
}

func (l *LocalKeyStore) get(address common.Address) (accounts.Account, error) {
	if !l.ks.HasAddress(address) {
		return accounts.Account{}, fmt.Errorf("address not found: %s", address.Hex())
	}
	return l.ks.Find(accounts.Account{Address: address})
}
