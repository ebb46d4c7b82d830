package stores

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"unit/intents/internal/models"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketByID     = []byte("accounts_by_id")
	bucketBySigner = []byte("accounts_by_signer")

	ErrAccountNotFound = errors.New("account not found")
)

type AccountStore interface {
	Insert(ctx context.Context, account models.Account) error
	Get(ctx context.Context, id string) (*models.Account, error)
	GetBySigner(ctx context.Context, signer common.Address) ([]models.Account, error)
	Close() error
}

type LocalAccountStore struct {
	db *bolt.DB
}

func NewLocalAccountStore(path string) (*LocalAccountStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists(bucketByID); e != nil {
			return e
		}
		if _, e := tx.CreateBucketIfNotExists(bucketBySigner); e != nil {
			return e
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &LocalAccountStore{db: db}, nil
}

// Insert stores account under its id and indexes it by signer, so one signing key can
// control several accounts.
func (a *LocalAccountStore) Insert(ctx context.Context, account models.Account) error {
	data, err := json.Marshal(account)
	if err != nil {
		return err
	}

	return a.db.Update(func(tx *bolt.Tx) error {
		byID := tx.Bucket(bucketByID)
		if prev := byID.Get([]byte(account.ID)); prev != nil {
			var old models.Account
			if err := json.Unmarshal(prev, &old); err != nil {
				return err
			}
			if err := tx.Bucket(bucketBySigner).Delete(signerKey(old.Signer, old.ID)); err != nil {
				return err
			}
		}
		if err := byID.Put([]byte(account.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketBySigner).Put(signerKey(account.Signer, account.ID), []byte(account.ID))
	})
}

func (a *LocalAccountStore) Get(ctx context.Context, id string) (*models.Account, error) {
	var acct models.Account

	err := a.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketByID).Get([]byte(id))
		if v == nil {
			return ErrAccountNotFound
		}
		return json.Unmarshal(v, &acct)
	})
	if err != nil {
		return nil, err
	}

	return &acct, nil
}

func (a *LocalAccountStore) GetBySigner(ctx context.Context, signer common.Address) ([]models.Account, error) {
	var out []models.Account
	err := a.db.View(func(tx *bolt.Tx) error {
		byID := tx.Bucket(bucketByID)
		c := tx.Bucket(bucketBySigner).Cursor()
		prefix := signer.Bytes()
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			v := byID.Get(id)
			if v == nil {
				continue
			}
			var acct models.Account
			if err := json.Unmarshal(v, &acct); err != nil {
				return err
			}
			out = append(out, acct)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrAccountNotFound
	}
	return out, nil
}

func (a *LocalAccountStore) Close() error {
	return a.db.Close()
}

func signerKey(signer common.Address, id string) []byte {
	return append(signer.Bytes(), []byte(id)...)
}
