package stores

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"

	"unit/intents/internal/models"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketFills        = []byte("fills")
	bucketReservations = []byte("reservations")

	ErrFillNotFound = errors.New("fill not found")
)

// FillStore persists fill records and token reservations, scoped per ledger address.
type FillStore interface {
	GetFill(ctx context.Context, ledger common.Address, id common.Hash) (*models.Fill, error)
	Reservation(ctx context.Context, ledger, token common.Address) (*big.Int, error)
	// Commit writes the fill and the new reservation total of its output token atomically.
	Commit(ctx context.Context, ledger common.Address, fill *models.Fill, reservation *big.Int) error
	// Revert restores an earlier version of a fill, deleting it when prev is nil, together
	// with the reservation total of token.
	Revert(ctx context.Context, ledger common.Address, id common.Hash, prev *models.Fill, token common.Address, reservation *big.Int) error
	ScanFills(ctx context.Context, ledger common.Address, visit func(*models.Fill) error) error
}

type LocalFillStore struct {
	db *bolt.DB
}

func NewLocalFillStore(path string) (*LocalFillStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists(bucketFills); e != nil {
			return e
		}
		if _, e := tx.CreateBucketIfNotExists(bucketReservations); e != nil {
			return e
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &LocalFillStore{db: db}, nil
}

func scopedKey(ledger common.Address, key []byte) []byte {
	out := make([]byte, 0, common.AddressLength+len(key))
	out = append(out, ledger[:]...)
	return append(out, key...)
}

func (s *LocalFillStore) GetFill(ctx context.Context, ledger common.Address, id common.Hash) (*models.Fill, error) {
	var out models.Fill
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketFills).Get(scopedKey(ledger, id[:]))
		if v == nil {
			return ErrFillNotFound
		}
		return json.Unmarshal(v, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *LocalFillStore) Reservation(ctx context.Context, ledger, token common.Address) (*big.Int, error) {
	out := new(big.Int)
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketReservations).Get(scopedKey(ledger, token[:])); v != nil {
			out.SetBytes(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *LocalFillStore) Commit(ctx context.Context, ledger common.Address, fill *models.Fill, reservation *big.Int) error {
	if reservation.Sign() < 0 {
		return errors.New("negative reservation")
	}
	blob, err := json.Marshal(fill)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketFills).Put(scopedKey(ledger, fill.ID[:]), blob); err != nil {
			return err
		}
		return tx.Bucket(bucketReservations).Put(scopedKey(ledger, fill.OutputToken[:]), reservation.Bytes())
	})
}

func (s *LocalFillStore) Revert(ctx context.Context, ledger common.Address, id common.Hash, prev *models.Fill, token common.Address, reservation *big.Int) error {
	var blob []byte
	if prev != nil {
		var err error
		if blob, err = json.Marshal(prev); err != nil {
			return err
		}
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		fills := tx.Bucket(bucketFills)
		if prev == nil {
			if err := fills.Delete(scopedKey(ledger, id[:])); err != nil {
				return err
			}
		} else if err := fills.Put(scopedKey(ledger, id[:]), blob); err != nil {
			return err
		}
		return tx.Bucket(bucketReservations).Put(scopedKey(ledger, token[:]), reservation.Bytes())
	})
}

func (s *LocalFillStore) ScanFills(ctx context.Context, ledger common.Address, visit func(*models.Fill) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketFills).Cursor()
		prefix := ledger[:]
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var fill models.Fill
			if err := json.Unmarshal(v, &fill); err != nil {
				return err
			}
			if err := visit(&fill); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *LocalFillStore) Close() error {
	return s.db.Close()
}
