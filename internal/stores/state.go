package stores

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"unit/intents/internal/models"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs  = []byte("relay_jobs")
	bucketPlans = []byte("plans")
	bucketReady = []byte("ready_fills")
	bucketHeads = []byte("log_checkpoints")

	ErrJobNotFound  = errors.New("relay job not found")
	ErrPlanNotFound = errors.New("plan not found")
)

// JobStore persists relay jobs and the plans they were cut from.
type JobStore interface {
	PutPlan(ctx context.Context, plan *models.Plan) error
	GetPlan(ctx context.Context, id string) (*models.Plan, error)
	PutIfAbsent(ctx context.Context, job *models.RelayJob) error
	Put(ctx context.Context, job *models.RelayJob) error
	Get(ctx context.Context, id string) (*models.RelayJob, error)
	Scan(ctx context.Context, visit func(*models.RelayJob) error) error

	MarkReady(ctx context.Context, key models.ReadyKey) error
	IsReady(ctx context.Context, key models.ReadyKey) (bool, error)
	// Checkpoint returns the last block scanned for ready signals on chainID.
	Checkpoint(ctx context.Context, chainID uint64) (uint64, bool, error)
	PutCheckpoint(ctx context.Context, chainID uint64, block uint64) error
}

type LocalJobStore struct {
	db *bolt.DB
}

func NewLocalJobStore(path string) (*LocalJobStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketJobs, bucketPlans, bucketReady, bucketHeads} {
			if _, e := tx.CreateBucketIfNotExists(b); e != nil {
				return e
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &LocalJobStore{db: db}, nil
}

func (s *LocalJobStore) PutPlan(ctx context.Context, plan *models.Plan) error {
	blob, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPlans).Put([]byte(plan.ID), blob)
	})
}

func (s *LocalJobStore) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	var out models.Plan
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPlans).Get([]byte(id))
		if v == nil {
			return ErrPlanNotFound
		}
		return json.Unmarshal(v, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PutIfAbsent keeps the first write for an id; resubmitting a plan never resets progress.
func (s *LocalJobStore) PutIfAbsent(ctx context.Context, job *models.RelayJob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b.Get([]byte(job.ID)) != nil {
			return nil
		}
		blob, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), blob)
	})
}

func (s *LocalJobStore) Put(ctx context.Context, job *models.RelayJob) error {
	blob, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Put([]byte(job.ID), blob)
	})
}

func (s *LocalJobStore) Get(ctx context.Context, id string) (*models.RelayJob, error) {
	var out models.RelayJob
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketJobs).Get([]byte(id))
		if v == nil {
			return ErrJobNotFound
		}
		return json.Unmarshal(v, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *LocalJobStore) Scan(ctx context.Context, visit func(*models.RelayJob) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobs).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var job models.RelayJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if err := visit(&job); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *LocalJobStore) MarkReady(ctx context.Context, key models.ReadyKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReady).Put([]byte(key.String()), []byte{1})
	})
}

func (s *LocalJobStore) IsReady(ctx context.Context, key models.ReadyKey) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketReady).Get([]byte(key.String())) != nil
		return nil
	})
	return ok, err
}

func (s *LocalJobStore) Checkpoint(ctx context.Context, chainID uint64) (uint64, bool, error) {
	var (
		block uint64
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketHeads).Get(chainKey(chainID))
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("corrupt checkpoint for chain %d", chainID)
		}
		block, found = binary.BigEndian.Uint64(v), true
		return nil
	})
	return block, found, err
}

func (s *LocalJobStore) PutCheckpoint(ctx context.Context, chainID uint64, block uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHeads).Put(chainKey(chainID), binary.BigEndian.AppendUint64(nil, block))
	})
}

func chainKey(chainID uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, chainID)
}

func (s *LocalJobStore) Close() error {
	return s.db.Close()
}
