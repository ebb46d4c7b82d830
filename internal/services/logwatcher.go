package services

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"unit/intents/internal/codec"
	"unit/intents/internal/logging"
	"unit/intents/internal/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

type ReadySink interface {
	MarkReady(ctx context.Context, key models.ReadyKey) error
}

// Checkpoints remembers how far each chain has been scanned.
type Checkpoints interface {
	Checkpoint(ctx context.Context, chainID uint64) (uint64, bool, error)
	PutCheckpoint(ctx context.Context, chainID uint64, block uint64) error
}

// LogWatcher polls one chain for FillAccumulated logs that are at least minConfirmations
// deep and reports their fills as ready.
type LogWatcher struct {
	chainID          uint64
	client           EthBackend
	sink             ReadySink
	checkpoints      Checkpoints
	minConfirmations uint64
	interval         time.Duration
	log              logrus.FieldLogger

	err chan error

	lastBlock uint64
	resumed   bool
}

// NewLogWatcher returns a watcher for chainID. With checkpoints set it resumes after the
// last scanned block; otherwise it starts at the current safe head.
func NewLogWatcher(chainID uint64, client EthBackend, sink ReadySink, checkpoints Checkpoints, minConfirmations uint64, logger logrus.FieldLogger) *LogWatcher {
	return &LogWatcher{
		chainID:          chainID,
		client:           client,
		sink:             sink,
		checkpoints:      checkpoints,
		minConfirmations: minConfirmations,
		interval:         2 * time.Second,
		log:              logging.OrDiscard(logger).WithField("chain_id", chainID),
		err:              make(chan error, 1),
	}
}

// StartAt makes the next poll begin after block n instead of near the head.
func (w *LogWatcher) StartAt(n uint64) {
	w.lastBlock = n
	w.resumed = true
}

func (w *LogWatcher) Start(ctx context.Context) error {
	defer close(w.err)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if !w.resumed {
		if err := w.resume(ctx); err != nil && !w.report(ctx, err) {
			return ctx.Err()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			step := w.poll
			if !w.resumed {
				step = w.resume
			}
			if err := step(ctx); err != nil && !w.report(ctx, err) {
				return ctx.Err()
			}
		}
	}
}

func (w *LogWatcher) Err() <-chan error { return w.err }

func (w *LogWatcher) resume(ctx context.Context) error {
	if w.checkpoints != nil {
		n, ok, err := w.checkpoints.Checkpoint(ctx, w.chainID)
		if err != nil {
			return fmt.Errorf("error loading checkpoint: %w", err)
		}
		if ok {
			w.lastBlock, w.resumed = n, true
			w.log.WithField("block", n).Info("resuming from checkpoint")
			return nil
		}
	}
	safe, err := w.safeHead(ctx)
	if err != nil {
		return err
	}
	if w.checkpoints != nil {
		if err := w.checkpoints.PutCheckpoint(ctx, w.chainID, safe); err != nil {
			return fmt.Errorf("error saving checkpoint: %w", err)
		}
	}
	w.lastBlock, w.resumed = safe, true
	return nil
}

func (w *LogWatcher) poll(ctx context.Context) error {
	safe, err := w.safeHead(ctx)
	if err != nil {
		return err
	}
	if safe <= w.lastBlock {
		return nil
	}
	logs, err := w.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(w.lastBlock + 1),
		ToBlock:   new(big.Int).SetUint64(safe),
		Topics:    [][]common.Hash{{codec.FillAccumulatedTopic}},
	})
	if err != nil {
		return fmt.Errorf("FilterLogs(%d..%d): %w", w.lastBlock+1, safe, err)
	}
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev, err := codec.ParseFillAccumulated(l)
		if err != nil {
			w.log.WithError(err).WithField("tx", l.TxHash.Hex()).Warn("skipping malformed log")
			continue
		}
		key := models.ReadyKey{ChainID: w.chainID, Ledger: l.Address, FillID: ev.FillID}
		if err := w.sink.MarkReady(ctx, key); err != nil {
			return err
		}
		w.log.WithFields(logrus.Fields{
			"fill_id": ev.FillID.Hex(),
			"ledger":  l.Address.Hex(),
			"block":   l.BlockNumber,
		}).Info("fill ready")
	}
	if w.checkpoints != nil {
		if err := w.checkpoints.PutCheckpoint(ctx, w.chainID, safe); err != nil {
			return fmt.Errorf("error saving checkpoint: %w", err)
		}
	}
	w.lastBlock = safe
	return nil
}

func (w *LogWatcher) safeHead(ctx context.Context) (uint64, error) {
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("error getting latest block number: %w", err)
	}
	if head < w.minConfirmations {
		return 0, nil
	}
	return head - w.minConfirmations, nil
}

// report hands err to the consumer, returning false if ctx ended first.
func (w *LogWatcher) report(ctx context.Context, err error) bool {
	select {
	case w.err <- err:
		return true
	case <-ctx.Done():
		return false
	}
}
