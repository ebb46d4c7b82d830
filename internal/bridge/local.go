package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"unit/intents/internal/accumulator"
	"unit/intents/internal/logging"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Endpoint is the bridge's presence on one chain. Spoke escrows inputs on the origin side
// and fronts the output liquidity on the destination side.
type Endpoint struct {
	Chain *accumulator.Chain
	Spoke common.Address
}

type Delivered struct {
	Order   Order
	Receipt *accumulator.Receipt
	Err     error
}

// LocalBridge is an in-process bridge between simulated chains. With Hold set, dispatched
// orders queue until released, in any order the caller chooses.
type LocalBridge struct {
	mu        sync.Mutex
	endpoints map[uint64]Endpoint
	ledgers   map[ledgerKey]*accumulator.Accumulator
	pending   []Order
	hold      bool
	log       logrus.FieldLogger

	// OnDelivered observes every delivery attempt.
	OnDelivered func(Delivered)
}

type ledgerKey struct {
	chainID uint64
	address common.Address
}

func NewLocalBridge(hold bool, logger logrus.FieldLogger) *LocalBridge {
	return &LocalBridge{
		endpoints: map[uint64]Endpoint{},
		ledgers:   map[ledgerKey]*accumulator.Accumulator{},
		hold:      hold,
		log:       logging.OrDiscard(logger),
	}
}

func (b *LocalBridge) AddEndpoint(chainID uint64, ep Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.endpoints[chainID] = ep
}

func (b *LocalBridge) AddLedger(acc *accumulator.Accumulator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ledgers[ledgerKey{acc.ChainID(), acc.Address()}] = acc
}

// Dispatch escrows the input on the origin chain, then delivers or queues the order.
func (b *LocalBridge) Dispatch(ctx context.Context, o Order) error {
	if err := o.validate(); err != nil {
		return err
	}
	origin, err := b.endpoint(o.OriginChainID)
	if err != nil {
		return err
	}
	if _, err := b.ledger(o); err != nil {
		return err
	}

	err = origin.Chain.Do(ctx, func(ctx context.Context) error {
		return origin.Chain.Bank.Transfer(o.InputToken, o.Depositor, origin.Spoke, o.Amount)
	})
	if err != nil {
		return fmt.Errorf("escrow on chain %d: %w", o.OriginChainID, err)
	}

	b.mu.Lock()
	if b.hold {
		b.pending = append(b.pending, o)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	_, err = b.Deliver(ctx, o)
	return err
}

func (b *LocalBridge) Pending() []Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Order(nil), b.pending...)
}

// ReleaseAt delivers the i-th pending order.
func (b *LocalBridge) ReleaseAt(ctx context.Context, i int) (*accumulator.Receipt, error) {
	b.mu.Lock()
	if i < 0 || i >= len(b.pending) {
		b.mu.Unlock()
		return nil, fmt.Errorf("no pending order at %d", i)
	}
	o := b.pending[i]
	b.pending = append(b.pending[:i], b.pending[i+1:]...)
	b.mu.Unlock()
	return b.Deliver(ctx, o)
}

// ReleaseAll delivers every pending order, newest first when reverse is set. A failed
// delivery does not stop the rest; the failures come back joined, and the receipts line up
// with the delivery order with nil for each failure.
func (b *LocalBridge) ReleaseAll(ctx context.Context, reverse bool) ([]*accumulator.Receipt, error) {
	b.mu.Lock()
	orders := b.pending
	b.pending = nil
	b.mu.Unlock()

	receipts := make([]*accumulator.Receipt, len(orders))
	var errs []error
	for i := range orders {
		o := orders[i]
		if reverse {
			o = orders[len(orders)-1-i]
		}
		rcpt, err := b.Deliver(ctx, o)
		if err != nil {
			errs = append(errs, fmt.Errorf("delivering %s from chain %d to %s: %w", o.Amount, o.OriginChainID, o.Ledger.Hex(), err))
			continue
		}
		receipts[i] = rcpt
	}
	return receipts, errors.Join(errs...)
}

// Deliver releases o on its destination chain without touching the origin side. Orders
// received from another process enter here.
func (b *LocalBridge) Deliver(ctx context.Context, o Order) (*accumulator.Receipt, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	dest, err := b.endpoint(o.DestinationChainID)
	if err != nil {
		return nil, err
	}
	ledger, err := b.ledger(o)
	if err != nil {
		return nil, err
	}

	var rcpt *accumulator.Receipt
	err = dest.Chain.Do(ctx, func(ctx context.Context) error {
		if err := dest.Chain.Bank.Transfer(o.Token, dest.Spoke, o.Ledger, o.Amount); err != nil {
			return err
		}
		r, err := ledger.Accumulate(ctx, accumulator.Delivery{
			Caller:        dest.Spoke,
			OriginChainID: o.OriginChainID,
			Token:         o.Token,
			Amount:        o.Amount,
			Message:       o.Message,
		})
		rcpt = r
		return err
	})

	entry := b.log.WithFields(logrus.Fields{
		"origin_chain_id":      o.OriginChainID,
		"destination_chain_id": o.DestinationChainID,
		"ledger":               o.Ledger.Hex(),
		"amount":               o.Amount.String(),
	})
	if err != nil {
		entry.WithError(err).Warn("delivery failed")
	} else {
		entry.WithField("fill_id", rcpt.FillID.Hex()).Debug("delivered")
	}
	if b.OnDelivered != nil {
		b.OnDelivered(Delivered{Order: o, Receipt: rcpt, Err: err})
	}
	return rcpt, err
}

func (b *LocalBridge) endpoint(chainID uint64) (Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ep, ok := b.endpoints[chainID]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w %d", ErrUnknownChain, chainID)
	}
	return ep, nil
}

func (b *LocalBridge) ledger(o Order) (*accumulator.Accumulator, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.endpoints[o.DestinationChainID]; !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownChain, o.DestinationChainID)
	}
	acc, ok := b.ledgers[ledgerKey{o.DestinationChainID, o.Ledger}]
	if !ok {
		return nil, fmt.Errorf("%w %s on chain %d", ErrUnknownLedger, o.Ledger.Hex(), o.DestinationChainID)
	}
	return acc, nil
}
