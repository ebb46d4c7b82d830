// Package accumulator is the destination-side settlement ledger: it collects partial
// bridge deliveries per intent, refunds what it cannot use, and releases a completed fill
// exactly once against a Merkle-authorised signature.
package accumulator

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"time"

	"unit/intents/internal/logging"
	"unit/intents/internal/metrics"
	"unit/intents/internal/models"
	"unit/intents/internal/stores"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

type Config struct {
	// Owner is the account the ledger belongs to; refunds go here.
	Owner common.Address
	// Address is the ledger's own address on the chain.
	Address common.Address
	// Spoke is the bridge adapter allowed to deliver funds.
	Spoke common.Address
	// Treasury receives swept funds; defaults to Owner.
	Treasury common.Address

	Chain    *Chain
	Store    stores.FillStore
	Verifier SignatureVerifier
	// Calls runs destCalls; defaults to the chain's router.
	Calls CallRunner

	Clock   func() time.Time
	Logger  logrus.FieldLogger
	Metrics *metrics.Registry
}

type Accumulator struct {
	owner    common.Address
	address  common.Address
	spoke    common.Address
	treasury common.Address

	chain    *Chain
	store    stores.FillStore
	verifier SignatureVerifier
	calls    CallRunner

	clock   func() time.Time
	log     logrus.FieldLogger
	metrics *metrics.Registry
	chainID string

	feeds feeds
}

func New(cfg Config) (*Accumulator, error) {
	if cfg.Owner == (common.Address{}) {
		return nil, errors.New("accumulator: owner is required")
	}
	if cfg.Chain == nil || cfg.Store == nil || cfg.Verifier == nil {
		return nil, errors.New("accumulator: chain, store and verifier are required")
	}
	a := &Accumulator{
		owner:    cfg.Owner,
		address:  cfg.Address,
		spoke:    cfg.Spoke,
		treasury: cfg.Treasury,
		chain:    cfg.Chain,
		store:    cfg.Store,
		verifier: cfg.Verifier,
		calls:    cfg.Calls,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		chainID:  strconv.FormatUint(cfg.Chain.ID, 10),
	}
	if a.treasury == (common.Address{}) {
		a.treasury = a.owner
	}
	if a.calls == nil {
		a.calls = cfg.Chain.Router
	}
	if a.clock == nil {
		a.clock = time.Now
	}
	a.log = logging.OrDiscard(cfg.Logger).WithFields(logrus.Fields{
		"ledger":   a.address.Hex(),
		"chain_id": cfg.Chain.ID,
	})
	return a, nil
}

func (a *Accumulator) Owner() common.Address   { return a.owner }
func (a *Accumulator) Address() common.Address { return a.address }
func (a *Accumulator) ChainID() uint64         { return a.chain.ID }

func (a *Accumulator) Fill(ctx context.Context, id common.Hash) (*models.Fill, error) {
	fill, err := a.store.GetFill(ctx, a.address, id)
	if errors.Is(err, stores.ErrFillNotFound) {
		return nil, ErrUnknownFill
	}
	return fill, err
}

func (a *Accumulator) Reservation(ctx context.Context, token common.Address) (*big.Int, error) {
	return a.store.Reservation(ctx, a.address, token)
}

func (a *Accumulator) Balance(token common.Address) *big.Int {
	return a.chain.Bank.BalanceOf(token, a.address)
}

// lookup returns nil without error for unseen fills.
func (a *Accumulator) lookup(ctx context.Context, id common.Hash) (*models.Fill, error) {
	fill, err := a.store.GetFill(ctx, a.address, id)
	if errors.Is(err, stores.ErrFillNotFound) {
		return nil, nil
	}
	return fill, err
}

// commit persists fill and moves its token's reservation by delta, journaling the
// previous state so a failing call can undo it. prev is nil for a new fill.
func (a *Accumulator) commit(ctx context.Context, prev, fill *models.Fill, delta *big.Int) error {
	reserved, err := a.store.Reservation(ctx, a.address, fill.OutputToken)
	if err != nil {
		return err
	}
	next := new(big.Int).Add(reserved, delta)
	if next.Sign() < 0 {
		return errors.New("reservation underflow")
	}
	fill.UpdatedAt = a.clock()
	if err := a.store.Commit(ctx, a.address, fill, next); err != nil {
		return err
	}
	id, token := fill.ID, fill.OutputToken
	a.chain.onRevert(func(ctx context.Context) error {
		return a.store.Revert(ctx, a.address, id, prev, token, reserved)
	})
	return nil
}

func (a *Accumulator) refund(token common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	return a.chain.Bank.Transfer(token, a.address, a.owner, amount)
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
