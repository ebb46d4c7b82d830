package accumulator

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"unit/intents/internal/codec"
	"unit/intents/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Delivery is one bridge arrival. The tokens are already held by the ledger.
type Delivery struct {
	Caller        common.Address
	OriginChainID uint64
	Token         common.Address
	Amount        *big.Int
	Message       []byte
}

type RefundReason string

const (
	RefundNone          RefundReason = ""
	RefundOverfill      RefundReason = "overfill"
	RefundStale         RefundReason = "stale"
	RefundTokenMismatch RefundReason = "token_mismatch"
	RefundTerminal      RefundReason = "terminal"
)

type Receipt struct {
	FillID common.Hash
	// Status is the fill status after the call, empty when no record exists.
	Status   models.FillStatus
	Credited *big.Int
	Refunded *big.Int
	Reason   RefundReason
	Ready    bool
}

// Accumulate credits a delivery to its fill. Anything that cannot be credited is returned
// to the owner in the same call.
func (a *Accumulator) Accumulate(ctx context.Context, d Delivery) (*Receipt, error) {
	var rcpt *Receipt
	err := a.chain.Do(ctx, func(ctx context.Context) error {
		r, err := a.accumulate(ctx, d)
		rcpt = r
		return err
	})
	if err != nil {
		a.metrics.IncDelivery(a.chainID, "rejected")
		a.log.WithError(err).WithField("origin_chain_id", d.OriginChainID).Warn("delivery rejected")
		return nil, err
	}
	outcome := string(rcpt.Status)
	if outcome == "" {
		outcome = string(rcpt.Reason)
	}
	a.metrics.IncDelivery(a.chainID, outcome)
	if rcpt.Reason != RefundNone {
		a.metrics.IncRefund(a.chainID, string(rcpt.Reason))
	}
	return rcpt, nil
}

func (a *Accumulator) accumulate(ctx context.Context, d Delivery) (*Receipt, error) {
	if d.Caller != a.spoke && d.Caller != a.owner {
		return nil, ErrUnrecognizedCaller
	}
	depositor, params, err := codec.DecodeMessage(d.Message)
	if err != nil {
		return nil, err
	}
	if depositor != a.owner {
		return nil, ErrInvalidOriginator
	}
	fillID, err := codec.FillID(depositor, params)
	if err != nil {
		return nil, fmt.Errorf("fill id: %w", err)
	}
	amount := nonNil(d.Amount)
	rcpt := &Receipt{FillID: fillID, Credited: new(big.Int), Refunded: new(big.Int)}

	fill, err := a.lookup(ctx, fillID)
	if err != nil {
		return nil, err
	}
	log := a.log.WithFields(logrus.Fields{
		"fill_id":         fillID.Hex(),
		"origin_chain_id": d.OriginChainID,
		"amount":          amount.String(),
	})

	if fill != nil && fill.Status.Terminal() {
		if err := a.refund(d.Token, amount); err != nil {
			return nil, err
		}
		rcpt.Status, rcpt.Refunded, rcpt.Reason = fill.Status, amount, RefundTerminal
		log.WithField("status", fill.Status).Info("delivery to terminal fill refunded")
		return rcpt, nil
	}

	now := a.clock()
	if now.Unix() > int64(params.FillDeadline) {
		held, err := a.markStale(ctx, fill, params, fillID)
		if err != nil {
			return nil, err
		}
		if err := a.refund(d.Token, amount); err != nil {
			return nil, err
		}
		rcpt.Status, rcpt.Reason = models.FillStale, RefundStale
		rcpt.Refunded = new(big.Int).Add(amount, held)
		log.Info("late delivery refunded, fill stale")
		return rcpt, nil
	}

	if d.Token != params.OutputToken {
		if err := a.refund(d.Token, amount); err != nil {
			return nil, err
		}
		if fill != nil {
			rcpt.Status = fill.Status
		}
		rcpt.Refunded, rcpt.Reason = amount, RefundTokenMismatch
		log.WithField("token", d.Token.Hex()).Warn("delivery in wrong token refunded")
		return rcpt, nil
	}

	var prev *models.Fill
	if fill == nil {
		fill = newFill(fillID, params, now)
	} else {
		prev = fill.Clone()
	}

	credited := fill.Remaining()
	if amount.Cmp(credited) < 0 {
		credited = new(big.Int).Set(amount)
	}
	excess := new(big.Int).Sub(amount, credited)

	fill.Received = new(big.Int).Add(fill.Received, credited)
	if credited.Sign() > 0 {
		fill.ObserveSource(d.OriginChainID)
	}
	if fill.Status == models.FillAccumulating && fill.Received.Cmp(fill.SumOutput) == 0 {
		fill.Status = models.FillAccumulated
		rcpt.Ready = true
	}
	if err := a.commit(ctx, prev, fill, credited); err != nil {
		return nil, err
	}
	if err := a.refund(d.Token, excess); err != nil {
		return nil, err
	}

	rcpt.Status, rcpt.Credited, rcpt.Refunded = fill.Status, credited, excess
	if excess.Sign() > 0 {
		rcpt.Reason = RefundOverfill
	}
	log.WithFields(logrus.Fields{
		"credited": credited.String(),
		"received": fill.Received.String(),
		"status":   fill.Status,
	}).Info("delivery accumulated")

	if rcpt.Ready {
		ev := FillAccumulatedEvent{
			Ledger:   a.address,
			ChainID:  a.chain.ID,
			FillID:   fillID,
			Token:    fill.OutputToken,
			Received: new(big.Int).Set(fill.Received),
		}
		a.chain.afterCommit(func() { a.feeds.accumulated.Send(ev) })
	}
	return rcpt, nil
}

func newFill(id common.Hash, p models.ExecutionParams, now time.Time) *models.Fill {
	return &models.Fill{
		ID:           id,
		OutputToken:  p.OutputToken,
		SumOutput:    new(big.Int).Set(nonNil(p.SumOutput)),
		Received:     new(big.Int),
		FillDeadline: p.FillDeadline,
		Status:       models.FillAccumulating,
		CreatedAt:    now,
	}
}

// markStale moves a non-terminal fill (or an unseen one) to STALE, refunding what it held.
func (a *Accumulator) markStale(ctx context.Context, fill *models.Fill, p models.ExecutionParams, id common.Hash) (*big.Int, error) {
	var prev *models.Fill
	if fill == nil {
		fill = newFill(id, p, a.clock())
	} else {
		prev = fill.Clone()
	}
	held := fill.Received
	fill.Received = new(big.Int)
	fill.Status = models.FillStale
	if err := a.commit(ctx, prev, fill, new(big.Int).Neg(held)); err != nil {
		return nil, err
	}
	return held, a.refund(fill.OutputToken, held)
}

// MarkStale expires a fill that will never see another delivery.
func (a *Accumulator) MarkStale(ctx context.Context, caller common.Address, id common.Hash) (*big.Int, error) {
	refunded := new(big.Int)
	err := a.chain.Do(ctx, func(ctx context.Context) error {
		if caller != a.owner {
			return ErrNotOwner
		}
		fill, err := a.lookup(ctx, id)
		if err != nil {
			return err
		}
		if fill == nil {
			return ErrUnknownFill
		}
		if fill.Status.Terminal() {
			return ErrFillTerminal
		}
		if !fill.Expired(a.clock()) {
			return ErrNotExpired
		}
		held, err := a.markStale(ctx, fill, models.ExecutionParams{}, id)
		if err != nil {
			return err
		}
		refunded.Set(held)
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.metrics.IncRefund(a.chainID, string(RefundStale))
	a.log.WithFields(logrus.Fields{"fill_id": id.Hex(), "refunded": refunded.String()}).Info("fill marked stale")
	return refunded, nil
}
