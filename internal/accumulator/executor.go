package accumulator

import (
	"context"
	"fmt"
	"math/big"

	"unit/intents/internal/codec"
	"unit/intents/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Mode is how a completed fill is released. Exactly one applies to any params.
type Mode int

const (
	ModeDirectTransfer Mode = iota + 1
	ModeTransform
	ModeExecuteOnly
)

func (m Mode) String() string {
	switch m {
	case ModeDirectTransfer:
		return "direct"
	case ModeTransform:
		return "transform"
	case ModeExecuteOnly:
		return "execute_only"
	}
	return "unknown"
}

func resolveMode(p models.ExecutionParams) (Mode, error) {
	switch {
	case len(p.DestCalls) == 0:
		if p.FinalOutputToken != p.OutputToken {
			return 0, ErrInvalidFinalOutputTokenForDirectTransfer
		}
		return ModeDirectTransfer, nil
	case p.FinalOutputToken == (common.Address{}):
		return ModeExecuteOnly, nil
	default:
		return ModeTransform, nil
	}
}

type Settlement struct {
	FillID       common.Hash
	Mode         Mode
	Recipient    common.Address
	Produced     *big.Int
	ToRecipient  *big.Int
	ToOwner      *big.Int
	SourceChains []uint64
}

// ExecuteIntent releases an ACCUMULATED fill. The Merkle proof and signature are the
// only authorisation on this path.
func (a *Accumulator) ExecuteIntent(ctx context.Context, caller common.Address, params models.ExecutionParams, proof []common.Hash, signature []byte) (*Settlement, error) {
	var out *Settlement
	err := a.chain.Do(ctx, func(ctx context.Context) error {
		s, err := a.executeIntent(ctx, caller, codec.Normalize(params), proof, signature)
		out = s
		return err
	})
	if err != nil {
		reason := err.Error()
		if _, ok := ClassOf(err); !ok {
			reason = "call_failed"
		}
		a.metrics.IncExecution(a.chainID, "", reason)
		a.log.WithError(err).Warn("executeIntent reverted")
		return nil, err
	}
	a.metrics.IncExecution(a.chainID, out.Mode.String(), "ok")
	return out, nil
}

func (a *Accumulator) executeIntent(ctx context.Context, caller common.Address, params models.ExecutionParams, proof []common.Hash, signature []byte) (*Settlement, error) {
	fillID, err := codec.FillID(a.owner, params)
	if err != nil {
		return nil, fmt.Errorf("fill id: %w", err)
	}
	fill, err := a.lookup(ctx, fillID)
	if err != nil {
		return nil, err
	}
	if fill == nil {
		return nil, ErrThresholdNotMet
	}
	switch fill.Status {
	case models.FillExecuted:
		return nil, ErrAlreadyExecuted
	case models.FillStale:
		return nil, ErrFillTerminal
	case models.FillAccumulated:
	default:
		return nil, ErrThresholdNotMet
	}
	if params.DestinationCaller != (common.Address{}) && caller != params.DestinationCaller {
		return nil, ErrUnauthorizedDestinationCaller
	}

	structHash, err := codec.ParamsStructHash(params)
	if err != nil {
		return nil, err
	}
	leaf, err := codec.LeafHash(structHash, a.owner, a.chain.ID)
	if err != nil {
		return nil, err
	}
	ok, err := a.verifier.VerifyRoot(ctx, codec.ProcessProof(proof, leaf), signature)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidMerkleSignature
	}

	mode, err := resolveMode(params)
	if err != nil {
		return nil, err
	}

	// status and reservation are committed before any destCall runs
	prev := fill.Clone()
	received := new(big.Int).Set(fill.Received)
	fill.Status = models.FillExecuted
	if err := a.commit(ctx, prev, fill, new(big.Int).Neg(received)); err != nil {
		return nil, err
	}

	s := &Settlement{
		FillID:       fillID,
		Mode:         mode,
		Recipient:    params.Recipient,
		Produced:     new(big.Int),
		ToRecipient:  new(big.Int),
		ToOwner:      new(big.Int),
		SourceChains: append([]uint64(nil), fill.SourceChains...),
	}
	switch mode {
	case ModeDirectTransfer:
		err = a.settleDirect(params, received, s)
	case ModeTransform:
		err = a.settleTransform(ctx, params, received, s)
	case ModeExecuteOnly:
		if err = a.runCalls(ctx, params.DestCalls); err == nil {
			err = a.checkReserved(ctx, params.OutputToken)
		}
		s.Produced.Set(received)
	}
	if err != nil {
		return nil, err
	}

	amount := s.ToRecipient
	if mode == ModeExecuteOnly {
		amount = received
	}
	ev := IntentExecutedEvent{
		Ledger:       a.address,
		ChainID:      a.chain.ID,
		FillID:       fillID,
		Mode:         mode,
		Recipient:    params.Recipient,
		Amount:       new(big.Int).Set(amount),
		SourceChains: s.SourceChains,
	}
	a.chain.afterCommit(func() { a.feeds.executed.Send(ev) })

	a.log.WithFields(logrus.Fields{
		"fill_id":      fillID.Hex(),
		"mode":         mode.String(),
		"to_recipient": s.ToRecipient.String(),
		"to_owner":     s.ToOwner.String(),
	}).Info("intent executed")
	return s, nil
}

func (a *Accumulator) settleDirect(p models.ExecutionParams, received *big.Int, s *Settlement) error {
	s.Produced.Set(received)
	s.ToRecipient.Set(minBig(received, p.FinalMinOutput))
	s.ToOwner.Sub(received, s.ToRecipient)
	if err := a.chain.Bank.Transfer(p.OutputToken, a.address, p.Recipient, s.ToRecipient); err != nil {
		return err
	}
	return a.refund(p.OutputToken, s.ToOwner)
}

// settleTransform runs destCalls and measures what they produced in finalOutputToken.
func (a *Accumulator) settleTransform(ctx context.Context, p models.ExecutionParams, received *big.Int, s *Settlement) error {
	bank := a.chain.Bank
	finalBefore := bank.BalanceOf(p.FinalOutputToken, a.address)
	outputBefore := bank.BalanceOf(p.OutputToken, a.address)

	if err := a.runCalls(ctx, p.DestCalls); err != nil {
		return err
	}
	if err := a.checkReserved(ctx, p.OutputToken, p.FinalOutputToken); err != nil {
		return err
	}

	produced := new(big.Int).Sub(bank.BalanceOf(p.FinalOutputToken, a.address), finalBefore)
	if p.FinalOutputToken == p.OutputToken {
		produced.Add(produced, received)
	}
	if produced.Sign() < 0 {
		produced.SetInt64(0)
	}
	s.Produced.Set(produced)
	if produced.Cmp(p.FinalMinOutput) < 0 {
		return ErrInsufficientOutput
	}

	s.ToRecipient.Set(p.FinalMinOutput)
	s.ToOwner.Sub(produced, s.ToRecipient)
	if err := bank.Transfer(p.FinalOutputToken, a.address, p.Recipient, s.ToRecipient); err != nil {
		return err
	}
	if err := a.refund(p.FinalOutputToken, s.ToOwner); err != nil {
		return err
	}

	if p.FinalOutputToken != p.OutputToken {
		// the fill's share of outputToken the calls did not consume goes back to the owner
		base := new(big.Int).Sub(outputBefore, received)
		leftover := new(big.Int).Sub(bank.BalanceOf(p.OutputToken, a.address), base)
		if leftover.Sign() > 0 {
			if err := a.refund(p.OutputToken, leftover); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkReserved fails when destCalls left the ledger holding less of a token than the
// other open fills have reserved.
func (a *Accumulator) checkReserved(ctx context.Context, tokens ...common.Address) error {
	for _, token := range tokens {
		reserved, err := a.store.Reservation(ctx, a.address, token)
		if err != nil {
			return err
		}
		if a.chain.Bank.BalanceOf(token, a.address).Cmp(reserved) < 0 {
			return ErrReservationBreached
		}
	}
	return nil
}

func (a *Accumulator) runCalls(ctx context.Context, calls []models.Call) error {
	for _, c := range calls {
		if err := a.calls.Call(ctx, a.address, c); err != nil {
			return err
		}
	}
	return nil
}

func minBig(x, y *big.Int) *big.Int {
	if x.Cmp(y) < 0 {
		return new(big.Int).Set(x)
	}
	return new(big.Int).Set(y)
}
