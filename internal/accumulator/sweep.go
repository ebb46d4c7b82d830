package accumulator

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Sweep moves the unreserved balance of token to the treasury. Reserved funds never move.
func (a *Accumulator) Sweep(ctx context.Context, caller, token common.Address) (*big.Int, error) {
	swept := new(big.Int)
	err := a.chain.Do(ctx, func(ctx context.Context) error {
		if caller != a.owner {
			return ErrNotOwner
		}
		reserved, err := a.store.Reservation(ctx, a.address, token)
		if err != nil {
			return err
		}
		free := new(big.Int).Sub(a.chain.Bank.BalanceOf(token, a.address), reserved)
		if free.Sign() <= 0 {
			return nil
		}
		if err := a.chain.Bank.Transfer(token, a.address, a.treasury, free); err != nil {
			return err
		}
		swept.Set(free)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if swept.Sign() > 0 {
		a.log.WithFields(logrus.Fields{
			"token":    token.Hex(),
			"amount":   swept.String(),
			"treasury": a.treasury.Hex(),
		}).Info("swept unreserved balance")
	}
	return swept, nil
}
