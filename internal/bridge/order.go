// Package bridge moves funds and intent messages from origin chains to destination
// ledgers.
package bridge

import (
	"context"
	"errors"
	"math/big"

	"unit/intents/internal/codec"
	"unit/intents/internal/models"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownChain  = errors.New("bridge: unknown chain")
	ErrUnknownLedger = errors.New("bridge: unknown ledger")
	ErrInvalidOrder  = errors.New("bridge: invalid order")
)

// Order is one outbound transfer: InputToken leaves the depositor on the origin chain and
// Amount of Token arrives at Ledger on the destination chain together with Message.
type Order struct {
	OriginChainID      uint64         `json:"origin_chain_id"`
	DestinationChainID uint64         `json:"destination_chain_id"`
	Depositor          common.Address `json:"depositor"`
	InputToken         common.Address `json:"input_token"`
	Token              common.Address `json:"token"`
	Amount             *big.Int       `json:"amount"`
	Ledger             common.Address `json:"ledger"`
	Message            []byte         `json:"message"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, o Order) error
}

// NewOrder builds an order carrying p to ledger. The message is the same encoding the
// ledger decodes, so the fill id on both sides matches.
func NewOrder(origin, destination uint64, depositor common.Address, inputToken common.Address, amount *big.Int, ledger common.Address, p models.ExecutionParams) (Order, error) {
	msg, err := codec.EncodeMessage(depositor, p)
	if err != nil {
		return Order{}, err
	}
	return Order{
		OriginChainID:      origin,
		DestinationChainID: destination,
		Depositor:          depositor,
		InputToken:         inputToken,
		Token:              p.OutputToken,
		Amount:             new(big.Int).Set(amount),
		Ledger:             ledger,
		Message:            msg,
	}, nil
}

// DepositCall is the origin-chain spoke call an account batch runs to dispatch o.
func DepositCall(spoke common.Address, o Order) (models.Call, error) {
	data, err := codec.PackDeposit(o.DestinationChainID, o.InputToken, o.Amount, o.Ledger, o.Message)
	if err != nil {
		return models.Call{}, err
	}
	return models.Call{Target: spoke, Value: new(big.Int), Data: data}, nil
}

func (o Order) validate() error {
	if o.Amount == nil || o.Amount.Sign() <= 0 {
		return ErrInvalidOrder
	}
	if o.Ledger == (common.Address{}) || len(o.Message) == 0 {
		return ErrInvalidOrder
	}
	return nil
}
