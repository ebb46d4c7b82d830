package codec

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	FillAccumulatedTopic = AccumulatorABI.Events["FillAccumulated"].ID
	IntentExecutedTopic  = AccumulatorABI.Events["IntentExecuted"].ID
)

type FillAccumulatedLog struct {
	FillID   common.Hash
	Token    common.Address
	Received *big.Int
}

func ParseFillAccumulated(l types.Log) (*FillAccumulatedLog, error) {
	if len(l.Topics) != 3 || l.Topics[0] != FillAccumulatedTopic {
		return nil, fmt.Errorf("log %s:%d is not FillAccumulated", l.TxHash.Hex(), l.Index)
	}
	out, err := AccumulatorABI.Unpack("FillAccumulated", l.Data)
	if err != nil {
		return nil, err
	}
	return &FillAccumulatedLog{
		FillID:   l.Topics[1],
		Token:    common.BytesToAddress(l.Topics[2].Bytes()),
		Received: out[0].(*big.Int),
	}, nil
}

// FillAccumulatedData is the non-indexed payload of a FillAccumulated log.
func FillAccumulatedData(received *big.Int) ([]byte, error) {
	return AccumulatorABI.Events["FillAccumulated"].Inputs.NonIndexed().Pack(received)
}

// NewFillAccumulatedLog renders the ready signal as the log an accumulator contract would emit.
func NewFillAccumulatedLog(ledger common.Address, fillID common.Hash, token common.Address, received *big.Int) (types.Log, error) {
	data, err := FillAccumulatedData(received)
	if err != nil {
		return types.Log{}, err
	}
	return types.Log{
		Address: ledger,
		Topics:  []common.Hash{FillAccumulatedTopic, fillID, common.BytesToHash(token[:])},
		Data:    data,
	}, nil
}
