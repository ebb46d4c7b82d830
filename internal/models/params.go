package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Call is one sub-call executed by an account batch or by an accumulator during settlement.
type Call struct {
	Target common.Address `json:"target"`
	Value  *big.Int       `json:"value"`
	Data   []byte         `json:"data"`
}

// ExecutionParams is the immutable settlement intent of a single fill. It is built once by
// the depositor, hashed into a struct hash and consumed exactly once by the executor.
type ExecutionParams struct {
	Salt              common.Hash    `json:"salt"`
	FillDeadline      uint32         `json:"fill_deadline"`
	SumOutput         *big.Int       `json:"sum_output"`
	OutputToken       common.Address `json:"output_token"`
	FinalMinOutput    *big.Int       `json:"final_min_output"`
	FinalOutputToken  common.Address `json:"final_output_token"`
	Recipient         common.Address `json:"recipient"`
	DestinationCaller common.Address `json:"destination_caller"`
	DestCalls         []Call         `json:"dest_calls"`
}

// ValueOrZero returns the call value, treating nil as zero.
func (c Call) ValueOrZero() *big.Int {
	if c.Value == nil {
		return new(big.Int)
	}
	return c.Value
}
