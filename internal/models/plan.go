package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type Bucket string

const (
	BucketImmediate  Bucket = "IMMEDIATE"
	BucketBackground Bucket = "BACKGROUND"
	BucketDeferred   Bucket = "DEFERRED"
)

type LeafKind string

const (
	LeafExecute     LeafKind = "EXECUTE"
	LeafAccumulator LeafKind = "ACCUMULATOR"
)

// ExecuteLeaf is a batch of raw calls the account runs on one chain.
type ExecuteLeaf struct {
	ChainID               uint64                      `json:"chain_id"`
	Calls                 []Call                      `json:"calls"`
	InitInjected          bool                        `json:"init_injected"`
	RequiresAuthorization bool                        `json:"requires_authorization"`
	Authorization         *types.SetCodeAuthorization `json:"authorization,omitempty"`
}

// AccumulatorLeaf authorises executeIntent on a destination accumulator.
type AccumulatorLeaf struct {
	ChainID     uint64          `json:"chain_id"`
	Accumulator common.Address  `json:"accumulator"`
	Params      ExecutionParams `json:"params"`
}

// Leaf is one entry of a plan's Merkle batch. Exactly one of Execute and Accumulator is set.
type Leaf struct {
	Kind        LeafKind         `json:"kind"`
	Execute     *ExecuteLeaf     `json:"execute,omitempty"`
	Accumulator *AccumulatorLeaf `json:"accumulator,omitempty"`
	StructHash  common.Hash      `json:"struct_hash"`
	LeafHash    common.Hash      `json:"leaf_hash"`
	Proof       []common.Hash    `json:"proof"`
}

func (l Leaf) ChainID() uint64 {
	if l.Execute != nil {
		return l.Execute.ChainID
	}
	return l.Accumulator.ChainID
}

// Envelope is a ready-to-send relay payload.
type Envelope struct {
	ChainID           uint64                       `json:"chain_id"`
	To                common.Address               `json:"to"`
	Data              []byte                       `json:"data"`
	Value             *big.Int                     `json:"value"`
	AuthorizationList []types.SetCodeAuthorization `json:"authorization_list,omitempty"`
}

// AccumulatorExecution keeps everything needed to (re)submit an accumulator intent once
// the fill reports ACCUMULATED.
type AccumulatorExecution struct {
	ChainID     uint64          `json:"chain_id"`
	Accumulator common.Address  `json:"accumulator"`
	FillID      common.Hash     `json:"fill_id"`
	Params      ExecutionParams `json:"params"`
	Proof       []common.Hash   `json:"proof"`
	Signature   []byte          `json:"signature"`
	Envelope    Envelope        `json:"envelope"`
}

type Plan struct {
	ID         string                 `json:"id"`
	Account    common.Address         `json:"account"`
	Salt       common.Hash            `json:"salt"`
	Leaves     []Leaf                 `json:"leaves"`
	Root       common.Hash            `json:"root"`
	Signature  []byte                 `json:"signature"`
	Immediate  []Envelope             `json:"immediate"`
	Background []Envelope             `json:"background"`
	Deferred   []Envelope             `json:"deferred"`
	Executions []AccumulatorExecution `json:"executions"`
}
