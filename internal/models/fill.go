package models

import (
	"math/big"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type FillStatus string

const (
	FillAccumulating FillStatus = "ACCUMULATING"
	FillAccumulated  FillStatus = "ACCUMULATED"
	FillExecuted     FillStatus = "EXECUTED"
	FillStale        FillStatus = "STALE"
)

// Terminal reports whether no further mutation of the fill is allowed.
func (s FillStatus) Terminal() bool {
	return s == FillExecuted || s == FillStale
}

// Fill is the destination-side accounting record of one intent.
type Fill struct {
	ID           common.Hash    `json:"id"`
	OutputToken  common.Address `json:"output_token"`
	SumOutput    *big.Int       `json:"sum_output"`
	Received     *big.Int       `json:"received"`
	FillDeadline uint32         `json:"fill_deadline"`
	Status       FillStatus     `json:"status"`
	SourceChains []uint64       `json:"source_chains"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Remaining is the amount still needed to reach SumOutput.
func (f *Fill) Remaining() *big.Int {
	rem := new(big.Int).Sub(f.SumOutput, f.Received)
	if rem.Sign() < 0 {
		return new(big.Int)
	}
	return rem
}

// Expired reports whether now is past the fill deadline.
func (f *Fill) Expired(now time.Time) bool {
	return now.Unix() > int64(f.FillDeadline)
}

// ObserveSource records a distinct origin chain, keeping the list sorted.
func (f *Fill) ObserveSource(chainID uint64) {
	i, found := slices.BinarySearch(f.SourceChains, chainID)
	if found {
		return
	}
	f.SourceChains = slices.Insert(f.SourceChains, i, chainID)
}

// Clone returns a deep copy, used to restore state when a call is rolled back.
func (f *Fill) Clone() *Fill {
	cp := *f
	cp.SumOutput = new(big.Int).Set(f.SumOutput)
	cp.Received = new(big.Int).Set(f.Received)
	cp.SourceChains = slices.Clone(f.SourceChains)
	return &cp
}
