package models

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type RelayState string

const (
	StateQueued       RelayState = "QUEUED"
	StateWaitingReady RelayState = "WAITING_READY"
	StateTxBuilt      RelayState = "TX_BUILT"
	StateTxSent       RelayState = "TX_SENT"
	StateTxConfirmed  RelayState = "TX_CONFIRMED"
	StateTxRejected   RelayState = "TX_REJECTED"
	StateTxResend     RelayState = "TX_RESEND"
	StateDone         RelayState = "DONE"
	StateFailed       RelayState = "FAILED"
)

// Submitted reports whether the job's transaction has reached the network.
func (s RelayState) Submitted() bool {
	switch s {
	case StateTxSent, StateTxConfirmed, StateDone:
		return true
	}
	return false
}

type RelayJob struct {
	ID          string         `json:"id"` // planID:bucket:index
	PlanID      string         `json:"plan_id"`
	Bucket      Bucket         `json:"bucket"`
	Envelope    Envelope       `json:"envelope"`
	FillID      common.Hash    `json:"fill_id"`
	Accumulator common.Address `json:"accumulator"`
	DependsOn   []string       `json:"depends_on"`
	State       RelayState     `json:"state"`
	UnsignedTx  string         `json:"unsigned_tx"`
	SentTxHash  string         `json:"sent_tx_hash"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CreatedAt   time.Time      `json:"created_at"`
	Attempts    int            `json:"attempts"`
	Error       string         `json:"error"`
}

// ReadyKey names one fill on one ledger of one chain.
type ReadyKey struct {
	ChainID uint64         `json:"chain_id"`
	Ledger  common.Address `json:"ledger"`
	FillID  common.Hash    `json:"fill_id"`
}

func (k ReadyKey) String() string {
	return fmt.Sprintf("%d:%s:%s", k.ChainID, k.Ledger.Hex(), k.FillID.Hex())
}
