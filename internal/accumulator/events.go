package accumulator

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

// FillAccumulatedEvent is the ready signal: the fill reached its target and may be executed.
type FillAccumulatedEvent struct {
	Ledger   common.Address
	ChainID  uint64
	FillID   common.Hash
	Token    common.Address
	Received *big.Int
}

type IntentExecutedEvent struct {
	Ledger       common.Address
	ChainID      uint64
	FillID       common.Hash
	Mode         Mode
	Recipient    common.Address
	Amount       *big.Int
	SourceChains []uint64
}

type feeds struct {
	accumulated event.Feed
	executed    event.Feed
}

// SubscribeFillAccumulated delivers ready signals. Sends block until every subscriber
// has received, so subscribers should drain promptly or use a buffered channel.
func (a *Accumulator) SubscribeFillAccumulated(ch chan<- FillAccumulatedEvent) event.Subscription {
	return a.feeds.accumulated.Subscribe(ch)
}

func (a *Accumulator) SubscribeIntentExecuted(ch chan<- IntentExecutedEvent) event.Subscription {
	return a.feeds.executed.Subscribe(ch)
}
