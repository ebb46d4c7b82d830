package accumulator

import (
	"context"
	"errors"
	"sync"
)

// Chain runs calls against one Bank one at a time, the way a chain executes a
// transaction to completion before starting the next. Every ledger on the chain shares it.
//
// A failed call undoes its bank moves and every store write it journaled, including
// writes made by nested calls. Post-commit hooks (event emission) run only once the
// outermost call succeeds, after the chain is released.
type Chain struct {
	ID     uint64
	Bank   Bank
	Router *Router

	mu      sync.Mutex
	journal []journalStep
}

type journalStep struct {
	undo  func(ctx context.Context) error
	after func()
}

type frameKey struct {
	c *Chain
}

func NewChain(id uint64, bank Bank) *Chain {
	return &Chain{ID: id, Bank: bank, Router: NewRouter(bank)}
}

func (c *Chain) inFrame(ctx context.Context) bool {
	return ctx.Value(frameKey{c}) != nil
}

// Do runs fn as one call. Calls made from within fn with its ctx run inline.
func (c *Chain) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.inFrame(ctx) {
		return c.run(ctx, fn)
	}

	c.mu.Lock()
	c.journal = c.journal[:0]
	err := c.run(context.WithValue(ctx, frameKey{c}, true), fn)
	var after []func()
	if err == nil {
		for _, s := range c.journal {
			if s.after != nil {
				after = append(after, s.after)
			}
		}
	}
	c.journal = c.journal[:0]
	c.Bank.Settle()
	c.mu.Unlock()

	for _, fn := range after {
		fn()
	}
	return err
}

func (c *Chain) run(ctx context.Context, fn func(ctx context.Context) error) error {
	mark := len(c.journal)
	snap := c.Bank.Snapshot()
	err := fn(ctx)
	if err == nil {
		return nil
	}
	var undoErr error
	for i := len(c.journal) - 1; i >= mark; i-- {
		if u := c.journal[i].undo; u != nil {
			undoErr = errors.Join(undoErr, u(ctx))
		}
	}
	c.journal = c.journal[:mark]
	c.Bank.RevertToSnapshot(snap)
	if undoErr != nil {
		return errors.Join(err, undoErr)
	}
	return err
}

// onRevert registers an undo action for the current call.
func (c *Chain) onRevert(fn func(ctx context.Context) error) {
	c.journal = append(c.journal, journalStep{undo: fn})
}

// afterCommit registers fn to run once the outermost call succeeds.
func (c *Chain) afterCommit(fn func()) {
	c.journal = append(c.journal, journalStep{after: fn})
}
