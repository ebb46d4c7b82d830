package accumulator

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NativeToken keys the chain's native currency in a Bank.
var NativeToken = common.Address{}

var ErrInsufficientBalance = errors.New("insufficient balance")

// Bank is the token ledger of one chain.
type Bank interface {
	BalanceOf(token, holder common.Address) *big.Int
	Transfer(token, from, to common.Address, amount *big.Int) error
	// Snapshot marks the current state; RevertToSnapshot undoes every change made after it.
	Snapshot() int
	RevertToSnapshot(id int)
	// Settle drops revert history once no snapshot can be reverted to.
	Settle()
}

type balanceKey struct {
	token  common.Address
	holder common.Address
}

type journalEntry struct {
	key  balanceKey
	prev *big.Int
}

// MemoryBank is an in-memory Bank with a change journal.
type MemoryBank struct {
	mu       sync.Mutex
	balances map[balanceKey]*big.Int
	journal  []journalEntry
}

func NewMemoryBank() *MemoryBank {
	return &MemoryBank{balances: make(map[balanceKey]*big.Int)}
}

func (b *MemoryBank) BalanceOf(token, holder common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.get(balanceKey{token, holder}))
}

func (b *MemoryBank) get(k balanceKey) *big.Int {
	if v, ok := b.balances[k]; ok {
		return v
	}
	return new(big.Int)
}

func (b *MemoryBank) set(k balanceKey, v *big.Int) {
	b.journal = append(b.journal, journalEntry{key: k, prev: new(big.Int).Set(b.get(k))})
	b.balances[k] = v
}

// Mint credits holder out of thin air, standing in for a bridge release or a faucet.
func (b *MemoryBank) Mint(token, holder common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := balanceKey{token, holder}
	b.set(k, new(big.Int).Add(b.get(k), amount))
}

// Burn debits holder, standing in for tokens leaving the chain through a bridge.
func (b *MemoryBank) Burn(token, holder common.Address, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := balanceKey{token, holder}
	bal := b.get(k)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s", ErrInsufficientBalance, holder.Hex(), bal, token.Hex(), amount)
	}
	b.set(k, new(big.Int).Sub(bal, amount))
	return nil
}

func (b *MemoryBank) Transfer(token, from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return errors.New("negative transfer amount")
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	fk, tk := balanceKey{token, from}, balanceKey{token, to}
	bal := b.get(fk)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s", ErrInsufficientBalance, from.Hex(), bal, token.Hex(), amount)
	}
	b.set(fk, new(big.Int).Sub(bal, amount))
	b.set(tk, new(big.Int).Add(b.get(tk), amount))
	return nil
}

func (b *MemoryBank) Snapshot() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.journal)
}

func (b *MemoryBank) RevertToSnapshot(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id > len(b.journal) {
		return
	}
	for i := len(b.journal) - 1; i >= id; i-- {
		e := b.journal[i]
		b.balances[e.key] = e.prev
	}
	b.journal = b.journal[:id]
}

func (b *MemoryBank) Settle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.journal = nil
}
