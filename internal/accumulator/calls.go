package accumulator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"unit/intents/internal/codec"
	"unit/intents/internal/models"

	"github.com/ethereum/go-ethereum/common"
)

var ErrNoContract = errors.New("call to address without code")

// CallRunner executes destCalls on behalf of a ledger.
type CallRunner interface {
	Call(ctx context.Context, from common.Address, call models.Call) error
}

// Env is what a contract sees while handling one call.
type Env struct {
	Caller common.Address
	Self   common.Address
	Bank   Bank
	Runner CallRunner
}

type Contract interface {
	Handle(ctx context.Context, env Env, value *big.Int, data []byte) error
}

type ContractFunc func(ctx context.Context, env Env, value *big.Int, data []byte) error

func (f ContractFunc) Handle(ctx context.Context, env Env, value *big.Int, data []byte) error {
	return f(ctx, env, value, data)
}

// Router dispatches calls to the contracts deployed on one chain.
type Router struct {
	bank Bank

	mu        sync.RWMutex
	contracts map[common.Address]Contract
}

func NewRouter(bank Bank) *Router {
	return &Router{bank: bank, contracts: make(map[common.Address]Contract)}
}

func (r *Router) Deploy(addr common.Address, c Contract) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contracts[addr] = c
}

func (r *Router) HasCode(addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.contracts[addr]
	return ok
}

func (r *Router) Call(ctx context.Context, from common.Address, call models.Call) error {
	value := call.ValueOrZero()
	if value.Sign() > 0 {
		if err := r.bank.Transfer(NativeToken, from, call.Target, value); err != nil {
			return err
		}
	}
	r.mu.RLock()
	c, ok := r.contracts[call.Target]
	r.mu.RUnlock()
	if !ok {
		if len(call.Data) == 0 {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNoContract, call.Target.Hex())
	}
	return c.Handle(ctx, Env{Caller: from, Self: call.Target, Bank: r.bank, Runner: r}, value, call.Data)
}

// ERC20 is a token contract backed by the bank, keyed by its own address.
type ERC20 struct{}

func (ERC20) Handle(ctx context.Context, env Env, value *big.Int, data []byte) error {
	if len(data) < 4 {
		return errors.New("erc20: missing selector")
	}
	method, err := codec.ERC20ABI.MethodById(data[:4])
	if err != nil {
		return err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return err
	}
	switch {
	case bytes.Equal(method.ID, codec.ERC20ABI.Methods["transfer"].ID):
		to := args[0].(common.Address)
		amount := args[1].(*big.Int)
		return env.Bank.Transfer(env.Self, env.Caller, to, amount)
	case bytes.Equal(method.ID, codec.ERC20ABI.Methods["approve"].ID):
		// allowances are not tracked; spenders move funds through transfer calls
		return nil
	}
	return fmt.Errorf("erc20: unsupported method %s", method.Name)
}
