package planner

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"unit/intents/internal/codec"
	"unit/intents/internal/config"
	"unit/intents/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"
)

// ActivationChecker reports whether account already carries its delegated code on a chain.
type ActivationChecker interface {
	IsActivated(ctx context.Context, chainID uint64, account common.Address) (bool, error)
}

// Action is one desired per-chain step: raw calls run by the account, or an accumulator
// intent settled on the destination chain. Exactly one of Calls and Intent is set.
type Action struct {
	ChainID uint64
	Calls   []models.Call
	Intent  *models.ExecutionParams
}

type Request struct {
	Account models.Account
	Salt    common.Hash
	Actions []Action
	// Authorizations are EIP-7702 delegations keyed by chain id.
	Authorizations map[uint64]types.SetCodeAuthorization
}

type Resolution struct {
	Account models.Account
	Salt    common.Hash
	// Leaves holds execute leaves ordered by chain id followed by accumulator leaves in
	// request order. Hashes and proofs are filled in by Build.
	Leaves []models.Leaf
	// IntentChains are the destination chains of accumulator leaves.
	IntentChains map[uint64]bool
}

type Resolver struct {
	chains     *config.ChainTable
	activation ActivationChecker
}

func NewResolver(chains *config.ChainTable, activation ActivationChecker) *Resolver {
	return &Resolver{chains: chains, activation: activation}
}

func (r *Resolver) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	if len(req.Actions) == 0 {
		return nil, ErrEmptyLeafSet
	}

	rawChains := map[uint64][]models.Call{}
	intentChains := map[uint64]bool{}
	var chainIDs []uint64
	seen := map[uint64]bool{}
	for _, a := range req.Actions {
		if (a.Intent == nil) == (len(a.Calls) == 0) {
			return nil, fmt.Errorf("chain %d: %w", a.ChainID, ErrInvalidAction)
		}
		if a.Intent != nil {
			intentChains[a.ChainID] = true
		} else {
			if _, dup := rawChains[a.ChainID]; dup {
				return nil, &DuplicateChainError{ChainID: a.ChainID}
			}
			rawChains[a.ChainID] = a.Calls
		}
		if !seen[a.ChainID] {
			seen[a.ChainID] = true
			chainIDs = append(chainIDs, a.ChainID)
		}
	}

	cfgs := make(map[uint64]config.ChainConfig, len(chainIDs))
	for _, id := range chainIDs {
		c, err := r.chains.Get(id)
		if err != nil {
			return nil, err
		}
		cfgs[id] = c
	}

	activated, err := r.checkActivation(ctx, req.Account.Address, chainIDs)
	if err != nil {
		return nil, err
	}

	// Execute leaves: every raw-call chain, plus an initialize-only leaf for intent chains
	// the account has not reached yet.
	execChains := make([]uint64, 0, len(rawChains)+len(intentChains))
	for id := range rawChains {
		execChains = append(execChains, id)
	}
	for id := range intentChains {
		if _, ok := rawChains[id]; !ok && !activated[id] {
			execChains = append(execChains, id)
		}
	}
	sort.Slice(execChains, func(i, j int) bool { return execChains[i] < execChains[j] })

	res := &Resolution{
		Account:      req.Account,
		Salt:         req.Salt,
		IntentChains: intentChains,
	}
	for _, id := range execChains {
		leaf := &models.ExecuteLeaf{
			ChainID: id,
			Calls:   codec.NormalizeCalls(rawChains[id]),
		}
		if !activated[id] {
			if err := r.injectInit(leaf, req, cfgs[id]); err != nil {
				return nil, err
			}
		}
		res.Leaves = append(res.Leaves, models.Leaf{Kind: models.LeafExecute, Execute: leaf})
	}

	for _, a := range req.Actions {
		if a.Intent == nil {
			continue
		}
		c := cfgs[a.ChainID]
		res.Leaves = append(res.Leaves, models.Leaf{
			Kind: models.LeafAccumulator,
			Accumulator: &models.AccumulatorLeaf{
				ChainID:     a.ChainID,
				Accumulator: codec.LedgerAddress(c.AccumulatorFactory, req.Account.Address, c.AccumulatorInitCodeHash),
				Params:      codec.Normalize(*a.Intent),
			},
		})
	}
	return res, nil
}

func (r *Resolver) checkActivation(ctx context.Context, account common.Address, chainIDs []uint64) (map[uint64]bool, error) {
	var mu sync.Mutex
	activated := make(map[uint64]bool, len(chainIDs))

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range chainIDs {
		g.Go(func() error {
			ok, err := r.activation.IsActivated(gctx, id, account)
			if err != nil {
				return fmt.Errorf("activation check on chain %d: %w", id, err)
			}
			mu.Lock()
			activated[id] = ok
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return activated, nil
}

func (r *Resolver) injectInit(leaf *models.ExecuteLeaf, req Request, c config.ChainConfig) error {
	auth, ok := req.Authorizations[leaf.ChainID]
	if !ok {
		return &MissingAuthorizationError{ChainID: leaf.ChainID}
	}
	if !auth.ChainID.IsZero() && auth.ChainID.Uint64() != leaf.ChainID {
		return fmt.Errorf("chain %d: authorization signed for chain %d: %w", leaf.ChainID, auth.ChainID.Uint64(), ErrAuthorizationMismatch)
	}
	authority, err := auth.Authority()
	if err != nil {
		return fmt.Errorf("chain %d: %w", leaf.ChainID, err)
	}
	if authority != req.Account.Address {
		return fmt.Errorf("chain %d: authority %s: %w", leaf.ChainID, authority.Hex(), ErrAuthorizationMismatch)
	}

	data, err := codec.PackInitialize(req.Account.Signer, c.Spoke, c.AccumulatorFactory)
	if err != nil {
		return err
	}
	init := models.Call{Target: req.Account.Address, Value: new(big.Int), Data: data}
	leaf.Calls = append([]models.Call{init}, leaf.Calls...)
	leaf.InitInjected = true
	leaf.RequiresAuthorization = true
	leaf.Authorization = &auth
	return nil
}
