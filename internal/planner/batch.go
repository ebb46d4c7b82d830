package planner

import (
	"context"
	"fmt"
	"math/big"

	"unit/intents/internal/codec"
	"unit/intents/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// RootSigner produces the account owner's signature over a batch root digest. It is
// called once per plan.
type RootSigner interface {
	SignRoot(ctx context.Context, signer common.Address, digest common.Hash) ([]byte, error)
}

type Builder struct {
	signer RootSigner
}

func NewBuilder(signer RootSigner) *Builder {
	return &Builder{signer: signer}
}

func (b *Builder) Build(ctx context.Context, res *Resolution) (*models.Plan, error) {
	if res == nil || len(res.Leaves) == 0 {
		return nil, ErrEmptyLeafSet
	}
	account := res.Account.Address

	leaves := make([]models.Leaf, len(res.Leaves))
	hashes := make([]common.Hash, len(res.Leaves))
	for i, leaf := range res.Leaves {
		sh, err := structHash(leaf, res.Salt)
		if err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}
		lh, err := codec.LeafHash(sh, account, leaf.ChainID())
		if err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}
		leaf.StructHash = sh
		leaf.LeafHash = lh
		leaves[i] = leaf
		hashes[i] = lh
	}

	tree, err := codec.BuildTree(hashes)
	if err != nil {
		return nil, err
	}
	for i := range leaves {
		if leaves[i].Proof, err = tree.Proof(i); err != nil {
			return nil, err
		}
	}

	root := tree.Root()
	sig, err := b.signer.SignRoot(ctx, res.Account.Signer, codec.RootDigest(root))
	if err != nil {
		return nil, fmt.Errorf("sign root: %w", err)
	}

	plan := &models.Plan{
		ID:        root.Hex(),
		Account:   account,
		Salt:      res.Salt,
		Leaves:    leaves,
		Root:      root,
		Signature: sig,
	}
	for _, leaf := range leaves {
		switch leaf.Kind {
		case models.LeafExecute:
			env, err := executeEnvelope(account, res.Salt, leaf, sig)
			if err != nil {
				return nil, err
			}
			if leaf.Execute.InitInjected || res.IntentChains[leaf.Execute.ChainID] {
				plan.Immediate = append(plan.Immediate, env)
			} else {
				plan.Background = append(plan.Background, env)
			}
		case models.LeafAccumulator:
			exec, err := accumulatorExecution(account, leaf, sig)
			if err != nil {
				return nil, err
			}
			plan.Deferred = append(plan.Deferred, exec.Envelope)
			plan.Executions = append(plan.Executions, exec)
		default:
			return nil, fmt.Errorf("unknown leaf kind %q", leaf.Kind)
		}
	}
	return plan, nil
}

func structHash(leaf models.Leaf, salt common.Hash) (common.Hash, error) {
	switch leaf.Kind {
	case models.LeafExecute:
		return codec.ExecuteStructHash(leaf.Execute.Calls, salt)
	case models.LeafAccumulator:
		return codec.ParamsStructHash(leaf.Accumulator.Params)
	}
	return common.Hash{}, fmt.Errorf("unknown leaf kind %q", leaf.Kind)
}

func executeEnvelope(account common.Address, salt common.Hash, leaf models.Leaf, sig []byte) (models.Envelope, error) {
	data, err := codec.PackExecuteBatch(leaf.Execute.Calls, salt, leaf.Proof, sig)
	if err != nil {
		return models.Envelope{}, err
	}
	env := models.Envelope{
		ChainID: leaf.Execute.ChainID,
		To:      account,
		Data:    data,
		Value:   new(big.Int),
	}
	if leaf.Execute.InitInjected && leaf.Execute.Authorization != nil {
		env.AuthorizationList = []types.SetCodeAuthorization{*leaf.Execute.Authorization}
	}
	return env, nil
}

func accumulatorExecution(account common.Address, leaf models.Leaf, sig []byte) (models.AccumulatorExecution, error) {
	a := leaf.Accumulator
	data, err := codec.PackExecuteIntent(a.Params, leaf.Proof, sig)
	if err != nil {
		return models.AccumulatorExecution{}, err
	}
	fillID, err := codec.FillID(account, a.Params)
	if err != nil {
		return models.AccumulatorExecution{}, err
	}
	return models.AccumulatorExecution{
		ChainID:     a.ChainID,
		Accumulator: a.Accumulator,
		FillID:      fillID,
		Params:      a.Params,
		Proof:       leaf.Proof,
		Signature:   sig,
		Envelope: models.Envelope{
			ChainID: a.ChainID,
			To:      a.Accumulator,
			Data:    data,
			Value:   new(big.Int),
		},
	}, nil
}
