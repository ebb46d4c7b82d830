// Package planner turns a set of per-chain actions into one signed Merkle batch and the
// relay envelopes that carry it to each chain.
package planner

import (
	"context"
	"errors"

	"unit/intents/internal/config"
	"unit/intents/internal/logging"
	"unit/intents/internal/metrics"
	"unit/intents/internal/models"

	"github.com/sirupsen/logrus"
)

type Config struct {
	Chains     *config.ChainTable
	Activation ActivationChecker
	Signer     RootSigner
	Logger     logrus.FieldLogger
	Metrics    *metrics.Registry
}

type Planner struct {
	resolver *Resolver
	builder  *Builder
	log      logrus.FieldLogger
	metrics  *metrics.Registry
}

func New(cfg Config) (*Planner, error) {
	if cfg.Chains == nil || cfg.Activation == nil || cfg.Signer == nil {
		return nil, errors.New("planner: chains, activation checker and signer are required")
	}
	return &Planner{
		resolver: NewResolver(cfg.Chains, cfg.Activation),
		builder:  NewBuilder(cfg.Signer),
		log:      logging.OrDiscard(cfg.Logger),
		metrics:  cfg.Metrics,
	}, nil
}

// Plan resolves and signs req. All planning errors are returned before the signer is asked
// for anything.
func (p *Planner) Plan(ctx context.Context, req Request) (*models.Plan, error) {
	res, err := p.resolver.Resolve(ctx, req)
	if err != nil {
		p.metrics.IncPlan(planResult(err))
		p.log.WithError(err).WithField("account", req.Account.Address.Hex()).Warn("plan rejected")
		return nil, err
	}
	plan, err := p.builder.Build(ctx, res)
	if err != nil {
		p.metrics.IncPlan("build_failed")
		return nil, err
	}
	p.metrics.IncPlan("ok")
	p.log.WithFields(logrus.Fields{
		"plan_id":    plan.ID,
		"account":    plan.Account.Hex(),
		"leaves":     len(plan.Leaves),
		"immediate":  len(plan.Immediate),
		"background": len(plan.Background),
		"deferred":   len(plan.Deferred),
	}).Info("plan built")
	return plan, nil
}

func planResult(err error) string {
	switch {
	case errors.Is(err, ErrEmptyLeafSet):
		return "empty_leaf_set"
	case errors.Is(err, ErrDuplicateExecuteLeafChain):
		return "duplicate_chain"
	case errors.Is(err, ErrMissingAuthorization):
		return "missing_authorization"
	case errors.Is(err, config.ErrMissingChainConfig):
		return "missing_chain_config"
	}
	return "resolve_failed"
}
