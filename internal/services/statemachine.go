package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"unit/intents/internal/accumulator"
	"unit/intents/internal/config"
	"unit/intents/internal/logging"
	"unit/intents/internal/metrics"
	"unit/intents/internal/models"
	"unit/intents/internal/stores"

	"github.com/ethereum/go-ethereum/event"
	"github.com/sirupsen/logrus"
)

var ErrJobInFlight = errors.New("job has a transaction in flight")

// ReadyStore persists ready signals across restarts.
type ReadyStore interface {
	MarkReady(ctx context.Context, key models.ReadyKey) error
	IsReady(ctx context.Context, key models.ReadyKey) (bool, error)
}

// ReadyTracker remembers which fills have reported ready, keyed by the ledger that
// reported them. It is fed by LogWatcher and by in-process accumulators.
type ReadyTracker struct {
	mu    sync.RWMutex
	ready map[models.ReadyKey]bool
	store ReadyStore
}

// NewReadyTracker returns a tracker backed by store; a nil store keeps signals in memory only.
func NewReadyTracker(store ReadyStore) *ReadyTracker {
	return &ReadyTracker{ready: make(map[models.ReadyKey]bool), store: store}
}

func (r *ReadyTracker) MarkReady(ctx context.Context, key models.ReadyKey) error {
	if r.store != nil {
		if err := r.store.MarkReady(ctx, key); err != nil {
			return fmt.Errorf("storing ready signal %s: %w", key, err)
		}
	}
	r.mu.Lock()
	r.ready[key] = true
	r.mu.Unlock()
	return nil
}

func (r *ReadyTracker) IsReady(ctx context.Context, key models.ReadyKey) (bool, error) {
	r.mu.RLock()
	ok := r.ready[key]
	r.mu.RUnlock()
	if ok || r.store == nil {
		return ok, nil
	}
	ok, err := r.store.IsReady(ctx, key)
	if err != nil {
		return false, err
	}
	if ok {
		r.mu.Lock()
		r.ready[key] = true
		r.mu.Unlock()
	}
	return ok, nil
}

type readyFeed interface {
	SubscribeFillAccumulated(ch chan<- accumulator.FillAccumulatedEvent) event.Subscription
}

// Watch marks fills ready as feed reports them, until ctx is done.
func (r *ReadyTracker) Watch(ctx context.Context, feed readyFeed) error {
	ch := make(chan accumulator.FillAccumulatedEvent, 16)
	sub := feed.SubscribeFillAccumulated(ch)
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case ev := <-ch:
			key := models.ReadyKey{ChainID: ev.ChainID, Ledger: ev.Ledger, FillID: ev.FillID}
			if err := r.MarkReady(ctx, key); err != nil {
				return err
			}
		}
	}
}

type StateMachineConfig struct {
	Provider    IChainProvider
	Jobs        stores.JobStore
	Chains      *config.ChainTable
	Ready       *ReadyTracker
	Logger      logrus.FieldLogger
	Metrics     *metrics.Registry
	Interval    time.Duration
	MaxAttempts int
}

// RelayStateMachine drives every relay job of every plan to DONE or FAILED, persisting
// each step so a restart resumes where it stopped.
type RelayStateMachine struct {
	provider IChainProvider
	jobs     stores.JobStore
	chains   *config.ChainTable
	ready    *ReadyTracker
	log      logrus.FieldLogger
	metrics  *metrics.Registry

	interval    time.Duration
	maxAttempts int
	backoff     func(n int) time.Duration
	now         func() time.Time
}

func NewRelayStateMachine(cfg StateMachineConfig) (*RelayStateMachine, error) {
	if cfg.Provider == nil || cfg.Jobs == nil || cfg.Chains == nil {
		return nil, errors.New("state machine: provider, job store and chain table are required")
	}
	sm := &RelayStateMachine{
		provider:    cfg.Provider,
		jobs:        cfg.Jobs,
		chains:      cfg.Chains,
		ready:       cfg.Ready,
		log:         logging.OrDiscard(cfg.Logger),
		metrics:     cfg.Metrics,
		interval:    cfg.Interval,
		maxAttempts: cfg.MaxAttempts,
		backoff: func(n int) time.Duration {
			d := time.Duration(1<<min(n, 10)) * time.Second
			return min(d, 2*time.Minute)
		},
		now: time.Now,
	}
	if sm.ready == nil {
		sm.ready = NewReadyTracker(cfg.Jobs)
	}
	if sm.interval <= 0 {
		sm.interval = 2 * time.Second
	}
	if sm.maxAttempts <= 0 {
		sm.maxAttempts = 5
	}
	return sm, nil
}

func (sm *RelayStateMachine) Ready() *ReadyTracker { return sm.ready }

// Enqueue persists plan and one job per envelope. Background and deferred jobs wait for
// every immediate job of the plan to be sent. Enqueueing the same plan twice is a no-op.
func (sm *RelayStateMachine) Enqueue(ctx context.Context, plan *models.Plan) ([]*models.RelayJob, error) {
	if err := sm.jobs.PutPlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("storing plan: %w", err)
	}
	now := sm.now()
	newJob := func(bucket models.Bucket, i int, env models.Envelope, deps []string) *models.RelayJob {
		return &models.RelayJob{
			ID:        fmt.Sprintf("%s:%s:%d", plan.ID, bucket, i),
			PlanID:    plan.ID,
			Bucket:    bucket,
			Envelope:  env,
			DependsOn: deps,
			State:     models.StateQueued,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	var jobs []*models.RelayJob
	var immediate []string
	for i, env := range plan.Immediate {
		j := newJob(models.BucketImmediate, i, env, nil)
		immediate = append(immediate, j.ID)
		jobs = append(jobs, j)
	}
	for i, env := range plan.Background {
		jobs = append(jobs, newJob(models.BucketBackground, i, env, immediate))
	}
	for i, exec := range plan.Executions {
		j := newJob(models.BucketDeferred, i, exec.Envelope, immediate)
		j.FillID = exec.FillID
		j.Accumulator = exec.Accumulator
		jobs = append(jobs, j)
	}

	for _, j := range jobs {
		if err := sm.jobs.PutIfAbsent(ctx, j); err != nil {
			return nil, fmt.Errorf("storing job %s: %w", j.ID, err)
		}
	}
	sm.log.WithFields(logrus.Fields{
		"plan_id":    plan.ID,
		"immediate":  len(plan.Immediate),
		"background": len(plan.Background),
		"deferred":   len(plan.Executions),
	}).Info("plan enqueued")
	return jobs, nil
}

// Requeue restarts a job from the beginning with its stored envelope. Deferred jobs go
// back to waiting for their fill; the proof and signature inside the envelope are reused.
func (sm *RelayStateMachine) Requeue(ctx context.Context, id string) (*models.RelayJob, error) {
	job, err := sm.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State == models.StateTxSent {
		return nil, ErrJobInFlight
	}
	job.State = models.StateQueued
	job.Attempts = 0
	job.Error = ""
	job.UnsignedTx = ""
	job.SentTxHash = ""
	job.UpdatedAt = sm.now()
	if err := sm.jobs.Put(ctx, job); err != nil {
		return nil, err
	}
	sm.metrics.IncTransition(string(job.State))
	sm.log.WithField("job_id", job.ID).Info("job requeued")
	return job, nil
}

func (sm *RelayStateMachine) Start(ctx context.Context) error {
	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := sm.Tick(ctx); err != nil {
				return err
			}
		}
	}
}

// Tick advances every eligible job by at most one state.
func (sm *RelayStateMachine) Tick(ctx context.Context) error {
	var pending []*models.RelayJob
	if err := sm.jobs.Scan(ctx, func(job *models.RelayJob) error {
		switch job.State {
		case models.StateDone, models.StateFailed:
			return nil
		}
		pending = append(pending, job)
		return nil
	}); err != nil {
		return err
	}
	sm.metrics.SetPendingJobs(len(pending))

	now := sm.now()
	for _, job := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sm.step(ctx, job, now); err != nil {
			return err
		}
	}
	return nil
}

func (sm *RelayStateMachine) step(ctx context.Context, job *models.RelayJob, now time.Time) error {
	log := sm.log.WithFields(logrus.Fields{"job_id": job.ID, "chain_id": job.Envelope.ChainID})

	if job.Attempts >= sm.maxAttempts {
		log.WithField("state", job.State).Warn("retries exhausted")
		job.State = models.StateFailed
		job.Error = "retries exhausted"
		job.UpdatedAt = now
		sm.metrics.IncTransition(string(job.State))
		return sm.jobs.Put(ctx, job)
	}
	if job.Attempts > 0 {
		if since := now.Sub(job.UpdatedAt); since < sm.backoff(job.Attempts) {
			return nil
		}
	}

	changed, err := sm.Transition(ctx, job)
	if err != nil {
		job.Attempts++
		job.Error = err.Error()
		job.UpdatedAt = now
		log.WithError(err).WithField("state", job.State).Warnf("job failed, %d/%d attempts", job.Attempts, sm.maxAttempts)
		return sm.jobs.Put(ctx, job)
	}
	if !changed {
		return nil
	}

	job.Error = ""
	job.UpdatedAt = now
	sm.metrics.IncTransition(string(job.State))
	log.WithField("state", job.State).Debug("job advanced")
	return sm.jobs.Put(ctx, job)
}

// Transition moves job one step. Waiting on dependencies, the ready signal or
// confirmations is not an error and reports no change.
func (sm *RelayStateMachine) Transition(ctx context.Context, job *models.RelayJob) (changed bool, err error) {
	switch job.State {
	case models.StateQueued:
		ok, err := sm.dependenciesSent(ctx, job)
		if err != nil || !ok {
			return false, err
		}
		if job.Bucket == models.BucketDeferred {
			job.State = models.StateWaitingReady
			return true, nil
		}
		return sm.build(ctx, job)

	case models.StateWaitingReady:
		ready, err := sm.ready.IsReady(ctx, models.ReadyKey{
			ChainID: job.Envelope.ChainID,
			Ledger:  job.Accumulator,
			FillID:  job.FillID,
		})
		if err != nil || !ready {
			return false, err
		}
		return sm.build(ctx, job)

	case models.StateTxResend:
		return sm.build(ctx, job)

	case models.StateTxBuilt:
		chain, err := sm.provider.WithChain(job.Envelope.ChainID)
		if err != nil {
			return false, err
		}
		hash, err := chain.BroadcastTx(ctx, job.UnsignedTx)
		if err != nil {
			return false, fmt.Errorf("error sending tx: %w", err)
		}
		job.SentTxHash = hash
		job.State = models.StateTxSent
		return true, nil

	case models.StateTxSent:
		cfg, err := sm.chains.Get(job.Envelope.ChainID)
		if err != nil {
			return false, err
		}
		chain, err := sm.provider.WithChain(job.Envelope.ChainID)
		if err != nil {
			return false, err
		}
		confirmed, err := chain.IsTxConfirmed(ctx, job.SentTxHash, cfg.MinConfirmations)
		if err != nil {
			if errors.Is(err, ErrorRejectedTransaction) {
				job.State = models.StateTxRejected
				return true, nil
			}
			return false, fmt.Errorf("error waiting for confirmations: %w", err)
		}
		if !confirmed {
			return false, nil
		}
		job.State = models.StateTxConfirmed
		return true, nil

	case models.StateTxConfirmed:
		job.State = models.StateDone
		return true, nil

	case models.StateTxRejected:
		// a revert counts as an attempt
		job.Attempts++
		job.State = models.StateTxResend
		return true, nil

	case models.StateDone, models.StateFailed:
		return false, nil

	default:
		return false, fmt.Errorf("unknown state %s", job.State)
	}
}

func (sm *RelayStateMachine) build(ctx context.Context, job *models.RelayJob) (bool, error) {
	chain, err := sm.provider.WithChain(job.Envelope.ChainID)
	if err != nil {
		return false, err
	}
	tx, err := chain.BuildTx(ctx, job.Envelope)
	if err != nil {
		return false, fmt.Errorf("error building tx: %w", err)
	}
	job.UnsignedTx = tx
	job.SentTxHash = ""
	job.State = models.StateTxBuilt
	return true, nil
}

func (sm *RelayStateMachine) dependenciesSent(ctx context.Context, job *models.RelayJob) (bool, error) {
	for _, id := range job.DependsOn {
		dep, err := sm.jobs.Get(ctx, id)
		if err != nil {
			return false, fmt.Errorf("dependency %s: %w", id, err)
		}
		if !dep.State.Submitted() {
			return false, nil
		}
	}
	return true, nil
}
