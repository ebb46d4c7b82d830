package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"unit/intents/internal/accumulator"
	"unit/intents/internal/models"
	"unit/intents/internal/stores"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

type mockChainCtx struct {
	buildTxFn       func(ctx context.Context, env models.Envelope) (string, error)
	broadcastTxFn   func(ctx context.Context, rawTx string) (string, error)
	isTxConfirmedFn func(ctx context.Context, txHash string, minConf uint64) (bool, error)
}

func (m *mockChainCtx) BuildTx(ctx context.Context, env models.Envelope) (string, error) {
	return m.buildTxFn(ctx, env)
}
func (m *mockChainCtx) BroadcastTx(ctx context.Context, rawTx string) (string, error) {
	return m.broadcastTxFn(ctx, rawTx)
}
func (m *mockChainCtx) IsTxConfirmed(ctx context.Context, txHash string, minConfirmations uint64) (bool, error) {
	return m.isTxConfirmedFn(ctx, txHash, minConfirmations)
}

type mockChainProvider struct {
	byChain map[uint64]*mockChainCtx
}

func (m *mockChainProvider) WithChain(chainID uint64) (ChainCtx, error) {
	c, ok := m.byChain[chainID]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrNoBackend, chainID)
	}
	return c, nil
}

// happyChain builds "raw:<to>", broadcasts it as "hash:<raw>" and confirms at once.
func happyChain(sent *[]string) *mockChainCtx {
	return &mockChainCtx{
		buildTxFn: func(ctx context.Context, env models.Envelope) (string, error) {
			return "raw:" + env.To.Hex(), nil
		},
		broadcastTxFn: func(ctx context.Context, raw string) (string, error) {
			*sent = append(*sent, raw)
			return "hash:" + raw, nil
		},
		isTxConfirmedFn: func(ctx context.Context, txHash string, min uint64) (bool, error) { return true, nil },
	}
}

func newStateMachineForTest(t *testing.T, provider IChainProvider) (*RelayStateMachine, *stores.LocalJobStore) {
	t.Helper()
	jobs, err := stores.NewLocalJobStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewLocalJobStore: %v", err)
	}
	t.Cleanup(func() { _ = jobs.Close() })
	return newStateMachineOnStore(t, provider, jobs), jobs
}

// newStateMachineOnStore builds a state machine over an existing job store, the way a
// restarted process would.
func newStateMachineOnStore(t *testing.T, provider IChainProvider, jobs stores.JobStore) *RelayStateMachine {
	t.Helper()
	sm, err := NewRelayStateMachine(StateMachineConfig{
		Provider:    provider,
		Jobs:        jobs,
		Chains:      testChains(t),
		Interval:    time.Millisecond,
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("NewRelayStateMachine: %v", err)
	}
	sm.backoff = func(int) time.Duration { return 0 }
	return sm
}

var (
	immediateTo = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	backTo      = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	ledgerTo    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	testFill    = common.HexToHash("0xf111")
	testReady   = models.ReadyKey{ChainID: 8453, Ledger: ledgerTo, FillID: testFill}
)

func testPlan() *models.Plan {
	deferred := models.Envelope{ChainID: 8453, To: ledgerTo, Data: []byte{0x03}}
	return &models.Plan{
		ID:         "0xplan",
		Account:    acctAddr,
		Immediate:  []models.Envelope{{ChainID: 1, To: immediateTo, Data: []byte{0x01}}},
		Background: []models.Envelope{{ChainID: 8453, To: backTo, Data: []byte{0x02}}},
		Deferred:   []models.Envelope{deferred},
		Executions: []models.AccumulatorExecution{{
			ChainID:     8453,
			Accumulator: ledgerTo,
			FillID:      testFill,
			Envelope:    deferred,
		}},
	}
}

func jobState(t *testing.T, jobs stores.JobStore, id string) models.RelayState {
	t.Helper()
	j, err := jobs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return j.State
}

func tick(t *testing.T, sm *RelayStateMachine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := sm.Tick(context.Background()); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
}

func TestEnqueue_JobsAndDependencies(t *testing.T) {
	sm, jobs := newStateMachineForTest(t, &mockChainProvider{})
	ctx := context.Background()

	out, err := sm.Enqueue(ctx, testPlan())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("jobs = %d, want 3", len(out))
	}
	imm, bg, def := out[0], out[1], out[2]
	if imm.ID != "0xplan:IMMEDIATE:0" || len(imm.DependsOn) != 0 {
		t.Fatalf("immediate job = %+v", imm)
	}
	if bg.ID != "0xplan:BACKGROUND:0" || len(bg.DependsOn) != 1 || bg.DependsOn[0] != imm.ID {
		t.Fatalf("background job = %+v", bg)
	}
	if def.ID != "0xplan:DEFERRED:0" || def.FillID != testFill || def.Accumulator != ledgerTo || def.DependsOn[0] != imm.ID {
		t.Fatalf("deferred job = %+v", def)
	}
	if _, err := jobs.GetPlan(ctx, "0xplan"); err != nil {
		t.Fatalf("plan not stored: %v", err)
	}
}

func TestEnqueue_TwiceKeepsProgress(t *testing.T) {
	var sent []string
	sm, jobs := newStateMachineForTest(t, &mockChainProvider{byChain: map[uint64]*mockChainCtx{
		1: happyChain(&sent), 8453: happyChain(&sent),
	}})
	ctx := context.Background()

	if _, err := sm.Enqueue(ctx, testPlan()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	tick(t, sm, 1)
	if _, err := sm.Enqueue(ctx, testPlan()); err != nil {
		t.Fatalf("Enqueue again: %v", err)
	}
	if got := jobState(t, jobs, "0xplan:IMMEDIATE:0"); got != models.StateTxBuilt {
		t.Fatalf("immediate = %s, want TX_BUILT", got)
	}
}

func TestRelayStateMachine_PlanRunsToDone(t *testing.T) {
	var sent []string
	sm, jobs := newStateMachineForTest(t, &mockChainProvider{byChain: map[uint64]*mockChainCtx{
		1: happyChain(&sent), 8453: happyChain(&sent),
	}})
	ctx := context.Background()
	if _, err := sm.Enqueue(ctx, testPlan()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	tick(t, sm, 2)
	if got := jobState(t, jobs, "0xplan:IMMEDIATE:0"); got != models.StateTxSent {
		t.Fatalf("immediate = %s, want TX_SENT", got)
	}
	if got := jobState(t, jobs, "0xplan:BACKGROUND:0"); got != models.StateQueued {
		t.Fatalf("background = %s, want QUEUED until immediate is sent", got)
	}

	tick(t, sm, 3)
	if got := jobState(t, jobs, "0xplan:DEFERRED:0"); got != models.StateWaitingReady {
		t.Fatalf("deferred = %s, want WAITING_READY", got)
	}

	if err := sm.Ready().MarkReady(ctx, testReady); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	tick(t, sm, 5)
	for _, id := range []string{"0xplan:IMMEDIATE:0", "0xplan:BACKGROUND:0", "0xplan:DEFERRED:0"} {
		if got := jobState(t, jobs, id); got != models.StateDone {
			t.Fatalf("%s = %s, want DONE", id, got)
		}
	}
	want := []string{"raw:" + immediateTo.Hex(), "raw:" + backTo.Hex(), "raw:" + ledgerTo.Hex()}
	if len(sent) != len(want) {
		t.Fatalf("sent = %v", sent)
	}
	for i := range want {
		if sent[i] != want[i] {
			t.Fatalf("sent[%d] = %s, want %s", i, sent[i], want[i])
		}
	}
}

func TestTransition_RejectedIsResent(t *testing.T) {
	var sent []string
	chain := happyChain(&sent)
	chain.isTxConfirmedFn = func(ctx context.Context, txHash string, min uint64) (bool, error) {
		return false, ErrorRejectedTransaction
	}
	sm, _ := newStateMachineForTest(t, &mockChainProvider{byChain: map[uint64]*mockChainCtx{1: chain}})
	ctx := context.Background()

	job := &models.RelayJob{ID: "j", Envelope: models.Envelope{ChainID: 1, To: immediateTo}, State: models.StateTxSent, SentTxHash: "0x01"}
	steps := []models.RelayState{models.StateTxRejected, models.StateTxResend, models.StateTxBuilt}
	for _, want := range steps {
		changed, err := sm.Transition(ctx, job)
		if err != nil || !changed {
			t.Fatalf("Transition = %v, %v", changed, err)
		}
		if job.State != want {
			t.Fatalf("state = %s, want %s", job.State, want)
		}
	}
	if job.Attempts != 1 || job.SentTxHash != "" {
		t.Fatalf("attempts = %d, hash = %q", job.Attempts, job.SentTxHash)
	}
}

func TestTransition_WaitingIsNotAnError(t *testing.T) {
	chain := &mockChainCtx{
		isTxConfirmedFn: func(ctx context.Context, txHash string, min uint64) (bool, error) {
			if min != 2 {
				t.Fatalf("minConfirmations = %d, want chain setting 2", min)
			}
			return false, nil
		},
	}
	sm, _ := newStateMachineForTest(t, &mockChainProvider{byChain: map[uint64]*mockChainCtx{1: chain}})
	ctx := context.Background()

	job := &models.RelayJob{ID: "j", Envelope: models.Envelope{ChainID: 1}, State: models.StateTxSent, SentTxHash: "0x01"}
	if changed, err := sm.Transition(ctx, job); err != nil || changed {
		t.Fatalf("unconfirmed = %v, %v", changed, err)
	}
	job = &models.RelayJob{ID: "k", Bucket: models.BucketDeferred, FillID: testFill, State: models.StateWaitingReady}
	if changed, err := sm.Transition(ctx, job); err != nil || changed {
		t.Fatalf("not ready = %v, %v", changed, err)
	}
}

func TestTransition_ReadyFromAnotherLedgerIsIgnored(t *testing.T) {
	var sent []string
	sm, _ := newStateMachineForTest(t, &mockChainProvider{byChain: map[uint64]*mockChainCtx{8453: happyChain(&sent)}})
	ctx := context.Background()

	forged := models.ReadyKey{ChainID: 8453, Ledger: common.HexToAddress("0x0000000000000000000000000000000000000Bad"), FillID: testFill}
	if err := sm.Ready().MarkReady(ctx, forged); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	job := &models.RelayJob{
		ID:          "k",
		Bucket:      models.BucketDeferred,
		Envelope:    models.Envelope{ChainID: 8453, To: ledgerTo},
		FillID:      testFill,
		Accumulator: ledgerTo,
		State:       models.StateWaitingReady,
	}
	if changed, err := sm.Transition(ctx, job); err != nil || changed {
		t.Fatalf("forged ready = %v, %v", changed, err)
	}
	if len(sent) != 0 || job.UnsignedTx != "" {
		t.Fatalf("deferred job built on a forged signal: %+v", job)
	}
}

func TestRelayStateMachine_ReadySurvivesRestart(t *testing.T) {
	var sent []string
	provider := &mockChainProvider{byChain: map[uint64]*mockChainCtx{
		1: happyChain(&sent), 8453: happyChain(&sent),
	}}
	sm, jobs := newStateMachineForTest(t, provider)
	ctx := context.Background()
	if _, err := sm.Enqueue(ctx, testPlan()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	tick(t, sm, 5)
	if err := sm.Ready().MarkReady(ctx, testReady); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}

	// restart before the deferred job saw the signal
	restarted := newStateMachineOnStore(t, provider, jobs)
	tick(t, restarted, 5)
	if got := jobState(t, jobs, "0xplan:DEFERRED:0"); got != models.StateDone {
		t.Fatalf("deferred after restart = %s, want DONE", got)
	}

	// resubmitting the stored execution after another restart needs no new signal
	again := newStateMachineOnStore(t, provider, jobs)
	if _, err := again.Requeue(ctx, "0xplan:DEFERRED:0"); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	tick(t, again, 5)
	if got := jobState(t, jobs, "0xplan:DEFERRED:0"); got != models.StateDone {
		t.Fatalf("deferred after requeue = %s, want DONE", got)
	}
	if last := sent[len(sent)-1]; last != "raw:"+ledgerTo.Hex() {
		t.Fatalf("last sent = %s, want the ledger execution", last)
	}
}

func TestRelayStateMachine_RetriesExhausted(t *testing.T) {
	builds := 0
	chain := &mockChainCtx{
		buildTxFn: func(ctx context.Context, env models.Envelope) (string, error) {
			builds++
			return "", errors.New("rpc down")
		},
	}
	sm, jobs := newStateMachineForTest(t, &mockChainProvider{byChain: map[uint64]*mockChainCtx{1: chain}})
	ctx := context.Background()
	plan := &models.Plan{ID: "0xp", Immediate: []models.Envelope{{ChainID: 1, To: immediateTo}}}
	if _, err := sm.Enqueue(ctx, plan); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	tick(t, sm, 4)
	j, err := jobs.Get(ctx, "0xp:IMMEDIATE:0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.State != models.StateFailed || j.Error != "retries exhausted" {
		t.Fatalf("job = %s %q, want FAILED", j.State, j.Error)
	}
	if builds != 3 {
		t.Fatalf("builds = %d, want 3", builds)
	}
}

func TestRelayStateMachine_BackoffSkipsJob(t *testing.T) {
	builds := 0
	chain := &mockChainCtx{
		buildTxFn: func(ctx context.Context, env models.Envelope) (string, error) {
			builds++
			return "", errors.New("rpc down")
		},
	}
	sm, _ := newStateMachineForTest(t, &mockChainProvider{byChain: map[uint64]*mockChainCtx{1: chain}})
	sm.backoff = func(int) time.Duration { return time.Hour }
	ctx := context.Background()
	plan := &models.Plan{ID: "0xp", Immediate: []models.Envelope{{ChainID: 1, To: immediateTo}}}
	if _, err := sm.Enqueue(ctx, plan); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	tick(t, sm, 3)
	if builds != 1 {
		t.Fatalf("builds = %d, want 1 while backing off", builds)
	}
}

func TestRequeue(t *testing.T) {
	sm, jobs := newStateMachineForTest(t, &mockChainProvider{})
	ctx := context.Background()

	failed := &models.RelayJob{ID: "f", State: models.StateFailed, Attempts: 3, Error: "retries exhausted", UnsignedTx: "0x01", Bucket: models.BucketDeferred}
	inFlight := &models.RelayJob{ID: "s", State: models.StateTxSent, SentTxHash: "0x02"}
	for _, j := range []*models.RelayJob{failed, inFlight} {
		if err := jobs.Put(ctx, j); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	j, err := sm.Requeue(ctx, "f")
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if j.State != models.StateQueued || j.Attempts != 0 || j.Error != "" || j.UnsignedTx != "" {
		t.Fatalf("requeued job = %+v", j)
	}
	if _, err := sm.Requeue(ctx, "s"); !errors.Is(err, ErrJobInFlight) {
		t.Fatalf("expected ErrJobInFlight, got %v", err)
	}
	if _, err := sm.Requeue(ctx, "missing"); !errors.Is(err, stores.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestRelayStateMachine_StartStopsOnCancel(t *testing.T) {
	sm, _ := newStateMachineForTest(t, &mockChainProvider{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sm.Start(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Start = %v, want context.Canceled", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("start loop did not stop")
	}
}

type fakeFeed struct {
	feed event.Feed
}

func (f *fakeFeed) SubscribeFillAccumulated(ch chan<- accumulator.FillAccumulatedEvent) event.Subscription {
	return f.feed.Subscribe(ch)
}

func TestReadyTracker_Watch(t *testing.T) {
	tracker := NewReadyTracker(nil)
	feed := &fakeFeed{}
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = tracker.Watch(ctx, feed)
	}()

	ev := accumulator.FillAccumulatedEvent{Ledger: ledgerTo, ChainID: 8453, FillID: testFill}
	deadline := time.Now().Add(time.Second)
	for feed.feed.Send(ev) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher never subscribed")
		}
		time.Sleep(time.Millisecond)
	}
	waitReady(t, tracker, testReady)
	if isReady(t, tracker, models.ReadyKey{ChainID: 8453, Ledger: ledgerTo, FillID: common.HexToHash("0x02")}) {
		t.Fatal("unrelated fill marked ready")
	}
	cancel()
	wg.Wait()
}

func TestReadyTracker_PersistsThroughStore(t *testing.T) {
	_, jobs := newStateMachineForTest(t, &mockChainProvider{})
	ctx := context.Background()

	if err := NewReadyTracker(jobs).MarkReady(ctx, testReady); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	fresh := NewReadyTracker(jobs)
	if !isReady(t, fresh, testReady) {
		t.Fatal("ready signal lost across trackers")
	}
	other := testReady
	other.ChainID = 1
	if isReady(t, fresh, other) {
		t.Fatal("ready signal leaked to another chain")
	}
	if isReady(t, NewReadyTracker(nil), testReady) {
		t.Fatal("memory-only tracker saw a stored signal")
	}
}
