// Command devnet simulates every configured chain in memory. It consumes bridge orders
// from NATS, fronts the output liquidity from each chain's spoke, and delivers them into
// per-account accumulators created on first use.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"unit/intents/internal/accumulator"
	"unit/intents/internal/bridge"
	"unit/intents/internal/clients"
	"unit/intents/internal/codec"
	"unit/intents/internal/config"
	"unit/intents/internal/logging"
	"unit/intents/internal/metrics"
	"unit/intents/internal/stores"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

type devnet struct {
	mu      sync.Mutex
	chains  *config.ChainTable
	banks   map[uint64]*accumulator.MemoryBank
	nets    map[uint64]*accumulator.Chain
	bridge  *bridge.LocalBridge
	ledgers map[common.Address]bool
	fills   stores.FillStore
	relayer *clients.HttpClient
	metrics *metrics.Registry
	log     logrus.FieldLogger
}

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		log.Fatalf("failed to load env: %v", err)
	}
	logger, err := logging.New(env.LogLevel, env.LogFormat)
	if err != nil {
		log.Fatalf("invalid log level: %v", err)
	}
	if env.NATSURL == "" {
		logger.Fatal("NATS_URL is required")
	}
	chains, err := config.LoadChainTable(env.ChainsFile)
	if err != nil {
		logger.Fatalf("failed to load chain table: %v", err)
	}
	if err := os.MkdirAll(env.DataDir, 0700); err != nil {
		logger.Fatalf("failed to create data dir: %v", err)
	}
	fills, err := stores.NewLocalFillStore(filepath.Join(env.DataDir, "devnet-fills.db"))
	if err != nil {
		logger.Fatalf("failed to initialize fill store %v", err)
	}
	defer fills.Close()

	d := &devnet{
		chains:  chains,
		banks:   make(map[uint64]*accumulator.MemoryBank),
		nets:    make(map[uint64]*accumulator.Chain),
		bridge:  bridge.NewLocalBridge(false, logger),
		ledgers: make(map[common.Address]bool),
		fills:   fills,
		relayer: clients.NewHttpClient(env.RelayerAPIURL),
		metrics: metrics.New(),
		log:     logger,
	}
	for _, id := range chains.ChainIDs() {
		cfg, _ := chains.Get(id)
		bank := accumulator.NewMemoryBank()
		d.banks[id] = bank
		d.nets[id] = accumulator.NewChain(id, bank)
		d.bridge.AddEndpoint(id, bridge.Endpoint{Chain: d.nets[id], Spoke: cfg.Spoke})
	}

	transport, err := bridge.DialNats(env.NATSURL, env.NATSSubject, logger)
	if err != nil {
		logger.Fatalf("failed to connect to nats: %v", err)
	}
	defer transport.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigch
		logger.Info("stopping")
		cancel()
	}()

	logger.WithField("subject", env.NATSSubject).Info("devnet consuming orders")
	if err := transport.Subscribe(ctx, d.deliver); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("subscription stopped: %v", err)
	}
}

func (d *devnet) deliver(ctx context.Context, o bridge.Order) error {
	if err := d.ensureLedger(ctx, o); err != nil {
		return err
	}
	cfg, err := d.chains.Get(o.DestinationChainID)
	if err != nil {
		return err
	}
	chain, bank := d.nets[o.DestinationChainID], d.banks[o.DestinationChainID]
	if err := chain.Do(ctx, func(context.Context) error {
		bank.Mint(o.Token, cfg.Spoke, o.Amount)
		return nil
	}); err != nil {
		return err
	}
	rcpt, err := d.bridge.Deliver(ctx, o)
	if err != nil {
		return err
	}
	d.log.WithFields(logrus.Fields{
		"fill_id":  rcpt.FillID.Hex(),
		"credited": rcpt.Credited.String(),
		"refunded": rcpt.Refunded.String(),
	}).Info("order delivered")
	return nil
}

// ensureLedger creates the destination accumulator of o on first sight. Its root
// signatures are checked against the signer the relayer has on record for the account.
func (d *devnet) ensureLedger(ctx context.Context, o bridge.Order) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ledgers[o.Ledger] {
		return nil
	}

	owner, _, err := codec.DecodeMessage(o.Message)
	if err != nil {
		return err
	}
	cfg, err := d.chains.Get(o.DestinationChainID)
	if err != nil {
		return err
	}
	if want := codec.LedgerAddress(cfg.AccumulatorFactory, owner, cfg.AccumulatorInitCodeHash); want != o.Ledger {
		return fmt.Errorf("%w: %s is not the ledger of %s", bridge.ErrUnknownLedger, o.Ledger.Hex(), owner.Hex())
	}
	signer, err := d.signerOf(ctx, owner)
	if err != nil {
		return err
	}

	chain, ok := d.nets[o.DestinationChainID]
	if !ok {
		return fmt.Errorf("%w %d", bridge.ErrUnknownChain, o.DestinationChainID)
	}
	acc, err := accumulator.New(accumulator.Config{
		Owner:    owner,
		Address:  o.Ledger,
		Spoke:    cfg.Spoke,
		Treasury: cfg.Treasury,
		Chain:    chain,
		Store:    d.fills,
		Verifier: accumulator.AccountVerifier{Signer: signer},
		Logger:   d.log,
		Metrics:  d.metrics,
	})
	if err != nil {
		return err
	}
	d.bridge.AddLedger(acc)
	d.ledgers[o.Ledger] = true
	go d.watch(ctx, acc)
	return nil
}

func (d *devnet) signerOf(ctx context.Context, account common.Address) (common.Address, error) {
	body, err := d.relayer.Get(ctx, "/accounts/"+account.Hex())
	if err != nil {
		return common.Address{}, fmt.Errorf("looking up signer of %s: %w", account.Hex(), err)
	}
	var resp struct {
		Signer common.Address `json:"signer"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.Address{}, err
	}
	return resp.Signer, nil
}

func (d *devnet) watch(ctx context.Context, acc *accumulator.Accumulator) {
	ch := make(chan accumulator.FillAccumulatedEvent, 16)
	sub := acc.SubscribeFillAccumulated(ch)
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Err():
			return
		case ev := <-ch:
			d.log.WithFields(logrus.Fields{
				"ledger":   ev.Ledger.Hex(),
				"chain_id": ev.ChainID,
				"fill_id":  ev.FillID.Hex(),
				"received": ev.Received.String(),
			}).Info("fill ready")
		}
	}
}
