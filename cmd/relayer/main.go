package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"unit/intents/internal/config"
	"unit/intents/internal/logging"
	"unit/intents/internal/metrics"
	"unit/intents/internal/planner"
	"unit/intents/internal/services"
	"unit/intents/internal/stores"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		log.Fatalf("failed to load env: %v", err)
	}
	logger, err := logging.New(env.LogLevel, env.LogFormat)
	if err != nil {
		log.Fatalf("invalid log level: %v", err)
	}
	chains, err := config.LoadChainTable(env.ChainsFile)
	if err != nil {
		logger.Fatalf("failed to load chain table: %v", err)
	}
	reg := metrics.New()

	if err := os.MkdirAll(env.DataDir, 0700); err != nil {
		logger.Fatalf("failed to create data dir: %v", err)
	}
	ks, err := stores.NewLocalKeyStore(env.KeystorePassword, env.KeystoreDir)
	if err != nil {
		logger.Fatalf("failed to initialize key store %v", err)
	}
	as, err := stores.NewLocalAccountStore(filepath.Join(env.DataDir, "accounts.db"))
	if err != nil {
		logger.Fatalf("failed to initialize account store %v", err)
	}
	defer as.Close()
	js, err := stores.NewLocalJobStore(filepath.Join(env.DataDir, "jobs.db"))
	if err != nil {
		logger.Fatalf("failed to initialize job store %v", err)
	}
	defer js.Close()

	if !common.IsHexAddress(env.RelayerAddress) {
		logger.Fatalf("RELAYER_ADDRESS %q is not an address", env.RelayerAddress)
	}
	relayer := common.HexToAddress(env.RelayerAddress)
	if !ks.HasKey(context.Background(), relayer) {
		logger.Fatalf("relayer key %s not in keystore, run cmd/init first", relayer.Hex())
	}
	logger.Info("initialized stores")

	backends := make(map[uint64]services.EthBackend)
	for _, id := range chains.ChainIDs() {
		cfg, _ := chains.Get(id)
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			logger.Fatalf("failed to connect to %s: %v", cfg.Name, err)
		}
		defer client.Close()
		backends[id] = client
		logger.WithFields(logrus.Fields{"chain_id": id, "name": cfg.Name}).Info("connected to eth client")
	}

	provider := services.NewChainProvider(ks, relayer, chains, backends)
	pl, err := planner.New(planner.Config{
		Chains:     chains,
		Activation: services.NewCodeActivation(backends),
		Signer:     ks,
		Logger:     logger,
		Metrics:    reg,
	})
	if err != nil {
		logger.Fatalf("failed to initialize planner: %v", err)
	}
	sm, err := services.NewRelayStateMachine(services.StateMachineConfig{
		Provider:    provider,
		Jobs:        js,
		Chains:      chains,
		Logger:      logger,
		Metrics:     reg,
		Interval:    env.PollInterval,
		MaxAttempts: env.MaxAttempts,
	})
	if err != nil {
		logger.Fatalf("failed to initialize state machine: %v", err)
	}
	api := services.NewApiService(services.ApiConfig{
		Addr:     env.HTTPAddr,
		Keys:     ks,
		Accounts: as,
		Jobs:     js,
		Chains:   chains,
		Planner:  pl,
		Relay:    sm,
		Metrics:  reg,
		Logger:   logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigch
		logger.Info("stopping")
		cancel()
	}()

	go func() {
		logger.Infof("API listening on %s", env.HTTPAddr)
		if err := api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server error: %v", err)
		}
	}()

	for _, id := range chains.ChainIDs() {
		cfg, _ := chains.Get(id)
		w := services.NewLogWatcher(id, backends[id], sm.Ready(), js, cfg.MinConfirmations, logger)
		go func() {
			if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).WithField("chain_id", id).Error("log watcher stopped")
			}
		}()
		go func() {
			for err := range w.Err() {
				logger.WithError(err).WithField("chain_id", id).Warn("log watcher error")
			}
		}()
	}

	go func() {
		if err := sm.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatalf("state machine stopped: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("api shutdown")
	}
}
