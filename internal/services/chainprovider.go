package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"unit/intents/internal/clients"
	"unit/intents/internal/config"
	"unit/intents/internal/models"
	"unit/intents/internal/stores"
	"unit/intents/internal/utils/eth"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

var (
	ErrorRejectedTransaction = errors.New("rejected transaction")
	ErrNoBackend             = errors.New("no rpc backend for chain")
)

// EthBackend is the subset of *ethclient.Client the relay needs.
type EthBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

type IChainProvider interface {
	WithChain(chainID uint64) (ChainCtx, error)
}

// ChainProvider hands out a submission context per chain. Chains configured with a
// relayer URL go through that relayer, the rest are sent from the hot wallet.
type ChainProvider struct {
	ks       stores.KeyStore
	relayer  common.Address
	chains   *config.ChainTable
	clients  map[uint64]EthBackend
	relayers map[uint64]*clients.HttpClient
}

func NewChainProvider(ks stores.KeyStore, relayer common.Address, chains *config.ChainTable, backends map[uint64]EthBackend) *ChainProvider {
	relayers := make(map[uint64]*clients.HttpClient)
	for _, id := range chains.ChainIDs() {
		cfg, _ := chains.Get(id)
		if cfg.RelayerURL != "" {
			relayers[id] = clients.NewHttpClient(cfg.RelayerURL)
		}
	}
	return &ChainProvider{
		ks:       ks,
		relayer:  relayer,
		chains:   chains,
		clients:  backends,
		relayers: relayers,
	}
}

func (cp *ChainProvider) WithChain(chainID uint64) (ChainCtx, error) {
	cfg, err := cp.chains.Get(chainID)
	if err != nil {
		return nil, err
	}
	if rc, ok := cp.relayers[chainID]; ok {
		return &RelayerCtx{client: rc}, nil
	}
	client, ok := cp.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrNoBackend, chainID)
	}
	return &EvmCtx{
		cp:      cp,
		chainID: new(big.Int).SetUint64(cfg.ChainID),
		client:  client,
	}, nil
}

type ChainCtx interface {
	// Builds an unsigned transaction carrying env.
	BuildTx(ctx context.Context, env models.Envelope) (rawTx string, err error)
	// Signs and broadcasts rawTx.
	BroadcastTx(ctx context.Context, rawTx string) (hash string, err error)
	// Reports whether txHash has minConfirmations confirmations. A reverted transaction
	// returns ErrorRejectedTransaction.
	IsTxConfirmed(ctx context.Context, txHash string, minConfirmations uint64) (bool, error)
}

type EvmCtx struct {
	cp      *ChainProvider
	chainID *big.Int
	client  EthBackend
}

func (c *EvmCtx) BuildTx(ctx context.Context, env models.Envelope) (string, error) {
	from := c.cp.relayer
	if ok := c.cp.ks.HasKey(ctx, from); !ok {
		return "", fmt.Errorf("private key not found for %s", from.Hex())
	}
	if env.ChainID != c.chainID.Uint64() {
		return "", fmt.Errorf("envelope for chain %d built on chain %s", env.ChainID, c.chainID)
	}
	value := env.Value
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("PendingNonceAt: %w", err)
	}
	tip, feeCap, err := c.fees(ctx)
	if err != nil {
		return "", err
	}
	to := env.To
	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:              from,
		To:                &to,
		Value:             value,
		Data:              env.Data,
		AuthorizationList: env.AuthorizationList,
	})
	if err != nil {
		return "", fmt.Errorf("EstimateGas: %w", err)
	}

	var tx *types.Transaction
	if len(env.AuthorizationList) > 0 {
		tx = types.NewTx(&types.SetCodeTx{
			ChainID:   uint256.MustFromBig(c.chainID),
			Nonce:     nonce,
			GasTipCap: uint256.MustFromBig(tip),
			GasFeeCap: uint256.MustFromBig(feeCap),
			Gas:       gas,
			To:        to,
			Value:     uint256.MustFromBig(value),
			Data:      env.Data,
			AuthList:  env.AuthorizationList,
		})
	} else {
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     value,
			Data:      env.Data,
		})
	}
	return eth.TxToRawHex(tx)
}

func (c *EvmCtx) BroadcastTx(ctx context.Context, rawTx string) (string, error) {
	tx, err := eth.RawHexToTx(rawTx)
	if err != nil {
		return "", fmt.Errorf("error unmarshaling tx: %w", err)
	}
	signed, err := c.cp.ks.SignTx(ctx, c.cp.relayer, tx, c.chainID)
	if err != nil {
		return "", fmt.Errorf("SignTx: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("SendTransaction: %w", err)
	}
	return signed.Hash().Hex(), nil
}

func (c *EvmCtx) IsTxConfirmed(ctx context.Context, txHash string, minConfirmations uint64) (bool, error) {
	rcpt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("error getting receipt: %w", err)
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return false, ErrorRejectedTransaction
	}
	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("error getting latest block number: %w", err)
	}
	if head < rcpt.BlockNumber.Uint64()+minConfirmations {
		return false, nil
	}
	return true, nil
}

// fees returns the suggested tip and a fee cap of tip + 2*baseFee.
func (c *EvmCtx) fees(ctx context.Context) (tip, feeCap *big.Int, err error) {
	tip, err = c.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("SuggestGasTipCap: %w", err)
	}
	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("error getting latest header: %w", err)
	}
	feeCap = new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	return tip, feeCap, nil
}

// relayRequest is the wire form of an envelope posted to an HTTP relayer.
type relayRequest struct {
	ChainID           hexutil.Uint64               `json:"chainId"`
	To                common.Address               `json:"to"`
	Data              hexutil.Bytes                `json:"data"`
	Value             *hexutil.Big                 `json:"value"`
	AuthorizationList []types.SetCodeAuthorization `json:"authorizationList,omitempty"`
}

// RelayerCtx submits envelopes to an external relayer that pays gas itself.
type RelayerCtx struct {
	client *clients.HttpClient
}

func (c *RelayerCtx) BuildTx(ctx context.Context, env models.Envelope) (string, error) {
	value := env.Value
	if value == nil {
		value = new(big.Int)
	}
	raw, err := json.Marshal(relayRequest{
		ChainID:           hexutil.Uint64(env.ChainID),
		To:                env.To,
		Data:              env.Data,
		Value:             (*hexutil.Big)(value),
		AuthorizationList: env.AuthorizationList,
	})
	if err != nil {
		return "", fmt.Errorf("marshalling relay request: %w", err)
	}
	return string(raw), nil
}

func (c *RelayerCtx) BroadcastTx(ctx context.Context, rawTx string) (string, error) {
	resp, err := c.client.Relay(ctx, "/relay", json.RawMessage(rawTx))
	if err != nil {
		return "", err
	}
	if resp.TxHash == "" {
		return "", fmt.Errorf("api response error %v", resp)
	}
	return resp.TxHash, nil
}

// IsTxConfirmed defers finality to the relayer; minConfirmations is its concern.
func (c *RelayerCtx) IsTxConfirmed(ctx context.Context, txHash string, minConfirmations uint64) (bool, error) {
	body, err := c.client.Get(ctx, "/status/"+txHash)
	if err != nil {
		return false, err
	}
	var resp clients.RelayResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("decoding relay status: %w", err)
	}
	switch resp.Status {
	case clients.RelayStatusConfirmed:
		return true, nil
	case clients.RelayStatusRejected:
		return false, ErrorRejectedTransaction
	default:
		return false, nil
	}
}

// CodeActivation treats an account as activated once it carries code on the chain.
type CodeActivation struct {
	clients map[uint64]EthBackend
}

func NewCodeActivation(backends map[uint64]EthBackend) *CodeActivation {
	return &CodeActivation{clients: backends}
}

func (a *CodeActivation) IsActivated(ctx context.Context, chainID uint64, account common.Address) (bool, error) {
	client, ok := a.clients[chainID]
	if !ok {
		return false, fmt.Errorf("%w %d", ErrNoBackend, chainID)
	}
	code, err := client.CodeAt(ctx, account, nil)
	if err != nil {
		return false, fmt.Errorf("CodeAt(%s): %w", account.Hex(), err)
	}
	return len(code) > 0, nil
}
