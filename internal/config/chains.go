package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

var ErrMissingChainConfig = errors.New("missing configuration for chain")

type MissingChainConfigError struct {
	ChainID uint64
}

func (e *MissingChainConfigError) Error() string {
	return fmt.Sprintf("%s %d", ErrMissingChainConfig, e.ChainID)
}

func (e *MissingChainConfigError) Unwrap() error {
	return ErrMissingChainConfig
}

// ChainConfig is the per-chain deployment the planner and ledgers are built against.
type ChainConfig struct {
	ChainID                 uint64
	Name                    string
	RPCURL                  string
	RelayerURL              string
	Spoke                   common.Address
	AccumulatorFactory      common.Address
	AccumulatorInitCodeHash common.Hash
	Treasury                common.Address
	MinConfirmations        uint64
}

type chainFile struct {
	Chains []chainEntry `yaml:"chains"`
}

type chainEntry struct {
	ChainID                 uint64 `yaml:"chain_id"`
	Name                    string `yaml:"name"`
	RPCURL                  string `yaml:"rpc_url"`
	RelayerURL              string `yaml:"relayer_url"`
	Spoke                   string `yaml:"spoke"`
	AccumulatorFactory      string `yaml:"accumulator_factory"`
	AccumulatorInitCodeHash string `yaml:"accumulator_init_code_hash"`
	Treasury                string `yaml:"treasury"`
	MinConfirmations        uint64 `yaml:"min_confirmations"`
}

// ChainTable is an immutable chain id keyed view of ChainConfig.
type ChainTable struct {
	chains map[uint64]ChainConfig
}

func NewChainTable(chains ...ChainConfig) (*ChainTable, error) {
	t := &ChainTable{chains: make(map[uint64]ChainConfig, len(chains))}
	for _, c := range chains {
		if c.ChainID == 0 {
			return nil, errors.New("chain config without chain id")
		}
		if _, dup := t.chains[c.ChainID]; dup {
			return nil, fmt.Errorf("duplicate config for chain %d", c.ChainID)
		}
		t.chains[c.ChainID] = c
	}
	return t, nil
}

func LoadChainTable(path string) (*ChainTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chain table: %w", err)
	}
	return ParseChainTable(data)
}

func ParseChainTable(data []byte) (*ChainTable, error) {
	var f chainFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse chain table: %w", err)
	}
	chains := make([]ChainConfig, 0, len(f.Chains))
	for _, e := range f.Chains {
		c, err := e.toConfig()
		if err != nil {
			return nil, err
		}
		chains = append(chains, c)
	}
	return NewChainTable(chains...)
}

func (e chainEntry) toConfig() (ChainConfig, error) {
	c := ChainConfig{
		ChainID:          e.ChainID,
		Name:             e.Name,
		RPCURL:           e.RPCURL,
		RelayerURL:       e.RelayerURL,
		MinConfirmations: e.MinConfirmations,
	}
	for _, f := range []struct {
		name     string
		raw      string
		dst      *common.Address
		optional bool
	}{
		{"spoke", e.Spoke, &c.Spoke, false},
		{"accumulator_factory", e.AccumulatorFactory, &c.AccumulatorFactory, false},
		{"treasury", e.Treasury, &c.Treasury, true},
	} {
		if f.raw == "" && f.optional {
			continue
		}
		if !common.IsHexAddress(f.raw) {
			return ChainConfig{}, fmt.Errorf("chain %d: invalid %s address %q", e.ChainID, f.name, f.raw)
		}
		*f.dst = common.HexToAddress(f.raw)
	}
	if e.AccumulatorInitCodeHash != "" {
		b, err := hexToHash(e.AccumulatorInitCodeHash)
		if err != nil {
			return ChainConfig{}, fmt.Errorf("chain %d: accumulator_init_code_hash: %w", e.ChainID, err)
		}
		c.AccumulatorInitCodeHash = b
	}
	return c, nil
}

func hexToHash(s string) (common.Hash, error) {
	b := common.FromHex(s)
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("want %d bytes, got %d", common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

// Get never falls back to a default; unknown chains are a *MissingChainConfigError.
func (t *ChainTable) Get(chainID uint64) (ChainConfig, error) {
	c, ok := t.chains[chainID]
	if !ok {
		return ChainConfig{}, &MissingChainConfigError{ChainID: chainID}
	}
	return c, nil
}

func (t *ChainTable) ChainIDs() []uint64 {
	ids := make([]uint64, 0, len(t.chains))
	for id := range t.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
