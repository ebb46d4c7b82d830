// Package codec is the single schema shared by the planner and the accumulator: typed-data
// struct hashes, account/chain bound leaf hashes, ABI payloads and Merkle proofs.
package codec

import (
	"math/big"

	"unit/intents/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	apitypes "github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	DomainName    = "IntentAccount"
	DomainVersion = "1"

	primaryExecute = "Execute"
	primaryParams  = "ExecutionParams"
)

var eip712Types = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Call": {
		{Name: "target", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "data", Type: "bytes"},
	},
	primaryExecute: {
		{Name: "calls", Type: "Call[]"},
		{Name: "salt", Type: "bytes32"},
	},
	primaryParams: {
		{Name: "salt", Type: "bytes32"},
		{Name: "fillDeadline", Type: "uint32"},
		{Name: "sumOutput", Type: "uint256"},
		{Name: "outputToken", Type: "address"},
		{Name: "finalMinOutput", Type: "uint256"},
		{Name: "finalOutputToken", Type: "address"},
		{Name: "recipient", Type: "address"},
		{Name: "destinationCaller", Type: "address"},
		{Name: "destCalls", Type: "Call[]"},
	},
}

func domain(account common.Address, chainID uint64) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainId:           (*math.HexOrDecimal256)(new(big.Int).SetUint64(chainID)),
		VerifyingContract: account.Hex(),
	}
}

// apitypes refuses to hash without some domain, even for domain-free struct hashes.
var placeholderDomain = domain(common.Address{}, 0)

func callMessages(calls []models.Call) []interface{} {
	out := make([]interface{}, 0, len(calls))
	for _, c := range calls {
		data := c.Data
		if data == nil {
			data = []byte{}
		}
		out = append(out, map[string]interface{}{
			"target": c.Target.Hex(),
			"value":  c.ValueOrZero(),
			"data":   data,
		})
	}
	return out
}

func hashStruct(primaryType string, msg apitypes.TypedDataMessage) (common.Hash, error) {
	td := apitypes.TypedData{
		Types:       eip712Types,
		PrimaryType: primaryType,
		Domain:      placeholderDomain,
		Message:     msg,
	}
	h, err := td.HashStruct(primaryType, msg)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(h), nil
}

// ExecuteStructHash is the domain-free hash of an execute leaf.
func ExecuteStructHash(calls []models.Call, salt common.Hash) (common.Hash, error) {
	return hashStruct(primaryExecute, apitypes.TypedDataMessage{
		"calls": callMessages(calls),
		"salt":  salt,
	})
}

// ParamsStructHash is the domain-free hash of an accumulator leaf.
func ParamsStructHash(p models.ExecutionParams) (common.Hash, error) {
	p = Normalize(p)
	return hashStruct(primaryParams, apitypes.TypedDataMessage{
		"salt":              p.Salt,
		"fillDeadline":      new(big.Int).SetUint64(uint64(p.FillDeadline)),
		"sumOutput":         p.SumOutput,
		"outputToken":       p.OutputToken.Hex(),
		"finalMinOutput":    p.FinalMinOutput,
		"finalOutputToken":  p.FinalOutputToken.Hex(),
		"recipient":         p.Recipient.Hex(),
		"destinationCaller": p.DestinationCaller.Hex(),
		"destCalls":         callMessages(p.DestCalls),
	})
}

// DomainSeparator binds leaves to one account on one chain.
func DomainSeparator(account common.Address, chainID uint64) (common.Hash, error) {
	td := apitypes.TypedData{Types: eip712Types, Domain: domain(account, chainID)}
	h, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(h), nil
}

// LeafHash wraps a struct hash with the account/chain domain, preventing a leaf signed for
// one account or chain from being replayed on another.
func LeafHash(structHash common.Hash, account common.Address, chainID uint64) (common.Hash, error) {
	sep, err := DomainSeparator(account, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	raw := make([]byte, 0, 66)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, sep[:]...)
	raw = append(raw, structHash[:]...)
	return crypto.Keccak256Hash(raw), nil
}

// Normalize replaces nil amounts with zero so params hash and pack identically no matter
// how they were constructed.
func Normalize(p models.ExecutionParams) models.ExecutionParams {
	if p.SumOutput == nil {
		p.SumOutput = new(big.Int)
	}
	if p.FinalMinOutput == nil {
		p.FinalMinOutput = new(big.Int)
	}
	p.DestCalls = NormalizeCalls(p.DestCalls)
	return p
}

func NormalizeCalls(calls []models.Call) []models.Call {
	out := make([]models.Call, len(calls))
	for i, c := range calls {
		out[i] = models.Call{Target: c.Target, Value: c.ValueOrZero(), Data: c.Data}
		if out[i].Data == nil {
			out[i].Data = []byte{}
		}
	}
	return out
}
