package codec

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"unit/intents/internal/models"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrMalformedMessage = errors.New("malformed bridge message")

func mustNewType(t string, components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic(fmt.Sprintf("failed to create ABI type %s: %v", t, err))
	}
	return typ
}

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("failed to parse ABI: %v", err))
	}
	return parsed
}

var (
	callComponents = []abi.ArgumentMarshaling{
		{Name: "target", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "data", Type: "bytes"},
	}

	paramsComponents = []abi.ArgumentMarshaling{
		{Name: "salt", Type: "bytes32"},
		{Name: "fillDeadline", Type: "uint32"},
		{Name: "sumOutput", Type: "uint256"},
		{Name: "outputToken", Type: "address"},
		{Name: "finalMinOutput", Type: "uint256"},
		{Name: "finalOutputToken", Type: "address"},
		{Name: "recipient", Type: "address"},
		{Name: "destinationCaller", Type: "address"},
		{Name: "destCalls", Type: "tuple[]", Components: callComponents},
	}

	// abi.encode(address depositor, ExecutionParams params)
	messageArgs = abi.Arguments{
		{Name: "depositor", Type: mustNewType("address", nil)},
		{Name: "params", Type: mustNewType("tuple", paramsComponents)},
	}

	fillIDArgs = abi.Arguments{
		{Type: mustNewType("address", nil)},
		{Type: mustNewType("bytes32", nil)},
	}
)

const callTuple = `{"name":"target","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}`

const paramsTuple = `{"name":"salt","type":"bytes32"},{"name":"fillDeadline","type":"uint32"},{"name":"sumOutput","type":"uint256"},` +
	`{"name":"outputToken","type":"address"},{"name":"finalMinOutput","type":"uint256"},{"name":"finalOutputToken","type":"address"},` +
	`{"name":"recipient","type":"address"},{"name":"destinationCaller","type":"address"},` +
	`{"name":"destCalls","type":"tuple[]","components":[` + callTuple + `]}`

// AccountABI is the delegated account surface the planner targets.
var AccountABI = mustParseABI(`[
  {"name":"initialize","type":"function","stateMutability":"nonpayable","inputs":[
    {"name":"signer","type":"address"},
    {"name":"spoke","type":"address"},
    {"name":"accumulatorFactory","type":"address"}
  ],"outputs":[]},
  {"name":"executeBatch","type":"function","stateMutability":"payable","inputs":[
    {"name":"calls","type":"tuple[]","components":[` + callTuple + `]},
    {"name":"salt","type":"bytes32"},
    {"name":"proof","type":"bytes32[]"},
    {"name":"signature","type":"bytes"}
  ],"outputs":[]}
]`)

// AccumulatorABI is the destination ledger surface.
var AccumulatorABI = mustParseABI(`[
  {"name":"executeIntent","type":"function","stateMutability":"nonpayable","inputs":[
    {"name":"params","type":"tuple","components":[` + paramsTuple + `]},
    {"name":"proof","type":"bytes32[]"},
    {"name":"signature","type":"bytes"}
  ],"outputs":[]},
  {"name":"markStale","type":"function","stateMutability":"nonpayable","inputs":[
    {"name":"fillId","type":"bytes32"}
  ],"outputs":[]},
  {"name":"sweep","type":"function","stateMutability":"nonpayable","inputs":[
    {"name":"token","type":"address"}
  ],"outputs":[]},
  {"anonymous":false,"name":"FillAccumulated","type":"event","inputs":[
    {"indexed":true,"name":"fillId","type":"bytes32"},
    {"indexed":true,"name":"token","type":"address"},
    {"indexed":false,"name":"received","type":"uint256"}
  ]},
  {"anonymous":false,"name":"IntentExecuted","type":"event","inputs":[
    {"indexed":true,"name":"fillId","type":"bytes32"},
    {"indexed":true,"name":"recipient","type":"address"},
    {"indexed":false,"name":"amount","type":"uint256"},
    {"indexed":false,"name":"sourceChains","type":"uint256[]"}
  ]}
]`)

// SpokeABI is the bridge adapter's outbound deposit call.
var SpokeABI = mustParseABI(`[
  {"name":"deposit","type":"function","stateMutability":"payable","inputs":[
    {"name":"destinationChainId","type":"uint256"},
    {"name":"token","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"ledger","type":"address"},
    {"name":"message","type":"bytes"}
  ],"outputs":[]}
]`)

var ERC20ABI = mustParseABI(`[
  {"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[
    {"name":"to","type":"address"},
    {"name":"amount","type":"uint256"}
  ],"outputs":[{"name":"","type":"bool"}]},
  {"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[
    {"name":"spender","type":"address"},
    {"name":"amount","type":"uint256"}
  ],"outputs":[{"name":"","type":"bool"}]}
]`)

// FillID derives the ledger key of an intent from its depositor and every immutable field.
func FillID(depositor common.Address, p models.ExecutionParams) (common.Hash, error) {
	sh, err := ParamsStructHash(p)
	if err != nil {
		return common.Hash{}, err
	}
	enc, err := fillIDArgs.Pack(depositor, [32]byte(sh))
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}

// EncodeMessage builds the opaque payload carried by the bridge alongside the funds.
func EncodeMessage(depositor common.Address, p models.ExecutionParams) ([]byte, error) {
	return messageArgs.Pack(depositor, Normalize(p))
}

func DecodeMessage(data []byte) (common.Address, models.ExecutionParams, error) {
	out, err := messageArgs.Unpack(data)
	if err != nil {
		return common.Address{}, models.ExecutionParams{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(out) != 2 {
		return common.Address{}, models.ExecutionParams{}, ErrMalformedMessage
	}
	depositor, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, models.ExecutionParams{}, ErrMalformedMessage
	}
	params := *abi.ConvertType(out[1], new(models.ExecutionParams)).(*models.ExecutionParams)
	return depositor, params, nil
}

func toBytes32(proof []common.Hash) [][32]byte {
	out := make([][32]byte, len(proof))
	for i, h := range proof {
		out[i] = h
	}
	return out
}

func PackInitialize(signer, spoke, factory common.Address) ([]byte, error) {
	return AccountABI.Pack("initialize", signer, spoke, factory)
}

func PackExecuteBatch(calls []models.Call, salt common.Hash, proof []common.Hash, sig []byte) ([]byte, error) {
	return AccountABI.Pack("executeBatch", NormalizeCalls(calls), [32]byte(salt), toBytes32(proof), sig)
}

func PackExecuteIntent(p models.ExecutionParams, proof []common.Hash, sig []byte) ([]byte, error) {
	return AccumulatorABI.Pack("executeIntent", Normalize(p), toBytes32(proof), sig)
}

// UnpackExecuteIntent decodes executeIntent calldata, selector included.
func UnpackExecuteIntent(data []byte) (models.ExecutionParams, []common.Hash, []byte, error) {
	method := AccumulatorABI.Methods["executeIntent"]
	if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return models.ExecutionParams{}, nil, nil, errors.New("not an executeIntent call")
	}
	out, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return models.ExecutionParams{}, nil, nil, err
	}
	params := *abi.ConvertType(out[0], new(models.ExecutionParams)).(*models.ExecutionParams)
	raw := out[1].([][32]byte)
	proof := make([]common.Hash, len(raw))
	for i, h := range raw {
		proof[i] = h
	}
	return params, proof, out[2].([]byte), nil
}

func PackDeposit(destChainID uint64, token common.Address, amount *big.Int, ledger common.Address, message []byte) ([]byte, error) {
	return SpokeABI.Pack("deposit", new(big.Int).SetUint64(destChainID), token, amount, ledger, message)
}

func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return ERC20ABI.Pack("transfer", to, amount)
}
