package eth

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

func TestRawHexRoundTrip_SetCodeTx(t *testing.T) {
	to := common.HexToAddress("0x01")
	tx := types.NewTx(&types.SetCodeTx{
		ChainID:   uint256.NewInt(8453),
		Nonce:     3,
		GasTipCap: uint256.NewInt(1),
		GasFeeCap: uint256.NewInt(10),
		Gas:       50_000,
		To:        to,
		Value:     uint256.NewInt(0),
		Data:      []byte{0xaa},
		AuthList:  []types.SetCodeAuthorization{{ChainID: *uint256.NewInt(8453), Address: common.HexToAddress("0x02")}},
	})
	raw, err := TxToRawHex(tx)
	if err != nil {
		t.Fatalf("TxToRawHex error: %v", err)
	}
	got, err := RawHexToTx(raw)
	if err != nil {
		t.Fatalf("RawHexToTx error: %v", err)
	}
	if got.Hash() != tx.Hash() || got.Type() != types.SetCodeTxType {
		t.Fatalf("round trip changed tx: type %d", got.Type())
	}
	if got.ChainId().Cmp(big.NewInt(8453)) != 0 {
		t.Fatalf("chain id = %s", got.ChainId())
	}
}

func TestTxToRawHex_Nil(t *testing.T) {
	if _, err := TxToRawHex(nil); !errors.Is(err, ErrNilTx) {
		t.Fatalf("expected ErrNilTx, got %v", err)
	}
}

func TestRawHexToTx_Invalid(t *testing.T) {
	if _, err := RawHexToTx("not hex"); err == nil {
		t.Fatal("expected hex error")
	}
	if _, err := RawHexToTx("0xdeadbeef"); err == nil {
		t.Fatal("expected decode error")
	}
}
