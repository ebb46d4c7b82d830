package stores

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"unit/intents/internal/codec"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var unknownAddr = common.HexToAddress("0x000000000000000000000000000000000000dEaD")

func newTestKeyStore(t *testing.T) *LocalKeyStore {
	t.Helper()
	ks, err := NewLightKeyStore("testpass", filepath.Join(t.TempDir(), "keystore"))
	if err != nil {
		t.Fatalf("NewLightKeyStore error: %v", err)
	}
	return ks
}

func TestCreateKeyAndHasKey(t *testing.T) {
	ks := newTestKeyStore(t)
	ctx := context.Background()

	addr, err := ks.CreateKey(ctx)
	if err != nil {
		t.Fatalf("CreateKey error: %v", err)
	}
	if addr == (common.Address{}) {
		t.Fatal("CreateKey returned zero address")
	}
	if !ks.HasKey(ctx, addr) {
		t.Fatalf("HasKey(%s) = false, want true", addr.Hex())
	}
	if ks.HasKey(ctx, unknownAddr) {
		t.Fatal("HasKey returned true for unknown address")
	}
}

func TestSignRoot_RecoversSigner(t *testing.T) {
	ks := newTestKeyStore(t)
	ctx := context.Background()

	addr, err := ks.CreateKey(ctx)
	if err != nil {
		t.Fatalf("CreateKey error: %v", err)
	}

	digest := codec.RootDigest(crypto.Keccak256Hash([]byte("root")))
	sig, err := ks.SignRoot(ctx, addr, digest)
	if err != nil {
		t.Fatalf("SignRoot error: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length = %d, want 65", len(sig))
	}
	if v := sig[64]; v != 27 && v != 28 {
		t.Fatalf("v = %d, want 27 or 28", v)
	}

	recovered, err := codec.RecoverSigner(digest, sig)
	if err != nil {
		t.Fatalf("RecoverSigner error: %v", err)
	}
	if recovered != addr {
		t.Fatalf("recovered address %s != signer %s", recovered.Hex(), addr.Hex())
	}
}

func TestSignAuthorization(t *testing.T) {
	ks := newTestKeyStore(t)
	ctx := context.Background()

	addr, err := ks.CreateKey(ctx)
	if err != nil {
		t.Fatalf("CreateKey error: %v", err)
	}
	auth, err := ks.SignAuthorization(ctx, addr, types.SetCodeAuthorization{
		ChainID: *uint256.NewInt(8453),
		Address: common.HexToAddress("0x00000000000000000000000000000000000e0001"),
		Nonce:   3,
	})
	if err != nil {
		t.Fatalf("SignAuthorization error: %v", err)
	}
	authority, err := auth.Authority()
	if err != nil {
		t.Fatalf("Authority error: %v", err)
	}
	if authority != addr {
		t.Fatalf("authority %s != %s", authority.Hex(), addr.Hex())
	}
}

func TestSignTx_SetsFromCorrectly(t *testing.T) {
	ks := newTestKeyStore(t)
	ctx := context.Background()

	from, err := ks.CreateKey(ctx)
	if err != nil {
		t.Fatalf("CreateKey error: %v", err)
	}
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	chainID := big.NewInt(1)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     0,
		To:        &to,
		Value:     big.NewInt(12345),
		Gas:       21000,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(1_000_000_000),
	})

	signedTx, err := ks.SignTx(ctx, from, tx, chainID)
	if err != nil {
		t.Fatalf("SignTx error: %v", err)
	}

	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signedTx)
	if err != nil {
		t.Fatalf("types.Sender error: %v", err)
	}
	if sender != from {
		t.Fatalf("sender %s != expected %s", sender.Hex(), from.Hex())
	}
}

func TestSign_UnknownAddress(t *testing.T) {
	ks := newTestKeyStore(t)
	ctx := context.Background()

	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	tx := types.NewTransaction(0, to, big.NewInt(0), 21000, big.NewInt(1), nil)
	if _, err := ks.SignTx(ctx, unknownAddr, tx, big.NewInt(1)); err == nil {
		t.Fatal("expected error signing tx with unknown address, got nil")
	}
	if _, err := ks.SignRoot(ctx, unknownAddr, common.Hash{}); err == nil {
		t.Fatal("expected error signing root with unknown address, got nil")
	}
}

func TestImportECDSA(t *testing.T) {
	ks := newTestKeyStore(t)

	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey error: %v", err)
	}
	wantAddr := crypto.PubkeyToAddress(priv.PublicKey)

	addr, err := ks.ImportECDSA(priv)
	if err != nil {
		t.Fatalf("ImportECDSA error: %v", err)
	}
	if addr != wantAddr {
		t.Fatalf("imported address %s != expected %s", addr.Hex(), wantAddr.Hex())
	}

	digest := codec.RootDigest(common.HexToHash("0x01"))
	sig, err := ks.SignRoot(context.Background(), addr, digest)
	if err != nil {
		t.Fatalf("SignRoot after import: %v", err)
	}
	if got, _ := codec.RecoverSigner(digest, sig); got != wantAddr {
		t.Fatalf("recovered %s, want %s", got.Hex(), wantAddr.Hex())
	}
}
