package models

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestNewAccount_Valid(t *testing.T) {
	acctIn := "0x960b650301e941c095aef35f57ae1b2d73fc4df1"
	signerIn := "0x6Ae4A873bCD785f28f80285D4B402881649D0f8c"

	acct, err := NewAccount(acctIn, signerIn)
	if err != nil {
		t.Fatalf("NewAccount error: %v", err)
	}

	wantID := common.HexToAddress(acctIn).Hex()
	if acct.ID != wantID {
		t.Fatalf("ID = %s, want %s", acct.ID, wantID)
	}
	if acct.Address != common.HexToAddress(acctIn) {
		t.Fatalf("Address = %s, want %s", acct.Address.Hex(), common.HexToAddress(acctIn).Hex())
	}
	if acct.Signer != common.HexToAddress(signerIn) {
		t.Fatalf("Signer = %s, want %s", acct.Signer.Hex(), common.HexToAddress(signerIn).Hex())
	}
}

func TestNewAccount_InvalidAccountAddr(t *testing.T) {
	_, err := NewAccount("invalid", "0x960b650301e941c095aef35f57ae1b2d73fc4df1")
	if err == nil {
		t.Fatal("expected error for invalid account address")
	}
}

func TestNewAccount_InvalidSignerAddr(t *testing.T) {
	_, err := NewAccount("0x960b650301e941c095aef35f57ae1b2d73fc4df1", "invalid")
	if err == nil {
		t.Fatal("expected error for invalid signer address")
	}
}

func TestAccountID(t *testing.T) {
	addr := "0x960b650301e941c095aef35f57ae1b2d73fc4df1"

	got, err := AccountID(addr)
	if err != nil {
		t.Fatalf("AccountID error: %v", err)
	}
	if want := common.HexToAddress(addr).Hex(); got != want {
		t.Fatalf("AccountID = %s, want %s", got, want)
	}
}
