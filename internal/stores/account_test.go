package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"unit/intents/internal/models"

	"github.com/ethereum/go-ethereum/common"
)

func newTestStore(t *testing.T) *LocalAccountStore {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.db")
	s, err := NewLocalAccountStore(path)
	if err != nil {
		t.Fatalf("NewLocalAccountStore error: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func testAccount(addr, signer string) models.Account {
	a := common.HexToAddress(addr)
	return models.Account{ID: a.Hex(), Address: a, Signer: common.HexToAddress(signer)}
}

func TestLocalAccountStore_InsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	acct := testAccount("0x000000000000000000000000000000000000dEaD", "0x1111111111111111111111111111111111111111")
	if err := store.Insert(ctx, acct); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	got, err := store.Get(ctx, acct.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if *got != acct {
		t.Fatalf("Get = %+v, want %+v", got, acct)
	}
}

func TestLocalAccountStore_Get_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "does_not_exist")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestLocalAccountStore_GetBySigner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	signer := "0x1111111111111111111111111111111111111111"
	a := testAccount("0x000000000000000000000000000000000000000a", signer)
	b := testAccount("0x000000000000000000000000000000000000000b", signer)
	other := testAccount("0x000000000000000000000000000000000000000c", "0x2222222222222222222222222222222222222222")
	for _, acct := range []models.Account{a, b, other} {
		if err := store.Insert(ctx, acct); err != nil {
			t.Fatalf("Insert error: %v", err)
		}
	}

	got, err := store.GetBySigner(ctx, common.HexToAddress(signer))
	if err != nil {
		t.Fatalf("GetBySigner error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetBySigner returned %d accounts, want 2", len(got))
	}
	for _, acct := range got {
		if acct.Signer != common.HexToAddress(signer) {
			t.Fatalf("account %s has signer %s", acct.ID, acct.Signer.Hex())
		}
	}
}

func TestLocalAccountStore_RotateSigner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	acct := testAccount("0x000000000000000000000000000000000000000a", "0x1111111111111111111111111111111111111111")
	if err := store.Insert(ctx, acct); err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	acct.Signer = common.HexToAddress("0x2222222222222222222222222222222222222222")
	if err := store.Insert(ctx, acct); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	if _, err := store.GetBySigner(ctx, common.HexToAddress("0x1111111111111111111111111111111111111111")); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("old signer still indexed: %v", err)
	}
	got, err := store.GetBySigner(ctx, acct.Signer)
	if err != nil || len(got) != 1 {
		t.Fatalf("GetBySigner = %v, %v", got, err)
	}
}

func TestLocalAccountStore_Close(t *testing.T) {
	store := newTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}
