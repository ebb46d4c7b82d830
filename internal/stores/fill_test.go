package stores

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"unit/intents/internal/models"

	"github.com/ethereum/go-ethereum/common"
)

func newTestFillStore(t *testing.T) *LocalFillStore {
	t.Helper()
	s, err := NewLocalFillStore(filepath.Join(t.TempDir(), "fills.db"))
	if err != nil {
		t.Fatalf("NewLocalFillStore error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var (
	ledgerA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	ledgerB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	token   = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func testFill(id string, received int64) *models.Fill {
	return &models.Fill{
		ID:           common.HexToHash(id),
		OutputToken:  token,
		SumOutput:    big.NewInt(100),
		Received:     big.NewInt(received),
		FillDeadline: 2_000_000_000,
		Status:       models.FillAccumulating,
		SourceChains: []uint64{10, 42161},
	}
}

func TestFillStore_CommitAndGet(t *testing.T) {
	store := newTestFillStore(t)
	ctx := context.Background()

	in := testFill("0x01", 40)
	if err := store.Commit(ctx, ledgerA, in, big.NewInt(40)); err != nil {
		t.Fatalf("Commit error: %v", err)
	}

	out, err := store.GetFill(ctx, ledgerA, in.ID)
	if err != nil {
		t.Fatalf("GetFill error: %v", err)
	}
	if out.Received.Cmp(in.Received) != 0 || out.Status != in.Status || len(out.SourceChains) != 2 {
		t.Fatalf("GetFill mismatch: got %+v, want %+v", out, in)
	}

	res, err := store.Reservation(ctx, ledgerA, token)
	if err != nil {
		t.Fatalf("Reservation error: %v", err)
	}
	if res.Int64() != 40 {
		t.Fatalf("reservation = %s, want 40", res)
	}
}

func TestFillStore_ScopedPerLedger(t *testing.T) {
	store := newTestFillStore(t)
	ctx := context.Background()

	fill := testFill("0x01", 10)
	if err := store.Commit(ctx, ledgerA, fill, big.NewInt(10)); err != nil {
		t.Fatalf("Commit error: %v", err)
	}

	if _, err := store.GetFill(ctx, ledgerB, fill.ID); !errors.Is(err, ErrFillNotFound) {
		t.Fatalf("expected ErrFillNotFound for other ledger, got %v", err)
	}
	res, err := store.Reservation(ctx, ledgerB, token)
	if err != nil {
		t.Fatalf("Reservation error: %v", err)
	}
	if res.Sign() != 0 {
		t.Fatalf("other ledger reservation = %s, want 0", res)
	}
}

func TestFillStore_ScanFills(t *testing.T) {
	store := newTestFillStore(t)
	ctx := context.Background()

	for i, id := range []string{"0x01", "0x02", "0x03"} {
		if err := store.Commit(ctx, ledgerA, testFill(id, int64(i)), big.NewInt(3)); err != nil {
			t.Fatalf("Commit error: %v", err)
		}
	}
	if err := store.Commit(ctx, ledgerB, testFill("0x04", 1), big.NewInt(1)); err != nil {
		t.Fatalf("Commit error: %v", err)
	}

	var n int
	err := store.ScanFills(ctx, ledgerA, func(f *models.Fill) error {
		n++
		return nil
	})
	if err != nil {
		t.Fatalf("ScanFills error: %v", err)
	}
	if n != 3 {
		t.Fatalf("scanned %d fills, want 3", n)
	}
}

func TestFillStore_RejectsNegativeReservation(t *testing.T) {
	store := newTestFillStore(t)
	if err := store.Commit(context.Background(), ledgerA, testFill("0x01", 0), big.NewInt(-1)); err == nil {
		t.Fatal("expected error for negative reservation")
	}
}

func TestFillStore_Revert(t *testing.T) {
	store := newTestFillStore(t)
	ctx := context.Background()

	first := testFill("0x01", 10)
	if err := store.Commit(ctx, ledgerA, first, big.NewInt(10)); err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	second := first.Clone()
	second.Received = big.NewInt(60)
	if err := store.Commit(ctx, ledgerA, second, big.NewInt(60)); err != nil {
		t.Fatalf("Commit error: %v", err)
	}

	if err := store.Revert(ctx, ledgerA, first.ID, first, token, big.NewInt(10)); err != nil {
		t.Fatalf("Revert error: %v", err)
	}
	got, err := store.GetFill(ctx, ledgerA, first.ID)
	if err != nil {
		t.Fatalf("GetFill error: %v", err)
	}
	if got.Received.Int64() != 10 {
		t.Fatalf("received = %s, want 10", got.Received)
	}

	if err := store.Revert(ctx, ledgerA, first.ID, nil, token, big.NewInt(0)); err != nil {
		t.Fatalf("Revert(nil) error: %v", err)
	}
	if _, err := store.GetFill(ctx, ledgerA, first.ID); !errors.Is(err, ErrFillNotFound) {
		t.Fatalf("expected ErrFillNotFound after revert to nil, got %v", err)
	}
	res, _ := store.Reservation(ctx, ledgerA, token)
	if res.Sign() != 0 {
		t.Fatalf("reservation = %s, want 0", res)
	}
}
