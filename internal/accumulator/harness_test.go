package accumulator

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"unit/intents/internal/codec"
	"unit/intents/internal/models"
	"unit/intents/internal/stores"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	usdc      = common.HexToAddress("0x00000000000000000000000000000000000a0001")
	weth      = common.HexToAddress("0x00000000000000000000000000000000000a0002")
	recipient = common.HexToAddress("0x00000000000000000000000000000000000b0001")
	treasury  = common.HexToAddress("0x00000000000000000000000000000000000b0002")
	relayer   = common.HexToAddress("0x00000000000000000000000000000000000b0003")
	dexAddr   = common.HexToAddress("0x00000000000000000000000000000000000c0001")
)

const testChainID = 8453

type harness struct {
	t      *testing.T
	ctx    context.Context
	chain  *Chain
	bank   *MemoryBank
	store  *stores.LocalFillStore
	acc    *Accumulator
	key    *ecdsa.PrivateKey
	owner  common.Address
	spoke  common.Address
	ledger common.Address
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := stores.NewLocalFillStore(filepath.Join(t.TempDir(), "fills.db"))
	if err != nil {
		t.Fatalf("NewLocalFillStore error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey error: %v", err)
	}

	bank := NewMemoryBank()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		chain:  NewChain(testChainID, bank),
		bank:   bank,
		store:  store,
		key:    key,
		owner:  common.HexToAddress("0x00000000000000000000000000000000000d0001"),
		spoke:  common.HexToAddress("0x00000000000000000000000000000000000d0002"),
		ledger: common.HexToAddress("0x00000000000000000000000000000000000d0003"),
		now:    time.Unix(1_800_000_000, 0),
	}
	acc, err := New(Config{
		Owner:    h.owner,
		Address:  h.ledger,
		Spoke:    h.spoke,
		Treasury: treasury,
		Chain:    h.chain,
		Store:    store,
		Verifier: AccountVerifier{Signer: crypto.PubkeyToAddress(key.PublicKey)},
		Clock:    func() time.Time { return h.now },
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	h.acc = acc
	h.chain.Router.Deploy(usdc, ERC20{})
	h.chain.Router.Deploy(weth, ERC20{})
	return h
}

func (h *harness) params(salt byte, sum int64) models.ExecutionParams {
	return models.ExecutionParams{
		Salt:             common.BytesToHash([]byte{salt}),
		FillDeadline:     uint32(h.now.Unix() + 3600),
		SumOutput:        big.NewInt(sum),
		OutputToken:      usdc,
		FinalMinOutput:   big.NewInt(sum),
		FinalOutputToken: usdc,
		Recipient:        recipient,
	}
}

func (h *harness) fillID(p models.ExecutionParams) common.Hash {
	h.t.Helper()
	id, err := codec.FillID(h.owner, p)
	if err != nil {
		h.t.Fatalf("FillID error: %v", err)
	}
	return id
}

func (h *harness) message(depositor common.Address, p models.ExecutionParams) []byte {
	h.t.Helper()
	msg, err := codec.EncodeMessage(depositor, p)
	if err != nil {
		h.t.Fatalf("EncodeMessage error: %v", err)
	}
	return msg
}

// deliver mints amount to the ledger the way the bridge releases funds, then calls back.
func (h *harness) deliver(p models.ExecutionParams, origin uint64, token common.Address, amount int64) (*Receipt, error) {
	h.t.Helper()
	var rcpt *Receipt
	err := h.chain.Do(h.ctx, func(ctx context.Context) error {
		h.bank.Mint(token, h.ledger, big.NewInt(amount))
		r, err := h.acc.Accumulate(ctx, Delivery{
			Caller:        h.spoke,
			OriginChainID: origin,
			Token:         token,
			Amount:        big.NewInt(amount),
			Message:       h.message(h.owner, p),
		})
		rcpt = r
		return err
	})
	return rcpt, err
}

func (h *harness) mustDeliver(p models.ExecutionParams, origin uint64, amount int64) *Receipt {
	h.t.Helper()
	rcpt, err := h.deliver(p, origin, p.OutputToken, amount)
	if err != nil {
		h.t.Fatalf("deliver error: %v", err)
	}
	return rcpt
}

func (h *harness) leaf(p models.ExecutionParams) common.Hash {
	h.t.Helper()
	sh, err := codec.ParamsStructHash(p)
	if err != nil {
		h.t.Fatalf("ParamsStructHash error: %v", err)
	}
	leaf, err := codec.LeafHash(sh, h.owner, testChainID)
	if err != nil {
		h.t.Fatalf("LeafHash error: %v", err)
	}
	return leaf
}

// authorize signs a batch holding p and the extra leaves, returning p's proof.
func (h *harness) authorize(p models.ExecutionParams, extra ...common.Hash) ([]common.Hash, []byte) {
	h.t.Helper()
	leaves := append([]common.Hash{h.leaf(p)}, extra...)
	tree, err := codec.BuildTree(leaves)
	if err != nil {
		h.t.Fatalf("BuildTree error: %v", err)
	}
	proof, err := tree.Proof(0)
	if err != nil {
		h.t.Fatalf("Proof error: %v", err)
	}
	digest := codec.RootDigest(tree.Root())
	sig, err := crypto.Sign(digest[:], h.key)
	if err != nil {
		h.t.Fatalf("Sign error: %v", err)
	}
	return proof, sig
}

func (h *harness) execute(p models.ExecutionParams) (*Settlement, error) {
	h.t.Helper()
	proof, sig := h.authorize(p)
	return h.acc.ExecuteIntent(h.ctx, relayer, p, proof, sig)
}

func (h *harness) fill(p models.ExecutionParams) *models.Fill {
	h.t.Helper()
	f, err := h.acc.Fill(h.ctx, h.fillID(p))
	if err != nil {
		h.t.Fatalf("Fill error: %v", err)
	}
	return f
}

func (h *harness) balance(token, holder common.Address) int64 {
	return h.bank.BalanceOf(token, holder).Int64()
}

func (h *harness) reservation(token common.Address) int64 {
	h.t.Helper()
	r, err := h.acc.Reservation(h.ctx, token)
	if err != nil {
		h.t.Fatalf("Reservation error: %v", err)
	}
	return r.Int64()
}

// checkReservations asserts reservation == Σ received over non-terminal fills, and that
// the ledger holds at least that much.
func (h *harness) checkReservations(tokens ...common.Address) {
	h.t.Helper()
	sums := map[common.Address]*big.Int{}
	err := h.store.ScanFills(h.ctx, h.ledger, func(f *models.Fill) error {
		if f.Status.Terminal() {
			return nil
		}
		if sums[f.OutputToken] == nil {
			sums[f.OutputToken] = new(big.Int)
		}
		sums[f.OutputToken].Add(sums[f.OutputToken], f.Received)
		return nil
	})
	if err != nil {
		h.t.Fatalf("ScanFills error: %v", err)
	}
	for _, tok := range tokens {
		want := sums[tok]
		if want == nil {
			want = new(big.Int)
		}
		got := h.reservation(tok)
		if got != want.Int64() {
			h.t.Fatalf("reservation[%s] = %d, want %s", tok.Hex(), got, want)
		}
		if got < 0 {
			h.t.Fatalf("reservation[%s] negative: %d", tok.Hex(), got)
		}
		if bal := h.balance(tok, h.ledger); bal < got {
			h.t.Fatalf("ledger balance %d below reservation %d", bal, got)
		}
	}
}
