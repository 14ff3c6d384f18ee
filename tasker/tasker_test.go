package tasker

import (
	"crypto/ecdsa"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ducatus/exchange/lib/block"
	"github.com/ducatus/exchange/lib/block/types"
	"github.com/ducatus/exchange/lib/config"
	"github.com/ducatus/exchange/lib/payments"
	"github.com/ducatus/exchange/lib/rates"
	"github.com/ducatus/exchange/lib/store"
	"github.com/ducatus/exchange/lib/store/memory"
	"github.com/ducatus/exchange/lib/transfer"
	"github.com/ducatus/exchange/lib/wallet"
	"github.com/ducatus/exchange/lib/withdraw"
)

const root = "xprv9s21ZrQH143K3QTDL4LXw2F7HEK3wJUD2nW2nRk4stbPy6cq3jPPqjiChkVvvNKmPGJxWUtg6LnF5kejMRNNU3TGtRBeJgk33yuGBxrMPHi"

var decimals = map[string]int32{"DUC": 8, "DUCX": 18}

// tickChain confirms every receipt lookup and counts sweeps.
type tickChain struct {
	confirmed bool
	sends     int
}

func (s *tickChain) Name() string                         { return "DUC" }
func (s *tickChain) Family() string                       { return config.FamilyAccount }
func (s *tickChain) Close()                               {}
func (s *tickChain) Tip() (uint64, error)                 { return 1, nil }
func (s *tickChain) Balance(string) (*big.Int, error)     { return big.NewInt(0), nil }
func (s *tickChain) ValidateAddress(string) (bool, error) { return true, nil }
func (s *tickChain) Nonce(string) (uint64, error)         { return 0, nil }
func (s *tickChain) GasPrice() (*big.Int, error)          { return big.NewInt(1000000000), nil }

func (s *tickChain) Receipt(string) (types.Receipt, error) {
	return types.Receipt{Hash: "x", Block: 10, Confirmed: s.confirmed}, nil
}

func (s *tickChain) NodeTransfer(string, *big.Int) (string, error) {
	s.sends++
	return "duc-tx-1", nil
}

func (s *tickChain) SendValue(*ecdsa.PrivateKey, string, *big.Int, *big.Int) (string, error) {
	return "0xsweep", nil
}

func newTasker(t *testing.T, dir string) (*Tasker, store.DB, *tickChain) {
	t.Helper()

	db := memory.New()
	if err := db.SetRate("DUCX", "20000"); err != nil {
		t.Fatalf("Error setting rate:%e", err)
	}

	chains := []config.ChainConfig{{Name: "DUC", Family: config.FamilyAccount, RootKey: root, Treasury: "0xt"}}
	hd, err := wallet.New(chains)
	if err != nil {
		t.Fatalf("Error creating wallet:%e", err)
	}

	chain := &tickChain{}
	bc := map[string]block.Chain{"DUC": chain}

	oracle := rates.New(db, decimals, "", "DUC")
	tr := transfer.New(db, bc, "DUC")
	ledger := payments.New(db, oracle, tr, decimals)
	sweeper := withdraw.New(db, bc, hd, chains)

	return New("memory", db, bc, ledger, tr, sweeper, oracle, chains, dir), db, chain
}

// TestMinutePass settles a pending delivery once the chain confirms it.
func TestMinutePass(t *testing.T) {
	tk, db, chain := newTasker(t, "")

	_, err := db.RegisterPayment(store.Payment{
		TxHash:          "0xp1",
		Currency:        "DUC",
		SentAmount:      "100",
		CollectionState: store.StateNotCollected,
		TransferState:   store.StateWaitingConf,
		TransferTxHash:  "duc-tx-1",
	})
	if err != nil {
		t.Fatalf("Error registering payment:%e", err)
	}

	// not confirmed yet: stays pending
	tk.MinutePass()
	p, _ := db.GetPayment("0xp1")
	if p.TransferState != store.StateWaitingConf {
		t.Errorf("settled before confirmation: %s", p.TransferState)
	}

	chain.confirmed = true
	tk.MinutePass()
	p, _ = db.GetPayment("0xp1")
	if p.TransferState != store.StateDone {
		t.Errorf("not settled after confirmation: %s", p.TransferState)
	}
}

// TestDayPass writes the per-chain CSV report to the report directory.
func TestDayPass(t *testing.T) {
	dir := t.TempDir()
	tk, db, _ := newTasker(t, dir)

	_, err := db.RegisterPayment(store.Payment{
		TxHash:          "0xd1",
		Currency:        "DUC",
		OriginalAmount:  "250000000",
		CollectionState: store.StateNotCollected,
		TransferState:   store.StateDone,
	})
	if err != nil {
		t.Fatalf("Error registering payment:%e", err)
	}

	tk.DayPass()

	files, err := filepath.Glob(filepath.Join(dir, "payments_DUC_*.csv"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one report, got %v %v", files, err)
	}

	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("Error reading report:%e", err)
	}
	if !strings.Contains(string(data), "0xd1,2.5") {
		t.Errorf("unexpected report content %q", data)
	}
}
