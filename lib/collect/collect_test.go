package collect

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	"github.com/ducatus/exchange/lib/block"
	"github.com/ducatus/exchange/lib/block/types"
	"github.com/ducatus/exchange/lib/config"
	"github.com/ducatus/exchange/lib/store"
	"github.com/ducatus/exchange/lib/store/memory"
	"github.com/ducatus/exchange/lib/wallet"
)

const root = "xprv9s21ZrQH143K3QTDL4LXw2F7HEK3wJUD2nW2nRk4stbPy6cq3jPPqjiChkVvvNKmPGJxWUtg6LnF5kejMRNNU3TGtRBeJgk33yuGBxrMPHi"

func testChains() []config.ChainConfig {
	return []config.ChainConfig{
		{Name: "DUCX", Family: config.FamilyAccount, RootKey: root, Treasury: "0xtreasury"},
		{Name: "DUC", Family: config.FamilyUTXO, RootKey: root, Treasury: "Ltreasury"},
	}
}

// stubAccount is an account chain with a fixed balance per address.
type stubAccount struct {
	balances map[string]*big.Int
	gasPrice *big.Int
	sends    int
	lastTo   string
	lastVal  *big.Int
}

func (s *stubAccount) Name() string                          { return "DUCX" }
func (s *stubAccount) Family() string                        { return config.FamilyAccount }
func (s *stubAccount) Close()                                {}
func (s *stubAccount) Tip() (uint64, error)                  { return 1, nil }
func (s *stubAccount) Receipt(string) (types.Receipt, error) { return types.Receipt{}, nil }
func (s *stubAccount) ValidateAddress(string) (bool, error)  { return true, nil }
func (s *stubAccount) Nonce(string) (uint64, error)          { return 0, nil }
func (s *stubAccount) GasPrice() (*big.Int, error)           { return s.gasPrice, nil }
func (s *stubAccount) NodeTransfer(string, *big.Int) (string, error) {
	return "", types.ErrInterface
}

func (s *stubAccount) Balance(address string) (*big.Int, error) {
	if b, ok := s.balances[address]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (s *stubAccount) SendValue(_ *ecdsa.PrivateKey, to string, value, _ *big.Int) (string, error) {
	s.sends++
	s.lastTo = to
	s.lastVal = new(big.Int).Set(value)
	return "0xcollect1", nil
}

// stubUTXO is a UTXO chain with canned unspents and return address.
type stubUTXO struct {
	utxos   []types.Utxo
	ret     string
	fee     *big.Int
	sends   int
	lastOut map[string]*big.Int
}

func (s *stubUTXO) Name() string                          { return "DUC" }
func (s *stubUTXO) Family() string                        { return config.FamilyUTXO }
func (s *stubUTXO) Close()                                {}
func (s *stubUTXO) Tip() (uint64, error)                  { return 1, nil }
func (s *stubUTXO) Balance(string) (*big.Int, error)      { return big.NewInt(0), nil }
func (s *stubUTXO) Receipt(string) (types.Receipt, error) { return types.Receipt{}, nil }
func (s *stubUTXO) ValidateAddress(string) (bool, error)  { return true, nil }
func (s *stubUTXO) FeePerTx() (*big.Int, error)           { return s.fee, nil }
func (s *stubUTXO) NodeTransfer(string, *big.Int) (string, error) {
	return "", types.ErrInterface
}

func (s *stubUTXO) Unspent(string) ([]types.Utxo, bool, error) {
	return s.utxos, true, nil
}

func (s *stubUTXO) UnspentFromTx(_, _ string) ([]types.Utxo, bool, error) {
	return s.utxos, true, nil
}

func (s *stubUTXO) ReturnAddress(string) (string, bool, error) {
	return s.ret, true, nil
}

func (s *stubUTXO) SendRaw(_ []types.Utxo, outputs map[string]*big.Int, _ string) (string, error) {
	s.sends++
	s.lastOut = outputs
	return "duc-return-1", nil
}

func setup(t *testing.T, acc *stubAccount, utxo *stubUTXO) (*Collector, store.DB, store.ExchangeRequest) {
	t.Helper()

	db := memory.New()
	u, _, err := db.GetOrCreateUser("Ldest", "DUC")
	if err != nil {
		t.Fatalf("Error creating user:%e", err)
	}

	hd, err := wallet.New(testChains())
	if err != nil {
		t.Fatalf("Error creating wallet:%e", err)
	}

	ducx, _, err := hd.AccountKey("DUCX", u.ID)
	if err != nil {
		t.Fatalf("Error deriving:%e", err)
	}
	duc, _, err := hd.UTXOKey("DUC", u.ID)
	if err != nil {
		t.Fatalf("Error deriving:%e", err)
	}

	req, err := db.CreateExchangeRequest(store.ExchangeRequest{
		UserID:    u.ID,
		Addresses: map[string]string{"DUCX": ducx, "DUC": duc},
	})
	if err != nil {
		t.Fatalf("Error creating request:%e", err)
	}

	bc := map[string]block.Chain{"DUCX": acc, "DUC": utxo}

	return New(db, bc, hd, testChains()), db, req
}

// TestCollect gathers a funded deposit into the treasury at amount minus gas.
func TestCollect(t *testing.T) {
	acc := &stubAccount{balances: map[string]*big.Int{}, gasPrice: big.NewInt(1000000000)}
	c, db, req := setup(t, acc, &stubUTXO{})

	amount := big.NewInt(2000000000000000) // 0.002 DUCX
	acc.balances[req.Addresses["DUCX"]] = amount

	_, err := db.RegisterPayment(store.Payment{
		RequestID:       req.ID,
		TxHash:          "0xdep1",
		Currency:        "DUCX",
		OriginalAmount:  amount.String(),
		CollectionState: store.StateNotCollected,
		TransferState:   store.StateNotCollected,
	})
	if err != nil {
		t.Fatalf("Error registering payment:%e", err)
	}

	if err = c.Collect("DUCX"); err != nil {
		t.Fatalf("Error collecting:%e", err)
	}

	p, _ := db.GetPayment("0xdep1")
	if p.CollectionState != store.StateWaitingConf || p.CollectionTxHash != "0xcollect1" {
		t.Errorf("unexpected collection state: %s %s", p.CollectionState, p.CollectionTxHash)
	}
	if acc.lastTo != "0xtreasury" {
		t.Errorf("collected to %s", acc.lastTo)
	}

	// value = amount - 21000*gasPrice
	want := new(big.Int).Sub(amount, big.NewInt(21000000000000))
	if acc.lastVal.Cmp(want) != 0 {
		t.Errorf("expected value %s, got %s", want, acc.lastVal)
	}
}

// TestCollectLowBalance expects an unfunded deposit to end in ERROR without a collection tx.
func TestCollectLowBalance(t *testing.T) {
	acc := &stubAccount{balances: map[string]*big.Int{}, gasPrice: big.NewInt(1000000000)}
	c, db, req := setup(t, acc, &stubUTXO{})

	acc.balances[req.Addresses["DUCX"]] = big.NewInt(1000000000000000) // half the deposit

	_, err := db.RegisterPayment(store.Payment{
		RequestID:       req.ID,
		TxHash:          "0xdep2",
		Currency:        "DUCX",
		OriginalAmount:  "2000000000000000",
		CollectionState: store.StateNotCollected,
		TransferState:   store.StateNotCollected,
	})
	if err != nil {
		t.Fatalf("Error registering payment:%e", err)
	}

	if err = c.Collect("DUCX"); err != nil {
		t.Fatalf("Error collecting:%e", err)
	}

	p, _ := db.GetPayment("0xdep2")
	if p.CollectionState != store.StateError || p.CollectionTxHash != "" {
		t.Errorf("unexpected collection state: %s %q", p.CollectionState, p.CollectionTxHash)
	}
	if acc.sends != 0 {
		t.Errorf("built %d transactions on low balance", acc.sends)
	}
}

// TestReturnDeposit refunds a UTXO deposit with change back to the deposit address.
func TestReturnDeposit(t *testing.T) {
	utxo := &stubUTXO{
		utxos: []types.Utxo{{TxID: "fund1", Vout: 0, Value: 150000000}},
		ret:   "Lsender",
		fee:   big.NewInt(100000),
	}
	c, db, req := setup(t, &stubAccount{gasPrice: big.NewInt(1)}, utxo)

	_, err := db.RegisterPayment(store.Payment{
		RequestID:       req.ID,
		TxHash:          "fund1",
		Currency:        "DUC",
		OriginalAmount:  "100000000",
		CollectionState: store.StateNotCollected,
		TransferState:   store.StateNotCollected,
	})
	if err != nil {
		t.Fatalf("Error registering payment:%e", err)
	}

	hash, err := c.ReturnDeposit("fund1")
	if err != nil {
		t.Fatalf("Error returning deposit:%e", err)
	}
	if hash != "duc-return-1" || utxo.sends != 1 {
		t.Fatalf("unexpected broadcast: %s %d", hash, utxo.sends)
	}

	// amount - fee to the sender, surplus input back to the deposit address
	if got := utxo.lastOut["Lsender"]; got == nil || got.String() != "99900000" {
		t.Errorf("unexpected refund output %v", got)
	}
	if got := utxo.lastOut[req.Addresses["DUC"]]; got == nil || got.String() != "50000000" {
		t.Errorf("unexpected change output %v", got)
	}

	p, _ := db.GetPayment("fund1")
	if p.CollectionState != store.StateWaitingConf || p.CollectionTxHash != "duc-return-1" {
		t.Errorf("unexpected state: %s %s", p.CollectionState, p.CollectionTxHash)
	}
}

// TestReturnLoop expects no transaction when the deposit funded itself.
func TestReturnLoop(t *testing.T) {
	utxo := &stubUTXO{
		utxos: []types.Utxo{{TxID: "fund2", Vout: 0, Value: 100000000}},
		fee:   big.NewInt(100000),
	}
	c, db, req := setup(t, &stubAccount{gasPrice: big.NewInt(1)}, utxo)
	utxo.ret = req.Addresses["DUC"] // sender is the deposit address itself

	_, err := db.RegisterPayment(store.Payment{
		RequestID:       req.ID,
		TxHash:          "fund2",
		Currency:        "DUC",
		OriginalAmount:  "100000000",
		CollectionState: store.StateNotCollected,
		TransferState:   store.StateNotCollected,
	})
	if err != nil {
		t.Fatalf("Error registering payment:%e", err)
	}

	if _, err = c.ReturnDeposit("fund2"); !errors.Is(err, types.ErrLoop) {
		t.Fatalf("expected ErrLoop, got %v", err)
	}
	if utxo.sends != 0 {
		t.Errorf("built %d transactions on loop", utxo.sends)
	}

	p, _ := db.GetPayment("fund2")
	if p.CollectionState != store.StateNotCollected {
		t.Errorf("state moved on loop: %s", p.CollectionState)
	}
}
