package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"github.com/ducatus/exchange/lib/block"
	"github.com/ducatus/exchange/lib/block/types"
	"github.com/ducatus/exchange/lib/collect"
	"github.com/ducatus/exchange/lib/config"
	"github.com/ducatus/exchange/lib/msg"
	"github.com/ducatus/exchange/lib/payments"
	"github.com/ducatus/exchange/lib/rates"
	"github.com/ducatus/exchange/lib/store"
	"github.com/ducatus/exchange/lib/store/memory"
	"github.com/ducatus/exchange/lib/transfer"
	"github.com/ducatus/exchange/lib/wallet"
)

const root = "xprv9s21ZrQH143K3QTDL4LXw2F7HEK3wJUD2nW2nRk4stbPy6cq3jPPqjiChkVvvNKmPGJxWUtg6LnF5kejMRNNU3TGtRBeJgk33yuGBxrMPHi"

var decimals = map[string]int32{"DUC": 8, "DUCX": 18}

func testChains() []config.ChainConfig {
	return []config.ChainConfig{
		{Name: "DUC", Family: config.FamilyUTXO, RootKey: root, Treasury: "Ltreasury", Queue: "duc-events"},
		{Name: "DUCX", Family: config.FamilyAccount, RootKey: root, Treasury: "0xtreasury", Queue: "ducx-events"},
	}
}

// stubChain is a minimal chain client for handler tests.
type stubChain struct {
	name     string
	family   string
	balance  *big.Int
	valid    bool
	validErr error
	sends    int
}

func (s *stubChain) Name() string                          { return s.name }
func (s *stubChain) Family() string                        { return s.family }
func (s *stubChain) Close()                                {}
func (s *stubChain) Tip() (uint64, error)                  { return 1, nil }
func (s *stubChain) Receipt(string) (types.Receipt, error) { return types.Receipt{}, nil }

func (s *stubChain) Balance(string) (*big.Int, error) {
	if s.balance == nil {
		return big.NewInt(0), nil
	}
	return s.balance, nil
}

func (s *stubChain) ValidateAddress(string) (bool, error) {
	if s.validErr != nil {
		return false, s.validErr
	}
	return s.valid, nil
}

func (s *stubChain) NodeTransfer(string, *big.Int) (string, error) {
	s.sends++
	return fmt.Sprintf("duc-tx-%d", s.sends), nil
}

func newService(t *testing.T) (*Exchange, store.DB, *stubChain) {
	t.Helper()

	db := memory.New()
	if err := db.SetRate("DUCX", "20000"); err != nil {
		t.Fatalf("Error setting rate:%e", err)
	}

	hd, err := wallet.New(testChains())
	if err != nil {
		t.Fatalf("Error creating wallet:%e", err)
	}

	duc := &stubChain{name: "DUC", family: config.FamilyUTXO, valid: true}
	ducx := &stubChain{name: "DUCX", family: config.FamilyAccount, valid: true}
	bc := map[string]block.Chain{"DUC": duc, "DUCX": ducx}

	oracle := rates.New(db, decimals, "", "DUC")
	tr := transfer.New(db, bc, "DUC")
	ledger := payments.New(db, oracle, tr, decimals)
	collector := collect.New(db, bc, hd, testChains())

	e := New("memory", db, nil, bc, hd, ledger, collector, oracle, testChains())

	return e, db, duc
}

func openExchange(t *testing.T, e *Exchange) store.ExchangeRequest {
	t.Helper()

	rw := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/exchange", strings.NewReader(`{"to_address":"Ldest1","to_currency":"DUC"}`))
	e.exchangeHandler(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("exchange request failed: %d %s", rw.Code, rw.Body)
	}

	var res Response
	if err := json.NewDecoder(rw.Body).Decode(&res); err != nil {
		t.Fatalf("Error decoding response:%e", err)
	}

	var er store.ExchangeRequest
	if err := json.Unmarshal([]byte(res.Body), &er); err != nil {
		t.Fatalf("Error decoding request body:%e", err)
	}

	return er
}

// TestExchangeHandler opens an exchange and expects derived addresses, stable across repeated calls.
func TestExchangeHandler(t *testing.T) {
	e, _, _ := newService(t)

	er := openExchange(t, e)
	if er.Addresses["DUC"] == "" || er.Addresses["DUCX"] == "" {
		t.Fatalf("missing derived addresses: %+v", er.Addresses)
	}
	if !strings.HasPrefix(er.Addresses["DUCX"], "0x") {
		t.Errorf("unexpected account address %s", er.Addresses["DUCX"])
	}

	er2 := openExchange(t, e)
	if er2.ID != er.ID || er2.Addresses["DUC"] != er.Addresses["DUC"] {
		t.Errorf("repeated open did not return the same request: %+v vs %+v", er, er2)
	}
}

// TestDepositDispatch pushes deposit events through the handler and checks registration, duplicate acking and
// terminal failures.
func TestDepositDispatch(t *testing.T) {
	e, db, duc := newService(t)
	er := openExchange(t, e)

	ev := msg.DepositEvent{
		Type:            msg.KindPayment,
		Status:          msg.StatusCommitted,
		ExchangeID:      er.ID,
		TransactionHash: "0xdep1",
		Amount:          json.Number("2000000000000000000"),
		Currency:        "DUCX",
		FromAddress:     "0xsender",
	}

	if err := e.depositHandler(ev); err != nil {
		t.Fatalf("Error handling deposit:%e", err)
	}

	p, err := db.GetPayment("0xdep1")
	if err != nil {
		t.Fatalf("payment not registered: %v", err)
	}
	if p.SentAmount != "10000" || p.TransferState != store.StateWaitingConf {
		t.Errorf("unexpected payment: %+v", p)
	}
	if duc.sends != 1 {
		t.Errorf("expected one delivery, got %d", duc.sends)
	}

	// replay is acknowledged without a second delivery
	if err = e.depositHandler(ev); err != nil {
		t.Errorf("replay returned %v", err)
	}
	if duc.sends != 1 {
		t.Errorf("replay delivered again: %d", duc.sends)
	}

	// uncommitted events are ignored
	pending := ev
	pending.TransactionHash = "0xdep2"
	pending.Status = "PENDING"
	if err = e.depositHandler(pending); err != nil {
		t.Errorf("pending event returned %v", err)
	}
	if _, err = db.GetPayment("0xdep2"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("pending event was registered: %v", err)
	}

	// unknown exchange id cannot succeed on redelivery
	orphan := ev
	orphan.TransactionHash = "0xdep3"
	orphan.ExchangeID = 999
	if err = e.depositHandler(orphan); !errors.Is(err, msg.ErrTerminal) {
		t.Errorf("expected terminal error, got %v", err)
	}

	// unknown types are acknowledged no-ops
	odd := ev
	odd.Type = "lottery"
	if err = e.depositHandler(odd); err != nil {
		t.Errorf("unknown type returned %v", err)
	}
}

// TestTransferConfirmation settles a delivery through a transferred event.
func TestTransferConfirmation(t *testing.T) {
	e, db, _ := newService(t)
	er := openExchange(t, e)

	err := e.depositHandler(msg.DepositEvent{
		Type:            msg.KindPayment,
		Status:          msg.StatusCommitted,
		ExchangeID:      er.ID,
		TransactionHash: "0xdep1",
		Amount:          json.Number("1000000000000000000"),
		Currency:        "DUCX",
	})
	if err != nil {
		t.Fatalf("Error handling deposit:%e", err)
	}

	p, _ := db.GetPayment("0xdep1")

	err = e.depositHandler(msg.DepositEvent{
		Type:            msg.KindTransferred,
		Status:          msg.StatusCommitted,
		TransactionHash: p.TransferTxHash,
		Currency:        "DUC",
	})
	if err != nil {
		t.Fatalf("Error confirming transfer:%e", err)
	}

	p, _ = db.GetPayment("0xdep1")
	if p.TransferState != store.StateDone {
		t.Errorf("transfer not settled: %s", p.TransferState)
	}

	// confirmation for an unknown delivery is terminal
	err = e.depositHandler(msg.DepositEvent{
		Type:            msg.KindTransferred,
		Status:          msg.StatusCommitted,
		TransactionHash: "0xunknown",
	})
	if !errors.Is(err, msg.ErrTerminal) {
		t.Errorf("expected terminal error, got %v", err)
	}
}

// TestValidateHandler checks address validation replies and the bad-network error.
func TestValidateHandler(t *testing.T) {
	e, _, _ := newService(t)

	rw := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/validate", strings.NewReader(`{"address":"Lsome","currency":"DUC"}`))
	e.validateHandler(rw, req)
	if rw.Code != http.StatusOK || !strings.Contains(rw.Body.String(), `\"valid\":true`) {
		t.Errorf("unexpected validation reply: %d %s", rw.Code, rw.Body)
	}

	rw = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/validate", strings.NewReader(`{"address":"x","currency":"XMR"}`))
	e.validateHandler(rw, req)
	if rw.Code != http.StatusBadRequest {
		t.Errorf("expected bad request for unknown network, got %d", rw.Code)
	}
}

// TestReportHandler checks the CSV reply of outstanding payments.
func TestReportHandler(t *testing.T) {
	e, _, _ := newService(t)
	er := openExchange(t, e)

	err := e.depositHandler(msg.DepositEvent{
		Type:            msg.KindPayment,
		Status:          msg.StatusCommitted,
		ExchangeID:      er.ID,
		TransactionHash: "0xrep1",
		Amount:          json.Number("1500000000000000000"),
		Currency:        "DUCX",
	})
	if err != nil {
		t.Fatalf("Error handling deposit:%e", err)
	}

	r := mux.NewRouter()
	r.HandleFunc("/report/{currency}", e.reportHandler)

	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, httptest.NewRequest("GET", "/report/DUCX", nil))

	if rw.Code != http.StatusOK || rw.Body.String() != "0xrep1,1.5\n" {
		t.Errorf("unexpected report: %d %q", rw.Code, rw.Body.String())
	}
	if ct := rw.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("unexpected content type %s", ct)
	}
}

// TestBalancesHandler checks the input/output balance reply.
func TestBalancesHandler(t *testing.T) {
	e, _, duc := newService(t)
	er := openExchange(t, e)
	duc.balance = big.NewInt(500)

	err := e.depositHandler(msg.DepositEvent{
		Type:            msg.KindPayment,
		Status:          msg.StatusCommitted,
		ExchangeID:      er.ID,
		TransactionHash: "0xbal1",
		Amount:          json.Number("1000000000000000000"),
		Currency:        "DUCX",
	})
	if err != nil {
		t.Fatalf("Error handling deposit:%e", err)
	}

	rw := httptest.NewRecorder()
	e.balancesHandler(rw, httptest.NewRequest("GET", "/balances?currencies=DUC", nil))

	if rw.Code != http.StatusOK {
		t.Fatalf("balances failed: %d %s", rw.Code, rw.Body)
	}

	var res Response
	if err := json.NewDecoder(rw.Body).Decode(&res); err != nil {
		t.Fatalf("Error decoding response:%e", err)
	}

	var bals []chainBalance
	if err := json.Unmarshal([]byte(res.Body), &bals); err != nil {
		t.Fatalf("Error decoding balances:%e", err)
	}
	if len(bals) != 1 || bals[0].Currency != "DUC" || bals[0].Output != "500" {
		t.Errorf("unexpected balances %+v", bals)
	}
}

// TestChargeHandler creates a fiat charge.
func TestChargeHandler(t *testing.T) {
	e, db, _ := newService(t)

	rw := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/charge", strings.NewReader(`{"currency":"DUC","amount":"100000000","email":"a@b.c"}`))
	e.chargeHandler(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("charge failed: %d %s", rw.Code, rw.Body)
	}

	var res Response
	if err := json.NewDecoder(rw.Body).Decode(&res); err != nil {
		t.Fatalf("Error decoding response:%e", err)
	}

	var c store.Charge
	if err := json.Unmarshal([]byte(res.Body), &c); err != nil {
		t.Fatalf("Error decoding charge:%e", err)
	}
	if c.ID == 0 || c.Status != store.ChargeNew {
		t.Errorf("unexpected charge %+v", c)
	}

	if err := db.SettleCharge(c.ID, 1); err != nil {
		t.Errorf("Error settling charge: %v", err)
	}
}
