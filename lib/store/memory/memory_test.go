package memory

import (
	"errors"
	"testing"

	"github.com/ducatus/exchange/lib/store"
)

// TestRegisterPaymentIdempotent registers the same tx hash twice and expects the first record back both times.
func TestRegisterPaymentIdempotent(t *testing.T) {
	m := New()

	p1, err := m.RegisterPayment(store.Payment{
		TxHash:          "0xabc",
		Currency:        "DUCX",
		OriginalAmount:  "1000000000000000000",
		CollectionState: store.StateNotCollected,
		TransferState:   store.StateNotCollected,
	})
	if err != nil {
		t.Fatalf("Error registering payment:%e", err)
	}

	p2, err := m.RegisterPayment(store.Payment{TxHash: "0xabc", Currency: "DUCX", OriginalAmount: "5"})
	if !errors.Is(err, store.ErrDuplicateDeposit) {
		t.Fatalf("expected ErrDuplicateDeposit, got %v", err)
	}
	if p2.ID != p1.ID || p2.OriginalAmount != p1.OriginalAmount {
		t.Errorf("duplicate registration did not return the original record: %+v vs %+v", p1, p2)
	}

	if _, err = m.GetPayment("0xmissing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestTerminalState moves a payment to DONE and expects any further move to be refused.
func TestTerminalState(t *testing.T) {
	m := New()

	_, err := m.RegisterPayment(store.Payment{
		TxHash:          "0xdef",
		Currency:        "DUC",
		CollectionState: store.StateNotCollected,
		TransferState:   store.StateNotCollected,
	})
	if err != nil {
		t.Fatalf("Error registering payment:%e", err)
	}

	if err = m.SetCollectionState("0xdef", store.StateWaitingConf, "0xcol"); err != nil {
		t.Fatalf("Error setting state:%e", err)
	}
	if err = m.SetCollectionState("0xdef", store.StateDone, ""); err != nil {
		t.Fatalf("Error setting state:%e", err)
	}
	if err = m.SetCollectionState("0xdef", store.StateError, ""); !errors.Is(err, store.ErrTerminalState) {
		t.Errorf("expected ErrTerminalState, got %v", err)
	}

	p, err := m.GetPayment("0xdef")
	if err != nil {
		t.Fatalf("Error reading payment:%e", err)
	}
	if p.CollectionState != store.StateDone || p.CollectionTxHash != "0xcol" {
		t.Errorf("unexpected payment after terminal move: %+v", p)
	}

	// transfer path is independent of the collection path
	if err = m.SetTransferState("0xdef", store.StateWaitingConf, "0xtr"); err != nil {
		t.Errorf("transfer state move failed: %v", err)
	}
}

// TestUserAndRequest exercises user creation and request address lookups.
func TestUserAndRequest(t *testing.T) {
	m := New()

	u1, created, err := m.GetOrCreateUser("0xdead", "DUCX")
	if err != nil || !created {
		t.Fatalf("expected creation, got created=%v err=%v", created, err)
	}
	u2, created, err := m.GetOrCreateUser("0xdead", "DUCX")
	if err != nil || created || u2.ID != u1.ID {
		t.Fatalf("expected existing user %d, got %+v created=%v err=%v", u1.ID, u2, created, err)
	}

	r, err := m.CreateExchangeRequest(store.ExchangeRequest{
		UserID:    u1.ID,
		Addresses: map[string]string{"DUC": "Lduc1", "ETH": "0xeth1"},
	})
	if err != nil {
		t.Fatalf("Error creating request:%e", err)
	}

	byUser, err := m.GetExchangeRequestByUser(u1.ID)
	if err != nil || byUser.ID != r.ID {
		t.Errorf("lookup by user failed: %+v %v", byUser, err)
	}

	ducs, err := m.ExchangeRequests("DUC")
	if err != nil || len(ducs) != 1 {
		t.Errorf("expected one DUC request, got %d %v", len(ducs), err)
	}
	btcs, err := m.ExchangeRequests("BTC")
	if err != nil || len(btcs) != 0 {
		t.Errorf("expected no BTC requests, got %d %v", len(btcs), err)
	}
}
