package wallet

import (
	"errors"
	"strings"
	"testing"

	"github.com/ducatus/exchange/lib/config"
)

// root is a well-known BIP32 extended private key (test vector 1 master key).
const root = "xprv9s21ZrQH143K3QTDL4LXw2F7HEK3wJUD2nW2nRk4stbPy6cq3jPPqjiChkVvvNKmPGJxWUtg6LnF5kejMRNNU3TGtRBeJgk33yuGBxrMPHi"

func testChains() []config.ChainConfig {
	return []config.ChainConfig{
		{Name: "DUC", Family: config.FamilyUTXO, RootKey: root},
		{Name: "BTC", Family: config.FamilyUTXO, RootKey: root},
		{Name: "DUCX", Family: config.FamilyAccount, RootKey: root},
		{Name: "ETH", Family: config.FamilyAccount, RootKey: root},
	}
}

// TestDeterministic derives the same user twice and expects identical addresses and keys.
func TestDeterministic(t *testing.T) {
	w, err := New(testChains())
	if err != nil {
		t.Fatalf("Error creating wallet:%e", err)
	}

	for _, currency := range []string{"DUC", "BTC"} {
		a1, k1, err := w.UTXOKey(currency, 7)
		if err != nil {
			t.Fatalf("[%s] Error deriving:%e", currency, err)
		}
		a2, k2, _ := w.UTXOKey(currency, 7)
		if a1 != a2 || k1 != k2 {
			t.Errorf("[%s] derivation not deterministic: %s %s", currency, a1, a2)
		}
		a3, _, _ := w.UTXOKey(currency, 8)
		if a3 == a1 {
			t.Errorf("[%s] different users got the same address %s", currency, a1)
		}
		if a1 == "" || k1 == "" {
			t.Errorf("[%s] empty address or key", currency)
		}
	}

	for _, currency := range []string{"DUCX", "ETH"} {
		a1, k1, err := w.AccountKey(currency, 7)
		if err != nil {
			t.Fatalf("[%s] Error deriving:%e", currency, err)
		}
		a2, k2, _ := w.AccountKey(currency, 7)
		if a1 != a2 || k1.D.Cmp(k2.D) != 0 {
			t.Errorf("[%s] derivation not deterministic: %s %s", currency, a1, a2)
		}
		if !strings.HasPrefix(a1, "0x") || len(a1) != 42 {
			t.Errorf("[%s] unexpected account address %s", currency, a1)
		}
	}

	// DUC and BTC share the root but not the address version bytes
	duc, _, _ := w.UTXOKey("DUC", 7)
	btc, _, _ := w.UTXOKey("BTC", 7)
	if duc == btc {
		t.Errorf("DUC and BTC produced the same address %s", duc)
	}
}

// TestMissingRoot expects wallet construction to fail loudly when a chain has no root key.
func TestMissingRoot(t *testing.T) {
	_, err := New([]config.ChainConfig{{Name: "DUC", Family: config.FamilyUTXO}})
	if !errors.Is(err, ErrMissingRoot) {
		t.Errorf("expected ErrMissingRoot, got %v", err)
	}
}

// TestUnknownChain expects derivation for an unconfigured chain to fail.
func TestUnknownChain(t *testing.T) {
	w, err := New(testChains())
	if err != nil {
		t.Fatalf("Error creating wallet:%e", err)
	}
	if _, _, err = w.UTXOKey("XMR", 1); !errors.Is(err, ErrNoChain) {
		t.Errorf("expected ErrNoChain, got %v", err)
	}
}
