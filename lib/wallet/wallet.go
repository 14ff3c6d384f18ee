// Package wallet implements deterministic per-user key and address derivation from the configured per-chain root
// extended keys. The user's integer identifier is the non-hardened child index, so identical (root key, user id)
// always yields an identical address and signing key and no per-user secret material is ever persisted.
package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ducatus/exchange/lib/config"
)

// Errors returned
var (
	ErrMissingRoot = errors.New("root extended key not configured")
	ErrPublicRoot  = errors.New("root extended key is not private")
	ErrNoChain     = errors.New("no derivation root for chain")
)

// ducatusParams carries the DUC mainnet address version bytes. Only the address and WIF prefixes matter for
// derivation; the chain is otherwise bitcoin shaped.
var ducatusParams = &chaincfg.Params{
	Name:             "ducatus",
	PubKeyHashAddrID: 0x31,
	ScriptHashAddrID: 0x3f,
	PrivateKeyID:     0xb1,
	HDPrivateKeyID:   [4]byte{0x04, 0x88, 0xad, 0xe4}, // xprv
	HDPublicKeyID:    [4]byte{0x04, 0x88, 0xb2, 0x1e}, // xpub
}

// utxoParams selects the address parameters for each UTXO chain.
var utxoParams = map[string]*chaincfg.Params{
	"DUC": ducatusParams,
	"BTC": &chaincfg.MainNetParams,
}

// Wallet holds the parsed per-chain derivation roots. It is read-only after New.
type Wallet struct {
	roots    map[string]*hdkeychain.ExtendedKey
	families map[string]string
}

// New parses the root extended private key of every configured chain. A chain without a root key disables all
// derivation for that chain, so configuration errors fail loudly here instead of at first use.
func New(chains []config.ChainConfig) (*Wallet, error) {
	w := &Wallet{
		roots:    make(map[string]*hdkeychain.ExtendedKey),
		families: make(map[string]string),
	}

	for _, cc := range chains {
		if cc.RootKey == "" {
			return nil, fmt.Errorf("[%s] %w", cc.Name, ErrMissingRoot)
		}

		key, err := hdkeychain.NewKeyFromString(cc.RootKey)
		if err != nil {
			return nil, fmt.Errorf("[%s] invalid root extended key: %w", cc.Name, err)
		}
		if !key.IsPrivate() {
			return nil, fmt.Errorf("[%s] %w", cc.Name, ErrPublicRoot)
		}

		w.roots[cc.Name] = key
		w.families[cc.Name] = cc.Family
	}

	return w, nil
}

// child derives the non-hardened child key for the user id on the given chain.
func (w *Wallet) child(currency string, id int64) (*hdkeychain.ExtendedKey, error) {
	root, ok := w.roots[currency]
	if !ok {
		return nil, fmt.Errorf("[%s] %w", currency, ErrNoChain)
	}
	if id < 0 || id >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("[%s] user id %d out of derivation range", currency, id)
	}
	return root.Derive(uint32(id))
}

// AccountKey derives the signing key for an account chain and returns the hex address (hash of the public key) with
// the ECDSA private key usable by the chain's transaction builder.
func (w *Wallet) AccountKey(currency string, id int64) (string, *ecdsa.PrivateKey, error) {
	child, err := w.child(currency, id)
	if err != nil {
		return "", nil, err
	}

	priv, err := child.ECPrivKey()
	if err != nil {
		return "", nil, err
	}

	key := priv.ToECDSA()
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), key, nil
}

// UTXOKey derives the signing key for a UTXO chain and returns the P2PKH address with the key exported as WIF, the
// form the chain node's signing RPC consumes directly.
func (w *Wallet) UTXOKey(currency string, id int64) (string, string, error) {
	child, err := w.child(currency, id)
	if err != nil {
		return "", "", err
	}

	params, ok := utxoParams[currency]
	if !ok {
		params = &chaincfg.MainNetParams
	}

	addr, err := child.Address(params)
	if err != nil {
		return "", "", err
	}

	priv, err := child.ECPrivKey()
	if err != nil {
		return "", "", err
	}

	wif, err := btcutil.NewWIF(priv, params, true)
	if err != nil {
		return "", "", err
	}

	return addr.EncodeAddress(), wif.String(), nil
}

// Address derives only the deposit address for the chain, picking the representation by chain family.
func (w *Wallet) Address(currency string, id int64) (string, error) {
	if w.families[currency] == config.FamilyAccount {
		addr, _, err := w.AccountKey(currency, id)
		return addr, err
	}
	addr, _, err := w.UTXOKey(currency, id)
	return addr, err
}
