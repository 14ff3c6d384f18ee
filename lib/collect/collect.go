// Package collect moves confirmed deposits out of their derived addresses: account-family deposits are gathered
// into the treasury, UTXO-family deposits can be returned to their sender.
package collect

import (
	"errors"
	"fmt"
	"log"
	"math/big"

	"github.com/ethereum/go-ethereum/params"

	"github.com/ducatus/exchange/lib/block"
	"github.com/ducatus/exchange/lib/block/types"
	"github.com/ducatus/exchange/lib/config"
	"github.com/ducatus/exchange/lib/store"
	"github.com/ducatus/exchange/lib/wallet"
)

// Collector sweeps deposits per payment, driving the collection state machine.
type Collector struct {
	db       store.DB
	bc       map[string]block.Chain
	hd       *wallet.Wallet
	treasury map[string]string
}

// New returns a collector for the configured chains.
func New(db store.DB, bc map[string]block.Chain, hd *wallet.Wallet, chains []config.ChainConfig) *Collector {
	treasury := make(map[string]string, len(chains))
	for _, ch := range chains {
		treasury[ch.Name] = ch.Treasury
	}

	return &Collector{db: db, bc: bc, hd: hd, treasury: treasury}
}

// Collect re-scans the uncollected and failed payments of an account-family currency and gathers each deposit into
// the treasury. Per-payment business failures persist the ERROR state and the batch continues; the pass is
// idempotent because collected payments leave the scanned states.
func (c *Collector) Collect(currency string) error {
	ch, ok := c.bc[currency]
	if !ok {
		return fmt.Errorf("%w: no chain client for %s", types.ErrValidation, currency)
	}

	ac, ok := ch.(block.AccountChain)
	if !ok {
		return fmt.Errorf("%w: %s is not an account chain", types.ErrValidation, currency)
	}

	var pays []store.Payment
	for _, state := range []string{store.StateNotCollected, store.StateError} {
		batch, err := c.db.PaymentsByCollectionState(state, currency)
		if err != nil {
			return err
		}
		pays = append(pays, batch...)
	}

	for _, p := range pays {
		hash, err := c.collectPayment(ac, p)
		if err != nil {
			log.Printf("[%s] Could not collect payment %d (tx %s): %v", currency, p.ID, p.TxHash, err)

			if errors.Is(err, types.ErrLowBalance) || errors.Is(err, types.ErrInterface) {
				if errState := c.db.SetCollectionState(p.TxHash, store.StateError, ""); errState != nil {
					log.Printf("[%s] Could not persist collection error for %s: %v", currency, p.TxHash, errState)
				}
			}

			continue
		}

		log.Printf("[%s] Collecting payment %d (tx %s) in %s", currency, p.ID, p.TxHash, hash)

		if err = c.db.SetCollectionState(p.TxHash, store.StateWaitingConf, hash); err != nil {
			log.Printf("[%s] Could not persist collection state for %s: %v", currency, p.TxHash, err)
		}
	}

	return nil
}

// collectPayment signs a sweep of the deposited amount minus gas from the derived address to the treasury.
func (c *Collector) collectPayment(ac block.AccountChain, p store.Payment) (string, error) {
	req, err := c.db.GetExchangeRequest(p.RequestID)
	if err != nil {
		return "", fmt.Errorf("no exchange request %d: %w", p.RequestID, err)
	}

	addr, key, err := c.hd.AccountKey(p.Currency, req.UserID)
	if err != nil {
		return "", err
	}

	amount, ok := new(big.Int).SetString(p.OriginalAmount, 10)
	if !ok {
		return "", fmt.Errorf("%w: bad amount %q", types.ErrValidation, p.OriginalAmount)
	}

	balance, err := ac.Balance(addr)
	if err != nil {
		return "", err
	}
	if balance.Cmp(amount) < 0 {
		return "", fmt.Errorf("%w: %s holds %s of %s", types.ErrLowBalance, addr, balance, amount)
	}

	gasPrice, err := ac.GasPrice()
	if err != nil {
		return "", err
	}

	fee := new(big.Int).Mul(gasPrice, big.NewInt(int64(params.TxGas)))
	value := new(big.Int).Sub(amount, fee)
	if value.Sign() <= 0 {
		return "", fmt.Errorf("%w: amount %s does not cover gas %s", types.ErrLowBalance, amount, fee)
	}

	return ac.SendValue(key, c.treasury[p.Currency], value, gasPrice)
}

// ReturnDeposit sends a UTXO-family deposit back to the address that funded it. The refund spends only the outputs
// of the funding transaction; the fee comes out of the refunded amount and any surplus input value returns to the
// deposit address as change. When the funding transaction was sent from the deposit address itself nothing is built
// (ErrLoop), as the refund would pay the deposit address forever.
func (c *Collector) ReturnDeposit(txHash string) (string, error) {
	p, err := c.db.GetPayment(txHash)
	if err != nil {
		return "", err
	}

	ch, ok := c.bc[p.Currency]
	if !ok {
		return "", fmt.Errorf("%w: no chain client for %s", types.ErrValidation, p.Currency)
	}
	uc, ok := ch.(block.UTXOChain)
	if !ok {
		return "", fmt.Errorf("%w: %s is not a UTXO chain", types.ErrValidation, p.Currency)
	}

	req, err := c.db.GetExchangeRequest(p.RequestID)
	if err != nil {
		return "", fmt.Errorf("no exchange request %d: %w", p.RequestID, err)
	}

	deposit, wif, err := c.hd.UTXOKey(p.Currency, req.UserID)
	if err != nil {
		return "", err
	}

	utxos, ok, err := uc.UnspentFromTx(deposit, txHash)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: could not read unspent outputs of %s", types.ErrInterface, txHash)
	}
	if len(utxos) == 0 {
		return "", fmt.Errorf("%w: %s left nothing spendable at %s", types.ErrNoUnspent, txHash, deposit)
	}

	ret, ok, err := uc.ReturnAddress(txHash)
	if err != nil {
		return "", err
	}
	if !ok || ret == "" {
		return "", fmt.Errorf("%w: no return address in %s", types.ErrInterface, txHash)
	}
	if ret == deposit {
		return "", fmt.Errorf("%w: %s funded itself", types.ErrLoop, deposit)
	}

	amount, okAmt := new(big.Int).SetString(p.OriginalAmount, 10)
	if !okAmt {
		return "", fmt.Errorf("%w: bad amount %q", types.ErrValidation, p.OriginalAmount)
	}

	fee, err := uc.FeePerTx()
	if err != nil {
		return "", err
	}

	send := new(big.Int).Sub(amount, fee)
	if send.Sign() <= 0 {
		return "", fmt.Errorf("%w: deposit %s does not cover the fee %s", types.ErrLowBalance, amount, fee)
	}

	outputs := map[string]*big.Int{ret: send}
	if change := new(big.Int).Sub(types.Sum(utxos), amount); change.Sign() > 0 {
		outputs[deposit] = change
	}

	hash, err := uc.SendRaw(utxos, outputs, wif)
	if err != nil {
		return "", err
	}

	log.Printf("[%s] Returning deposit %s to %s in %s", p.Currency, txHash, ret, hash)

	if err = c.db.SetCollectionState(p.TxHash, store.StateWaitingConf, hash); err != nil {
		log.Printf("[%s] Could not persist collection state for %s: %v", p.Currency, p.TxHash, err)
	}

	return hash, nil
}
