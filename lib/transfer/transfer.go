// Package transfer delivers converted funds from the treasury to the user's destination address.
package transfer

import (
	"errors"
	"fmt"
	"log"
	"math/big"

	"github.com/ducatus/exchange/lib/block"
	"github.com/ducatus/exchange/lib/block/types"
	"github.com/ducatus/exchange/lib/store"
)

// ErrNoChain is returned when no chain client is loaded for the target currency.
var ErrNoChain = errors.New("no chain client for currency")

// Engine sends target-currency value out of the treasury node wallet and tracks the transfer state machine.
type Engine struct {
	db     store.DB
	bc     map[string]block.Chain
	target string
}

// New returns a transfer engine delivering in the target currency.
func New(db store.DB, bc map[string]block.Chain, target string) *Engine {
	return &Engine{db: db, bc: bc, target: target}
}

// Deliver sends the payment's converted amount to the user's destination address. On success the transfer state
// moves to WAITING_FOR_CONFIRMATION with the delivery tx hash. Failures are returned wrapped in ErrInterface and
// leave the state untouched for the caller to persist.
func (e *Engine) Deliver(p store.Payment, to string) (string, error) {
	c, ok := e.bc[e.target]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoChain, e.target)
	}

	amount, ok := new(big.Int).SetString(p.SentAmount, 10)
	if !ok || amount.Sign() <= 0 {
		return "", fmt.Errorf("%w: bad sent amount %q for tx %s", types.ErrValidation, p.SentAmount, p.TxHash)
	}

	hash, err := c.NodeTransfer(to, amount)
	if err != nil {
		return "", fmt.Errorf("could not deliver %s %s to %s: %w", p.SentAmount, e.target, to, err)
	}

	log.Printf("[%s] Delivered %s %s to %s in tx %s (payment %d)", p.Currency, p.SentAmount, e.target, to, hash, p.ID)

	if err = e.db.SetTransferState(p.TxHash, store.StateWaitingConf, hash); err != nil {
		// the value is on chain; confirmation will settle the record
		log.Printf("[%s] Could not persist transfer state for %s: %v", p.Currency, p.TxHash, err)
	}

	return hash, nil
}

// Confirm settles the transfer whose delivery tx hash just reached the required depth.
func (e *Engine) Confirm(transferTxHash string) error {
	p, err := e.db.GetPaymentByTransferTx(transferTxHash)
	if err != nil {
		return err
	}

	if p.TransferState == store.StateDone {
		return nil
	}

	if err = e.db.SetTransferState(p.TxHash, store.StateDone, transferTxHash); err != nil {
		return err
	}

	log.Printf("[%s] Transfer %s confirmed (payment %d)", p.Currency, transferTxHash, p.ID)

	return nil
}

// Pending returns the payments whose delivery is awaiting confirmation.
func (e *Engine) Pending() ([]store.Payment, error) {
	return e.db.PaymentsByTransferState(store.StateWaitingConf, "")
}

// Recheck polls the chain for pending deliveries and settles the confirmed ones. Per-payment failures are logged and
// the batch continues.
func (e *Engine) Recheck() {
	c, ok := e.bc[e.target]
	if !ok {
		return
	}

	pending, err := e.Pending()
	if err != nil {
		log.Printf("Could not list pending transfers: %v", err)
		return
	}

	for _, p := range pending {
		rcpt, err := c.Receipt(p.TransferTxHash)
		if err != nil {
			log.Printf("[%s] Could not check transfer %s: %v", p.Currency, p.TransferTxHash, err)
			continue
		}
		if !rcpt.Confirmed {
			continue
		}
		if err = e.Confirm(p.TransferTxHash); err != nil {
			log.Printf("[%s] Could not settle transfer %s: %v", p.Currency, p.TransferTxHash, err)
		}
	}
}
