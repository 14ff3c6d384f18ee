// Package payments implements the payment ledger: idempotent registration of confirmed deposits, capture of the
// conversion rate, delivery of the converted amount and the CSV report of outstanding records.
package payments

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/ducatus/exchange/lib/rates"
	"github.com/ducatus/exchange/lib/store"
	"github.com/ducatus/exchange/lib/transfer"
)

// ErrTransfer marks a delivery failure that has already been persisted as a transfer ERROR state. Redelivering the
// deposit event cannot fix it; a later re-scan of ERROR records retries the delivery.
var ErrTransfer = errors.New("transfer of converted funds failed")

// Ledger owns the Payment records and their two state machines.
type Ledger struct {
	db       store.DB
	oracle   *rates.Oracle
	transfer *transfer.Engine
	decimals map[string]int32
}

// New returns a ledger converting with the oracle and delivering with the transfer engine.
func New(db store.DB, oracle *rates.Oracle, tr *transfer.Engine, decimals map[string]int32) *Ledger {
	return &Ledger{db: db, oracle: oracle, transfer: tr, decimals: decimals}
}

// Register records a confirmed deposit. The tx hash is the idempotency key: a hash seen before returns the existing
// record untouched and false. The conversion rate is captured here and never updated afterwards.
func (l *Ledger) Register(requestID int64, txHash, currency, amount, fromAddress string) (store.Payment, bool, error) {
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok || value.Sign() <= 0 {
		return store.Payment{}, false, fmt.Errorf("bad deposit amount %q for tx %s", amount, txHash)
	}

	sent, rate, err := l.oracle.Convert(currency, value)
	if err != nil {
		return store.Payment{}, false, err
	}

	p, err := l.db.RegisterPayment(store.Payment{
		RequestID:       requestID,
		TxHash:          txHash,
		Currency:        currency,
		OriginalAmount:  value.String(),
		Rate:            rate,
		SentAmount:      sent.String(),
		FromAddress:     fromAddress,
		CollectionState: store.StateNotCollected,
		TransferState:   store.StateNotCollected,
	})
	if errors.Is(err, store.ErrDuplicateDeposit) {
		return p, false, nil
	}
	if err != nil {
		return p, false, err
	}

	log.Printf("[%s] Registered payment %d: tx %s amount %s rate %s sends %s",
		currency, p.ID, txHash, p.OriginalAmount, p.Rate, p.SentAmount)

	return p, true, nil
}

// ProcessPayment registers the deposit and delivers the converted amount to the user's destination address. A
// duplicate tx hash is a no-op. A delivery failure persists the transfer ERROR state and returns ErrTransfer.
func (l *Ledger) ProcessPayment(requestID int64, txHash, currency, amount, fromAddress string) error {
	req, err := l.db.GetExchangeRequest(requestID)
	if err != nil {
		return fmt.Errorf("unknown exchange request %d for tx %s: %w", requestID, txHash, err)
	}

	p, registered, err := l.Register(req.ID, txHash, currency, amount, fromAddress)
	if err != nil {
		return err
	}
	if !registered {
		log.Printf("[%s] Skipping duplicate deposit %s", currency, txHash)
		return nil
	}

	if _, err = l.transfer.Deliver(p, req.User.Address); err != nil {
		if errState := l.db.SetTransferState(p.TxHash, store.StateError, ""); errState != nil {
			log.Printf("[%s] Could not persist transfer error for %s: %v", currency, p.TxHash, errState)
		}
		return fmt.Errorf("%w: %v", ErrTransfer, err)
	}

	return nil
}

// ConfirmTransfer settles the transfer whose delivery tx just confirmed.
func (l *Ledger) ConfirmTransfer(transferTxHash string) error {
	return l.transfer.Confirm(transferTxHash)
}

// RetryFailedTransfers re-runs delivery for payments stuck in transfer ERROR. Per-payment failures are logged and
// the batch continues.
func (l *Ledger) RetryFailedTransfers() {
	failed, err := l.db.PaymentsByTransferState(store.StateError, "")
	if err != nil {
		log.Printf("Could not list failed transfers: %v", err)
		return
	}

	for _, p := range failed {
		req, err := l.db.GetExchangeRequest(p.RequestID)
		if err != nil {
			log.Printf("[%s] No request %d for payment %d: %v", p.Currency, p.RequestID, p.ID, err)
			continue
		}
		if _, err = l.transfer.Deliver(p, req.User.Address); err != nil {
			log.Printf("[%s] Delivery retry failed for %s: %v", p.Currency, p.TxHash, err)
		}
	}
}

// WriteReport writes the outstanding (uncollected) payments of the currency as CSV rows of tx hash and original
// amount in whole coins.
func (l *Ledger) WriteReport(w io.Writer, currency string) error {
	pays, err := l.db.PaymentsByCollectionState(store.StateNotCollected, currency)
	if err != nil {
		return err
	}

	dec, ok := l.decimals[currency]
	if !ok {
		return fmt.Errorf("no decimals configured for %s", currency)
	}

	cw := csv.NewWriter(w)
	for _, p := range pays {
		amount, err := decimal.NewFromString(p.OriginalAmount)
		if err != nil {
			return fmt.Errorf("bad amount %q on payment %d: %w", p.OriginalAmount, p.ID, err)
		}
		if err = cw.Write([]string{p.TxHash, amount.Shift(-dec).String()}); err != nil {
			return err
		}
	}
	cw.Flush()

	return cw.Error()
}

// Outstanding sums the uncollected deposits of the currency in minimal units.
func (l *Ledger) Outstanding(currency string) (*big.Int, int, error) {
	pays, err := l.db.PaymentsByCollectionState(store.StateNotCollected, currency)
	if err != nil {
		return nil, 0, err
	}

	total := new(big.Int)
	for _, p := range pays {
		v, ok := new(big.Int).SetString(p.OriginalAmount, 10)
		if !ok {
			return nil, 0, fmt.Errorf("bad amount %q on payment %s", p.OriginalAmount, strconv.FormatInt(p.ID, 10))
		}
		total.Add(total, v)
	}

	return total, len(pays), nil
}
