// Package store defines the interface for database implementations to the exchange services. Every mutation is a
// single-record atomic read-modify-write: concurrent workers touching different payments never interfere and no
// caller may assume exclusive access beyond one record update.
package store

import (
	"errors"
)

// DB defines required methods for the custody engine
type DB interface {
	// users and exchange requests
	GetOrCreateUser(address, platform string) (DucatusUser, bool, error)
	CreateExchangeRequest(r ExchangeRequest) (ExchangeRequest, error)
	GetExchangeRequest(id int64) (ExchangeRequest, error)
	GetExchangeRequestByUser(userID int64) (ExchangeRequest, error)
	// ExchangeRequests returns every request holding a deposit address for the currency.
	ExchangeRequests(currency string) ([]ExchangeRequest, error)

	// payment ledger
	RegisterPayment(p Payment) (Payment, error) // ErrDuplicateDeposit when the tx hash exists
	GetPayment(txHash string) (Payment, error)
	GetPaymentByTransferTx(txHash string) (Payment, error)
	PaymentsByCollectionState(state, currency string) ([]Payment, error)
	PaymentsByTransferState(state, currency string) ([]Payment, error)
	// SetCollectionState moves the collection state machine; a DONE record is terminal (ErrTerminalState).
	SetCollectionState(txHash, state, collectionTxHash string) error
	// SetTransferState moves the transfer state machine; a DONE record is terminal (ErrTerminalState).
	SetTransferState(txHash, state, transferTxHash string) error

	// rates
	GetRate(currency string) (UsdRate, error)
	SetRate(currency, rate string) error

	// charges
	CreateCharge(c Charge) (Charge, error)
	SettleCharge(id, paymentID int64) error
}

// Errors returned
var (
	ErrNotFound         = errors.New("record was not found in store")
	ErrDuplicateDeposit = errors.New("tx hash already registered")
	ErrTerminalState    = errors.New("payment state is terminal")
)
