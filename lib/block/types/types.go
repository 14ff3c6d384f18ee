// Package types common blockchain types.
package types

import (
	"errors"
	"math/big"
)

// Utxo is one unspent output of a UTXO chain, in the chain's minimal unit.
type Utxo struct {
	TxID  string `json:"txid"`
	Vout  uint32 `json:"vout"`
	Value int64  `json:"value"`
}

// Receipt carries the confirmation status of a broadcast transaction.
type Receipt struct {
	Hash      string `json:"hash"`
	Block     uint64 `json:"block"`
	Confirmed bool   `json:"confirmed"`
}

// Sum returns the total value of the unspent set.
func Sum(utxos []Utxo) *big.Int {
	total := new(big.Int)
	for _, u := range utxos {
		total.Add(total, big.NewInt(u.Value))
	}
	return total
}

// Error codes. These classify failures for the payment pipeline: the engines persist ErrLowBalance and ErrInterface
// as a terminal payment state, ErrValidation is surfaced to the caller without state mutation, and ErrNotConnected is
// fatal at construction time.
var (
	ErrNotConnected = errors.New("chain node not connected")
	ErrLowBalance   = errors.New("address balance below requested amount")
	ErrInterface    = errors.New("signing or broadcast call failed")
	ErrValidation   = errors.New("malformed address or input")
	ErrNoUnspent    = errors.New("no unspent outputs found for funding transaction")
	ErrLoop         = errors.New("return address equals deposit address")
	ErrNoTrx        = errors.New("transaction not found")
)
