package store

import "time"

// Payment processing states. NOT_COLLECTED is the initial state of both the collection and the transfer path; DONE is
// terminal and never reverted.
const (
	StateNotCollected = "NOT_COLLECTED"
	StateWaitingConf  = "WAITING_FOR_CONFIRMATION"
	StateError        = "ERROR"
	StateDone         = "DONE"
)

// Charge states.
const (
	ChargeNew     = "NEW"
	ChargeSettled = "SETTLED"
)

// DucatusUser is the external identity a deposit is ultimately converted for: the destination address on the target
// platform. One user exists per (address, platform) pair.
type DucatusUser struct {
	ID         int64  `json:"id" bson:"id"`
	Address    string `json:"address" bson:"address"`
	Platform   string `json:"platform" bson:"platform"`
	RefAddress string `json:"refAddress,omitempty" bson:"refAddress,omitempty"`
	Email      string `json:"email,omitempty" bson:"email,omitempty"`
}

// ExchangeRequest owns one deposit address per supported chain for a user. It is created once per user and its
// addresses never change; the user id is the derivation index of every address.
type ExchangeRequest struct {
	ID        int64             `json:"id" bson:"id"`
	UserID    int64             `json:"userId" bson:"userId"`
	User      DucatusUser       `json:"user" bson:"user"`
	Addresses map[string]string `json:"addresses" bson:"addresses"` // currency -> deposit address
}

// Payment is the persisted record and state machine for one deposit. TxHash is the global idempotency key: at most
// one Payment exists per tx hash. Rate and SentAmount are immutable once set; payments are append-only audit records
// and are never deleted. Amounts are decimal integer strings in the currency's minimal unit.
type Payment struct {
	ID               int64     `json:"id" bson:"id"`
	RequestID        int64     `json:"requestId" bson:"requestId"`
	TxHash           string    `json:"txHash" bson:"txHash"`
	Currency         string    `json:"currency" bson:"currency"`
	OriginalAmount   string    `json:"originalAmount" bson:"originalAmount"`
	Rate             string    `json:"rate" bson:"rate"`
	SentAmount       string    `json:"sentAmount" bson:"sentAmount"`
	FromAddress      string    `json:"fromAddress,omitempty" bson:"fromAddress,omitempty"`
	CollectionState  string    `json:"collectionState" bson:"collectionState"`
	TransferState    string    `json:"transferState" bson:"transferState"`
	CollectionTxHash string    `json:"collectionTxHash,omitempty" bson:"collectionTxHash,omitempty"`
	TransferTxHash   string    `json:"transferTxHash,omitempty" bson:"transferTxHash,omitempty"`
	CreatedAt        time.Time `json:"createdAt" bson:"createdAt"`
}

// UsdRate is the cached conversion rate for one currency, refreshed out-of-band and read-only to the engines.
type UsdRate struct {
	Currency  string    `json:"currency" bson:"currency"`
	Rate      string    `json:"rate" bson:"rate"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

// Charge is an optional fiat-gateway charge, mapped 1:1 to a Payment once settled.
type Charge struct {
	ID        int64  `json:"id" bson:"id"`
	PaymentID int64  `json:"paymentId,omitempty" bson:"paymentId,omitempty"`
	Currency  string `json:"currency" bson:"currency"`
	Amount    string `json:"amount" bson:"amount"`
	Email     string `json:"email,omitempty" bson:"email,omitempty"`
	Status    string `json:"status" bson:"status"`
}
