// Package msg defines the interface for different message brokers.
package msg

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kinds of deposit event published by the chain watchers.
const (
	KindPayment     = "payment"
	KindTransferred = "transferred"
)

// StatusCommitted marks an event whose transaction reached the required confirmation depth. Watchers may publish
// earlier sightings with other statuses; those are acknowledged and ignored.
const StatusCommitted = "COMMITTED"

// DepositEvent is the message a chain watcher publishes when a transaction involving a tracked address confirms.
type DepositEvent struct {
	Type            string      `json:"type"`
	Status          string      `json:"status"`
	ExchangeID      int64       `json:"exchangeId"`
	TransactionHash string      `json:"transactionHash"`
	Amount          json.Number `json:"amount"`
	Currency        string      `json:"currency"`
	FromAddress     string      `json:"fromAddress,omitempty"`
}

// Handler processes one consumed event. A nil return or a terminal error acknowledges the message; any other error
// leaves it on the queue for redelivery.
type Handler func(e DepositEvent) error

// ErrTerminal marks handler failures that redelivery cannot fix, so the broker acknowledges the message instead of
// requeueing it.
var ErrTerminal = errors.New("terminal event failure")

// Terminal wraps err so that errors.Is(err, ErrTerminal) holds while the cause stays unwrappable.
func Terminal(err error) error {
	return fmt.Errorf("%w: %v", ErrTerminal, err)
}

type MsgBroker interface {
	Setup(interface{}) error
	Close() error

	// Consume delivers events from the named queue to h until the broker closes.
	Consume(queue string, h Handler) error
	// Publish sends an event to the named queue.
	Publish(queue string, e DepositEvent) error
}
