// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"encoding/json"
	"errors"
	"log"

	"github.com/streadway/amqp"

	"github.com/ducatus/exchange/lib/msg"
)

// Amqp implements a connection to a broker and a channel for reuse.
type Amqp struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// New instantiates a new amqp broker.
func New(uri string) (msg.MsgBroker, error) {
	r := Amqp{}
	var err error

	if r.conn, err = amqp.Dial(uri); err != nil {
		return &r, err
	}
	r.ch = nil
	log.Printf("Connected to %s", uri)

	return &r, err
}

// Setup declares the deposit queues given in x ([]string) so watchers and consumers can start in any order.
func (r *Amqp) Setup(x interface{}) error {
	queues, ok := x.([]string)
	if !ok {
		return nil
	}

	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	for _, q := range queues {
		if _, err = channel.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return err
		}
	}

	return nil
}

// Close terminates gracefully the connection to the AMQP message broker
func (r *Amqp) Close() error {
	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			log.Printf("Error closing amqp.Channel:%e", err)
		}
		r.ch = nil
		log.Printf("amqp.Channel closed!")
	}
	return r.conn.Close()
}

func (r *Amqp) channel() (*amqp.Channel, error) {
	var err error
	if r.ch == nil {
		r.ch, err = r.conn.Channel()
	}
	return r.ch, err
}

// Publish sends an event to the named queue via the default exchange.
func (r *Amqp) Publish(queue string, e msg.DepositEvent) error {
	jsonDoc, err := json.Marshal(e)
	if err != nil {
		return err
	}

	ch, err := r.channel()
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		Headers:     amqp.Table{"x-deposit-name": queue + "." + e.TransactionHash},
		Body:        jsonDoc,
		ContentType: "application/json",
	}
	if err = ch.Publish("", queue, false, false, pub); err != nil {
		log.Printf("[%s] Error sending deposit event to message broker %e", queue, err)
	}

	return err
}

// Consume delivers events from the named queue to h. A message is acknowledged when the handler returns nil or a
// terminal error; any other failure leaves the message on the queue for redelivery. A body that does not unmarshal
// is acknowledged too, as redelivery cannot fix it.
func (r *Amqp) Consume(queue string, h msg.Handler) error {
	ch, err := r.channel()
	if err != nil {
		return err
	}

	if _, err = ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return err
	}

	msgs, err := ch.Consume(queue, "exchange-"+queue, false, false, false, false, nil)
	if err != nil {
		return err
	}

	for m := range msgs {
		var e msg.DepositEvent
		if err := json.Unmarshal(m.Body, &e); err != nil {
			log.Printf("[%s] Discarding malformed event: %v", queue, err)
			_ = m.Ack(false)
			continue
		}

		err := h(e)
		switch {
		case err == nil:
			_ = m.Ack(false)
		case errors.Is(err, msg.ErrTerminal):
			log.Printf("[%s] Event %s failed terminally: %v", queue, e.TransactionHash, err)
			_ = m.Ack(false)
		default:
			log.Printf("[%s] Event %s failed, requeueing: %v", queue, e.TransactionHash, err)
			_ = m.Nack(false, true)
		}
	}

	return nil
}
