// Package exchange implements the custody service.
//
// The service consumes confirmed-deposit events from the message broker queues of every connected blockchain,
// drives the payment ledger and exposes a RESTful API for exchange requests and operations.
package exchange

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ducatus/exchange/lib/block"
	"github.com/ducatus/exchange/lib/collect"
	"github.com/ducatus/exchange/lib/config"
	"github.com/ducatus/exchange/lib/msg"
	"github.com/ducatus/exchange/lib/payments"
	"github.com/ducatus/exchange/lib/rates"
	"github.com/ducatus/exchange/lib/store"
	"github.com/ducatus/exchange/lib/store/db"
	"github.com/ducatus/exchange/lib/wallet"
)

// depositEvents counts consumed deposit events by currency and outcome, served on the /metrics endpoint.
var depositEvents = promauto.NewCounterVec(prometheus.CounterOpts{ //nolint:gochecknoglobals // prometheus collector
	Name: "exchange_deposit_events_total",
	Help: "Deposit events consumed from the broker, by currency and result.",
}, []string{"currency", "result"})

// Exchange contains the data necessary to deliver the service
type Exchange struct {
	dbtype    string
	db        store.DB               // db connection
	bc        map[string]block.Chain // blockchain clients
	hd        *wallet.Wallet         // HD wallet
	mb        msg.MsgBroker
	ledger    *payments.Ledger
	collector *collect.Collector
	oracle    *rates.Oracle
	chains    []config.ChainConfig
	s         *http.Server  // http server
	sc        chan struct{} // http server channel used for graceful shutdowns
}

// New returns a pointer to a new Exchange service
func New(dbtype string, dbConn store.DB, mb msg.MsgBroker, bc map[string]block.Chain, hdw *wallet.Wallet,
	ledger *payments.Ledger, collector *collect.Collector, oracle *rates.Oracle, chains []config.ChainConfig,
) *Exchange {
	return &Exchange{
		dbtype:    dbtype,
		db:        dbConn,
		mb:        mb,
		bc:        bc,
		hd:        hdw,
		ledger:    ledger,
		collector: collector,
		oracle:    oracle,
		chains:    chains,
	}
}

// Stop shuts down the http server implementing the RESTful API and closes gracefully the connections to the message
// broker and database.
func (e *Exchange) Stop() {
	var err error

	if e.s != nil {
		if err = e.s.Shutdown(context.Background()); err != nil {
			log.Printf("Error in http server shutdown:%e", err)
		}
	}
	close(e.sc)

	if e.mb != nil {
		if err = e.mb.Close(); err != nil {
			log.Printf("Error closing message broker:%e", err)
		}
	}

	if e.db != nil {
		err = db.Close(e.dbtype, e.db)
		log.Printf("Disconnecting %v database, err:%e\n", e.dbtype, err)
	}
}

// ManageDeposits starts one blocking consumer per configured chain queue. Each consumer dispatches deposit events to
// the ledger; acknowledgement is decided by the broker from the handler's error.
func (e *Exchange) ManageDeposits() error {
	for _, cc := range e.chains {
		if cc.Queue == "" {
			log.Printf("[%s] No deposit queue configured, chain not ingested", cc.Name)
			continue
		}

		go func(queue, name string) {
			log.Printf("[%s] Start consuming deposit events from %s", name, queue)
			if err := e.mb.Consume(queue, e.depositHandler); err != nil {
				log.Printf("[%s] Deposit consumer stopped: %v", name, err)
			}
		}(cc.Queue, cc.Name)
	}

	return nil
}

// depositHandler dispatches one deposit event. Unknown event types and uncommitted statuses are acknowledged
// no-ops; entity lookups that cannot succeed on redelivery return terminal errors.
func (e *Exchange) depositHandler(ev msg.DepositEvent) error {
	if ev.Status != msg.StatusCommitted {
		log.Printf("[%s] Ignoring event %s with status %s", ev.Currency, ev.TransactionHash, ev.Status)
		depositEvents.WithLabelValues(ev.Currency, "ignored").Inc()
		return nil
	}

	switch ev.Type {
	case msg.KindPayment:
		err := e.ledger.ProcessPayment(ev.ExchangeID, ev.TransactionHash, ev.Currency, ev.Amount.String(), ev.FromAddress)
		switch {
		case err == nil:
			depositEvents.WithLabelValues(ev.Currency, "payment").Inc()
			return nil
		case errors.Is(err, store.ErrNotFound), errors.Is(err, payments.ErrTransfer):
			depositEvents.WithLabelValues(ev.Currency, "failed").Inc()
			return msg.Terminal(err)
		default:
			depositEvents.WithLabelValues(ev.Currency, "requeued").Inc()
			return err
		}
	case msg.KindTransferred:
		err := e.ledger.ConfirmTransfer(ev.TransactionHash)
		if errors.Is(err, store.ErrNotFound) {
			depositEvents.WithLabelValues(ev.Currency, "failed").Inc()
			return msg.Terminal(err)
		}
		if err == nil {
			depositEvents.WithLabelValues(ev.Currency, "transferred").Inc()
		}
		return err
	default:
		log.Printf("[%s] Ignoring event %s of unknown type %q", ev.Currency, ev.TransactionHash, ev.Type)
		depositEvents.WithLabelValues(ev.Currency, "ignored").Inc()
		return nil
	}
}
