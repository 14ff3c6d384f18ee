// Package main: exchange service.
//
// The exchange service consumes confirmed-deposit events from the message broker, keeps the payment ledger and
// serves the RESTful API. It shares its database with the tasker service, which runs the scheduled collection and
// sweep passes.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ducatus/exchange/exchange"
	"github.com/ducatus/exchange/lib/block"
	"github.com/ducatus/exchange/lib/collect"
	"github.com/ducatus/exchange/lib/config"
	"github.com/ducatus/exchange/lib/msg"
	"github.com/ducatus/exchange/lib/msg/amqp"
	"github.com/ducatus/exchange/lib/payments"
	"github.com/ducatus/exchange/lib/rates"
	"github.com/ducatus/exchange/lib/store"
	"github.com/ducatus/exchange/lib/store/db"
	"github.com/ducatus/exchange/lib/transfer"
	"github.com/ducatus/exchange/lib/wallet"
)

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json file")
	monitor := flag.Bool("m", false, "flag to monitor the server with Prometheus at http://localhost:9100")
	flag.Parse()

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		panic(err)
	}

	log.Printf("Configuration:%+v", conf)

	// connect to database
	var dbConn store.DB

	if dbConn, err = db.New(conf.DBType, conf.DBConn); err != nil {
		panic(err)
	}

	log.Printf("Connecting to database:%+v\n", conf.DBConn)

	// load all blockchains
	blocks, err := block.Init(conf.Chains)
	if err != nil {
		panic(err)
	}

	log.Print("Blockchain clients loaded")

	// load Prometheus monitor
	if *monitor {
		go func() {
			log.Println("Serving metrics API")

			h := http.NewServeMux()

			h.Handle("/metrics", promhttp.Handler())
			http.ListenAndServe(":9100", h)
		}()
	}

	// load message broker
	var mb msg.MsgBroker

	switch conf.MbType {
	case "amqp":
		if mb, err = amqp.New(conf.MbConn); err != nil {
			time.Sleep(10 * time.Second) // wait 10s for AMQP to be ready and try to reconnect

			if mb, err = amqp.New(conf.MbConn); err != nil {
				panic(err)
			}
		}

		queues := make([]string, 0, len(conf.Chains))
		for _, cc := range conf.Chains {
			if cc.Queue != "" {
				queues = append(queues, cc.Queue)
			}
		}

		if err = mb.Setup(queues); err != nil {
			panic(err)
		}
	default:
		log.Printf("Unknown message broker type: %s\n", conf.MbType)
	}

	// load HD wallet
	hdw, err := wallet.New(conf.Chains)
	if err != nil {
		panic(err)
	}

	// assemble the engines
	oracle := rates.New(dbConn, conf.Decimals, conf.RatesURL, conf.Target)
	tr := transfer.New(dbConn, blocks, conf.Target)
	ledger := payments.New(dbConn, oracle, tr, conf.Decimals)
	collector := collect.New(dbConn, blocks, hdw, conf.Chains)

	// create exchange service
	e := exchange.New(conf.DBType, dbConn, mb, blocks, hdw, ledger, collector, oracle, conf.Chains)

	// capture CTRL+C or docker's SIGTERM for gracious exit
	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Println("Program killed !")
		// do last actions and wait for all write operations to end
		e.Stop()
		block.End(blocks)
	}()

	// warm the rate cache before the first deposits arrive
	if err = oracle.Refresh(); err != nil {
		log.Printf("Initial rate refresh failed:%e", err)
	}

	// manage deposit events
	if err = e.ManageDeposits(); err != nil {
		log.Printf("Error setting up broker readers for deposits:%e", err)
	}

	// start RESTful API server
	log.Print(e.Init(conf.RestfulEndpoint, conf.Port))
}
