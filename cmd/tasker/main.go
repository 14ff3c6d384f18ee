// Package main: tasker service.
//
// The tasker runs the recurring jobs of the exchange: delivery retries and confirmation checks, rate refreshes,
// sweep passes and daily reports. It shares its database with the exchange service.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ducatus/exchange/lib/block"
	"github.com/ducatus/exchange/lib/config"
	"github.com/ducatus/exchange/lib/payments"
	"github.com/ducatus/exchange/lib/rates"
	"github.com/ducatus/exchange/lib/store"
	"github.com/ducatus/exchange/lib/store/db"
	"github.com/ducatus/exchange/lib/transfer"
	"github.com/ducatus/exchange/lib/wallet"
	"github.com/ducatus/exchange/lib/withdraw"
	"github.com/ducatus/exchange/tasker"
)

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json file")
	reportDir := flag.String("r", "", "directory for daily CSV reports, empty disables them")
	monitor := flag.Bool("m", false, "flag to monitor the server with Prometheus at http://localhost:9101")
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
			http.ListenAndServe(":9101", h)
		}()
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
	sweeper := withdraw.New(dbConn, blocks, hdw, conf.Chains)

	t := tasker.New(conf.DBType, dbConn, blocks, ledger, tr, sweeper, oracle, conf.Chains, *reportDir)

	// capture CTRL+C or docker's SIGTERM for gracious exit
	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Println("Program killed !")
		// do last actions and wait for all write operations to end
		t.Stop()
		block.End(blocks)
	}()

	// run the schedule
	t.Run()
}
