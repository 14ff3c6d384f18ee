package exchange

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

const timeout = 15

// Init sets up and starts the http server to service the RESTful API of the exchange service.
func (e *Exchange) Init(endpoint, port string) string {
	var err error

	// API definition
	r := mux.NewRouter()
	r.HandleFunc("/", e.homeHandler)
	r.HandleFunc("/networks", e.networksHandler).Methods("GET")             // get all available blockchains
	r.HandleFunc("/exchange", e.exchangeHandler).Methods("POST")            // create an exchange request
	r.HandleFunc("/validate", e.validateHandler).Methods("POST")            // validate an address on its chain
	r.HandleFunc("/balances", e.balancesHandler).Methods("GET")             // input/output balances
	r.HandleFunc("/withdraw/{currency}", e.withdrawHandler).Methods("POST") // trigger a collection pass
	r.HandleFunc("/report/{currency}", e.reportHandler).Methods("GET")      // CSV of outstanding payments
	r.HandleFunc("/charge", e.chargeHandler).Methods("POST")                // initiate a fiat charge
	http.Handle("/", r)

	// setup shutdown channel
	e.sc = make(chan struct{})

	// start http server
	if port != "" {
		e.s = &http.Server{
			Handler: r,
			Addr:    endpoint + ":" + port,
			// Good practice: enforce timeouts for servers you create!
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			err = e.s.ListenAndServe()
		}()

		log.Printf("Listening to API http requests on %s:%s", endpoint, port)
	}
	// wait for server to be shutdown
	<-e.sc

	return fmt.Sprintf("shutdown http server:%e", err)
}
