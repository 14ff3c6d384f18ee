package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/ducatus/exchange/lib/store"
	"github.com/ducatus/exchange/lib/util"
)

// validateRetries is the number of node attempts before an address validation request fails permanently.
const (
	validateRetries = 3
	validateDelay   = time.Second
)

// Errors returned to client requests.
var (
	ErrBadRequest = errors.New("bad request")
	ErrNoNet      = errors.New("network not available")
	ErrNoAddr     = errors.New("undefined address - missing in request")
)

// Response defines the data structure returned to the client making the http request.
type Response struct {
	Body  string `json:"body"`
	Error string `json:"error,omitempty"`
}

// homeHandler just replies a welcome message to the client.
func (e *Exchange) homeHandler(rw http.ResponseWriter, r *http.Request) {
	var res Response
	// log request
	log.Printf("httpreq from %v %s\n", r.RemoteAddr, r.RequestURI)
	// just reply a welcome message
	res.Body = "Hello, this is your Ducatus exchange!"
	// reply
	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	_ = json.NewEncoder(rw).Encode(res)
}

// networksHandler replies the networks available to the exchange.
func (e *Exchange) networksHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res Response

	pl := make([]string, 0, len(e.bc))

	defer func() {
		// reply to requester accordingly
		if err != nil {
			res.Error = fmt.Sprintf("%s", err)

			rw.WriteHeader(http.StatusBadRequest)
		} else {
			rw.WriteHeader(http.StatusOK)
			tmp, _ := json.Marshal(pl)
			res.Body = string(tmp)
		}
		// log request
		log.Printf("httpreq from %v %s res:%+v err:%e\n", r.RemoteAddr, r.RequestURI, pl, err)
		// reply
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		_ = json.NewEncoder(rw).Encode(&res)
	}()

	for net := range e.bc {
		pl = append(pl, net)
	}
}

// exchangeReq is the client request to open an exchange: the destination address and the platform currency the
// client wants to receive.
type exchangeReq struct {
	ToAddress  string `json:"to_address"`
	ToCurrency string `json:"to_currency"`
}

// exchangeHandler gets or creates the user for the destination address and replies its exchange request with one
// derived deposit address per connected chain. Repeated calls for the same destination return the same addresses.
func (e *Exchange) exchangeHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res Response

	var req store.ExchangeRequest

	defer func() {
		if err != nil {
			res.Error = fmt.Sprintf("%s", err)

			rw.WriteHeader(http.StatusBadRequest)
		} else {
			rw.WriteHeader(http.StatusOK)
			tmp, _ := json.Marshal(req)
			res.Body = string(tmp)
		}
		log.Printf("httpreq from %v %s res:%+v err:%e\n", r.RemoteAddr, r.RequestURI, req, err)
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		_ = json.NewEncoder(rw).Encode(&res)
	}()

	var body exchangeReq
	if err = json.NewDecoder(r.Body).Decode(&body); err != nil {
		err = fmt.Errorf("%w: %v", ErrBadRequest, err)
		return
	}
	if body.ToAddress == "" {
		err = ErrNoAddr
		return
	}

	u, created, errUser := e.db.GetOrCreateUser(body.ToAddress, body.ToCurrency)
	if errUser != nil {
		err = errUser
		return
	}

	if !created {
		// existing user keeps its derived addresses
		if req, err = e.db.GetExchangeRequestByUser(u.ID); err == nil {
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			return
		}
		err = nil
	}

	addresses := make(map[string]string, len(e.bc))
	for currency := range e.bc {
		addr, errAddr := e.hd.Address(currency, u.ID)
		if errAddr != nil {
			err = errAddr
			return
		}
		addresses[currency] = addr
	}

	req, err = e.db.CreateExchangeRequest(store.ExchangeRequest{UserID: u.ID, User: u, Addresses: addresses})
}

// validateReq is the client request to validate an address on its chain.
type validateReq struct {
	Address  string `json:"address"`
	Currency string `json:"currency"`
}

// validateHandler checks the address against the chain node, retrying a bounded number of times before failing the
// request permanently.
func (e *Exchange) validateHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res Response

	var valid bool

	defer func() {
		if err != nil {
			res.Error = fmt.Sprintf("%s", err)

			rw.WriteHeader(http.StatusBadRequest)
		} else {
			rw.WriteHeader(http.StatusOK)
			tmp, _ := json.Marshal(map[string]bool{"valid": valid})
			res.Body = string(tmp)
		}
		log.Printf("httpreq from %v %s valid:%v err:%e\n", r.RemoteAddr, r.RequestURI, valid, err)
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		_ = json.NewEncoder(rw).Encode(&res)
	}()

	var body validateReq
	if err = json.NewDecoder(r.Body).Decode(&body); err != nil {
		err = fmt.Errorf("%w: %v", ErrBadRequest, err)
		return
	}
	if body.Address == "" {
		err = ErrNoAddr
		return
	}

	c, ok := e.bc[body.Currency]
	if !ok {
		err = fmt.Errorf("%w: %s", ErrNoNet, body.Currency)
		return
	}

	for i := 0; i < validateRetries; i++ {
		if valid, err = c.ValidateAddress(body.Address); err == nil {
			return
		}
		time.Sleep(validateDelay)
	}
}

// chainBalance is the input/output balance pair of one chain: deposits not yet collected versus treasury funds.
type chainBalance struct {
	Currency string `json:"currency"`
	Input    string `json:"input"`
	Output   string `json:"output"`
}

// balancesHandler replies the uncollected deposit total and the treasury balance per chain. An optional
// ?currencies=DUC,DUCX query restricts the reply.
func (e *Exchange) balancesHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res Response

	var bals []chainBalance

	defer func() {
		if err != nil {
			res.Error = fmt.Sprintf("%s", err)

			rw.WriteHeader(http.StatusBadRequest)
		} else {
			rw.WriteHeader(http.StatusOK)
			tmp, _ := json.Marshal(bals)
			res.Body = string(tmp)
		}
		log.Printf("httpreq from %v %s res:%+v err:%e\n", r.RemoteAddr, r.RequestURI, bals, err)
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		_ = json.NewEncoder(rw).Encode(&res)
	}()

	var filter []string
	if q := r.URL.Query().Get("currencies"); q != "" {
		filter = strings.Split(q, ",")
	}

	for _, cc := range e.chains {
		if filter != nil && !util.In(filter, cc.Name) {
			continue
		}

		c, ok := e.bc[cc.Name]
		if !ok {
			continue
		}

		input, _, errIn := e.ledger.Outstanding(cc.Name)
		if errIn != nil {
			err = errIn
			return
		}

		output, errOut := c.Balance(cc.Treasury)
		if errOut != nil {
			err = errOut
			return
		}

		bals = append(bals, chainBalance{Currency: cc.Name, Input: input.String(), Output: output.String()})
	}
}

// withdrawHandler triggers a collection pass over the uncollected payments of the currency.
func (e *Exchange) withdrawHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res Response

	currency := mux.Vars(r)["currency"]

	defer func() {
		if err != nil {
			res.Error = fmt.Sprintf("%s", err)

			rw.WriteHeader(http.StatusBadRequest)
		} else {
			rw.WriteHeader(http.StatusOK)
			res.Body = "collection pass started for " + currency
		}
		log.Printf("httpreq from %v %s err:%e\n", r.RemoteAddr, r.RequestURI, err)
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		_ = json.NewEncoder(rw).Encode(&res)
	}()

	if _, ok := e.bc[currency]; !ok {
		err = fmt.Errorf("%w: %s", ErrNoNet, currency)
		return
	}

	err = e.collector.Collect(currency)
}

// reportHandler streams the CSV of outstanding payments of the currency.
func (e *Exchange) reportHandler(rw http.ResponseWriter, r *http.Request) {
	currency := mux.Vars(r)["currency"]

	log.Printf("httpreq from %v %s\n", r.RemoteAddr, r.RequestURI)

	if _, ok := e.bc[currency]; !ok {
		rw.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(rw).Encode(&Response{Error: fmt.Sprintf("%s: %s", ErrNoNet, currency)})
		return
	}

	rw.Header().Set("Content-Type", "text/csv")
	rw.Header().Set("Content-Disposition", `attachment; filename="payments_`+currency+`.csv"`)

	if err := e.ledger.WriteReport(rw, currency); err != nil {
		log.Printf("Error writing report for %s:%e\n", currency, err)
	}
}

// chargeHandler creates a fiat charge to be settled later against a registered payment.
func (e *Exchange) chargeHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res Response

	var charge store.Charge

	defer func() {
		if err != nil {
			res.Error = fmt.Sprintf("%s", err)

			rw.WriteHeader(http.StatusBadRequest)
		} else {
			rw.WriteHeader(http.StatusOK)
			tmp, _ := json.Marshal(charge)
			res.Body = string(tmp)
		}
		log.Printf("httpreq from %v %s res:%+v err:%e\n", r.RemoteAddr, r.RequestURI, charge, err)
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		_ = json.NewEncoder(rw).Encode(&res)
	}()

	if err = json.NewDecoder(r.Body).Decode(&charge); err != nil {
		err = fmt.Errorf("%w: %v", ErrBadRequest, err)
		return
	}
	if charge.Currency == "" || charge.Amount == "" {
		err = ErrBadRequest
		return
	}

	charge, err = e.db.CreateCharge(charge)
}
