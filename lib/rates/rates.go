// Package rates converts deposited amounts into the target currency using cached conversion rates.
//
// A rate for currency C is the amount of C needed to buy one unit of the target currency, so converting divides by
// the rate. Rates refresh only when Refresh is called; the engines read the cache and never trigger network calls.
package rates

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ducatus/exchange/lib/store"
)

// divScale is the decimal precision used for rate division before flooring to minimal units.
const divScale = 32

// Errors returned
var (
	ErrNoRate    = errors.New("no rate cached for currency")
	ErrBadRate   = errors.New("rate is not a positive decimal")
	ErrNoTarget  = errors.New("price feed is missing the target currency")
	ErrNoDecimal = errors.New("no decimals configured for currency")
)

// Oracle caches conversion rates in the store and converts amounts between currency minimal units.
type Oracle struct {
	db       store.DB
	decimals map[string]int32
	url      string
	target   string
	hc       *http.Client
}

// New returns a rate oracle for the given target currency. url may be empty when only cached rates are used.
func New(db store.DB, decimals map[string]int32, url, target string) *Oracle {
	return &Oracle{
		db:       db,
		decimals: decimals,
		url:      url,
		target:   target,
		hc:       &http.Client{Timeout: 15 * time.Second}, //nolint:gomnd // bounded request time
	}
}

// Target returns the currency deposits are converted into.
func (o *Oracle) Target() string {
	return o.target
}

// Rate returns the cached conversion rate for the currency.
func (o *Oracle) Rate(currency string) (decimal.Decimal, error) {
	r, err := o.db.GetRate(currency)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrNoRate, currency)
	}

	rate, err := decimal.NewFromString(r.Rate)
	if err != nil || !rate.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s=%q", ErrBadRate, currency, r.Rate)
	}

	return rate, nil
}

// Convert turns amount minimal units of the given currency into minimal units of the target currency. The result is
// floored, never rounded up. The applied rate is returned so callers can persist it with the conversion.
func (o *Oracle) Convert(currency string, amount *big.Int) (*big.Int, string, error) {
	rate, err := o.Rate(currency)
	if err != nil {
		return nil, "", err
	}

	decFrom, ok := o.decimals[currency]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrNoDecimal, currency)
	}
	decTarget, ok := o.decimals[o.target]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrNoDecimal, o.target)
	}

	sent := decimal.NewFromBigInt(amount, 0).
		Shift(decTarget - decFrom).
		DivRound(rate, divScale).
		Floor()

	return sent.BigInt(), rate.String(), nil
}

// Refresh fetches USD prices from the configured endpoint and recomputes the per-currency rates against the target.
// The feed is a JSON object of currency to USD price. Currencies missing from the feed keep their cached rate.
func (o *Oracle) Refresh() error {
	if o.url == "" {
		return nil
	}

	resp, err := o.hc.Get(o.url)
	if err != nil {
		return fmt.Errorf("could not fetch rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rates endpoint returned %s", resp.Status)
	}

	var prices map[string]json.Number
	if err = json.NewDecoder(resp.Body).Decode(&prices); err != nil {
		return fmt.Errorf("could not decode rates: %w", err)
	}

	targetPrice, err := price(prices, o.target)
	if err != nil {
		return ErrNoTarget
	}

	for currency := range o.decimals {
		if currency == o.target {
			continue
		}

		p, err := price(prices, currency)
		if err != nil {
			continue
		}

		rate := targetPrice.DivRound(p, divScale)
		if err = o.db.SetRate(currency, rate.String()); err != nil {
			return fmt.Errorf("could not cache rate for %s: %w", currency, err)
		}
	}

	return nil
}

func price(prices map[string]json.Number, currency string) (decimal.Decimal, error) {
	n, ok := prices[currency]
	if !ok {
		return decimal.Decimal{}, ErrNoRate
	}

	p, err := decimal.NewFromString(n.String())
	if err != nil || !p.IsPositive() {
		return decimal.Decimal{}, ErrBadRate
	}

	return p, nil
}
