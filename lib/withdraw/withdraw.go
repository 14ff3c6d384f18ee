// Package withdraw sweeps the balances of all derived deposit addresses of a chain into its treasury address.
package withdraw

import (
	"fmt"
	"log"
	"math/big"

	"github.com/ethereum/go-ethereum/params"

	"github.com/ducatus/exchange/lib/block"
	"github.com/ducatus/exchange/lib/block/types"
	"github.com/ducatus/exchange/lib/config"
	"github.com/ducatus/exchange/lib/store"
	"github.com/ducatus/exchange/lib/wallet"
)

// Sweeper drains derived addresses per chain. Every address failure is logged and the batch continues; a sweep pass
// never aborts halfway.
type Sweeper struct {
	db       store.DB
	bc       map[string]block.Chain
	hd       *wallet.Wallet
	treasury map[string]string
}

// New returns a sweeper for the configured chains.
func New(db store.DB, bc map[string]block.Chain, hd *wallet.Wallet, chains []config.ChainConfig) *Sweeper {
	treasury := make(map[string]string, len(chains))
	for _, ch := range chains {
		treasury[ch.Name] = ch.Treasury
	}

	return &Sweeper{db: db, bc: bc, hd: hd, treasury: treasury}
}

// NormalizeGasPrice rounds the price to the nearest whole gwei and returns it together with the broadcast price,
// which sits one wei lower so swept transactions price just under the round-number crowd.
func NormalizeGasPrice(price *big.Int) (*big.Int, *big.Int) {
	gwei := big.NewInt(params.GWei)

	q, r := new(big.Int).QuoRem(price, gwei, new(big.Int))
	if new(big.Int).Lsh(r, 1).Cmp(gwei) >= 0 {
		q.Add(q, big.NewInt(1))
	}

	gas := q.Mul(q, gwei)

	lower := new(big.Int).Set(gas)
	if gas.Cmp(big.NewInt(2)) > 0 {
		lower.Sub(lower, big.NewInt(1))
	}

	return gas, lower
}

// Sweep drains every derived address of the currency into the treasury.
func (s *Sweeper) Sweep(currency string) error {
	ch, ok := s.bc[currency]
	if !ok {
		return fmt.Errorf("%w: no chain client for %s", types.ErrValidation, currency)
	}

	requests, err := s.db.ExchangeRequests(currency)
	if err != nil {
		return err
	}

	switch c := ch.(type) {
	case block.AccountChain:
		s.sweepAccount(c, currency, requests)
	case block.UTXOChain:
		s.sweepUTXO(c, currency, requests)
	default:
		return fmt.Errorf("%w: unknown chain family for %s", types.ErrValidation, currency)
	}

	return nil
}

// SweepAll runs a sweep pass over every loaded chain.
func (s *Sweeper) SweepAll() {
	for currency := range s.bc {
		if err := s.Sweep(currency); err != nil {
			log.Printf("[%s] Sweep pass failed: %v", currency, err)
		}
	}
}

func (s *Sweeper) sweepAccount(ac block.AccountChain, currency string, requests []store.ExchangeRequest) {
	rawPrice, err := ac.GasPrice()
	if err != nil {
		log.Printf("[%s] Could not read gas price: %v", currency, err)
		return
	}

	gasPrice, broadcastPrice := NormalizeGasPrice(rawPrice)
	fee := new(big.Int).Mul(gasPrice, big.NewInt(int64(params.TxGas)))

	for _, req := range requests {
		addr := req.Addresses[currency]

		_, key, err := s.hd.AccountKey(currency, req.UserID)
		if err != nil {
			log.Printf("[%s] Could not derive key for request %d: %v", currency, req.ID, err)
			continue
		}

		balance, err := ac.Balance(addr)
		if err != nil {
			log.Printf("[%s] Could not read balance of %s: %v", currency, addr, err)
			continue
		}
		if balance.Cmp(fee) < 0 {
			log.Printf("[%s] Address %s skipped: balance %s < tx fee of %s", currency, addr, balance, fee)
			continue
		}

		value := new(big.Int).Sub(balance, fee)

		hash, err := ac.SendValue(key, s.treasury[currency], value, broadcastPrice)
		if err != nil {
			log.Printf("[%s] Sweep failed for address %s and amount %s: %v", currency, addr, value, err)
			continue
		}

		log.Printf("[%s] Swept %s from %s to %s in %s", currency, value, addr, s.treasury[currency], hash)
	}
}

func (s *Sweeper) sweepUTXO(uc block.UTXOChain, currency string, requests []store.ExchangeRequest) {
	fee, err := uc.FeePerTx()
	if err != nil {
		log.Printf("[%s] Could not read relay fee: %v", currency, err)
		return
	}

	for _, req := range requests {
		addr := req.Addresses[currency]

		_, wif, err := s.hd.UTXOKey(currency, req.UserID)
		if err != nil {
			log.Printf("[%s] Could not derive key for request %d: %v", currency, req.ID, err)
			continue
		}

		utxos, ok, err := uc.Unspent(addr)
		if err != nil || !ok {
			log.Printf("[%s] Failed to fetch unspent outputs of %s: %v", currency, addr, err)
			continue
		}

		balance := types.Sum(utxos)
		if balance.Cmp(fee) <= 0 {
			log.Printf("[%s] Address %s skipped: balance %s <= tx fee of %s", currency, addr, balance, fee)
			continue
		}

		value := new(big.Int).Sub(balance, fee)

		hash, err := uc.SendRaw(utxos, map[string]*big.Int{s.treasury[currency]: value}, wif)
		if err != nil {
			log.Printf("[%s] Sweep failed for address %s and amount %s: %v", currency, addr, value, err)
			continue
		}

		log.Printf("[%s] Swept %s from %s to %s in %s", currency, value, addr, s.treasury[currency], hash)
	}
}
