// Package memory implements the store interface in process memory. It backs unit tests and local development where
// no database is available; the mutex gives it the same single-record atomicity the real backends provide.
package memory

import (
	"sync"
	"time"

	"github.com/ducatus/exchange/lib/store"
)

// Memory implements an in-process store.
type Memory struct {
	mu       sync.Mutex
	users    map[int64]store.DucatusUser
	requests map[int64]store.ExchangeRequest
	payments map[string]store.Payment // by tx hash
	rates    map[string]store.UsdRate
	charges  map[int64]store.Charge
	seq      int64
}

// New returns an empty in-process store.
func New() *Memory {
	return &Memory{
		users:    make(map[int64]store.DucatusUser),
		requests: make(map[int64]store.ExchangeRequest),
		payments: make(map[string]store.Payment),
		rates:    make(map[string]store.UsdRate),
		charges:  make(map[int64]store.Charge),
	}
}

// CloseMemory releases nothing; it exists so the db layer can close every backend the same way.
func (m *Memory) CloseMemory() error {
	return nil
}

func (m *Memory) next() int64 {
	m.seq++
	return m.seq
}

// GetOrCreateUser returns the user for (address, platform), creating it on first sight. The boolean reports creation.
func (m *Memory) GetOrCreateUser(address, platform string) (store.DucatusUser, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Address == address && u.Platform == platform {
			return u, false, nil
		}
	}

	u := store.DucatusUser{ID: m.next(), Address: address, Platform: platform}
	m.users[u.ID] = u
	return u, true, nil
}

func (m *Memory) CreateExchangeRequest(r store.ExchangeRequest) (store.ExchangeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.ID = m.next()
	if u, ok := m.users[r.UserID]; ok {
		r.User = u
	}
	m.requests[r.ID] = r
	return r, nil
}

func (m *Memory) GetExchangeRequest(id int64) (store.ExchangeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return store.ExchangeRequest{}, store.ErrNotFound
	}
	return r, nil
}

func (m *Memory) GetExchangeRequestByUser(userID int64) (store.ExchangeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.requests {
		if r.UserID == userID {
			return r, nil
		}
	}
	return store.ExchangeRequest{}, store.ErrNotFound
}

func (m *Memory) ExchangeRequests(currency string) ([]store.ExchangeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.ExchangeRequest
	for _, r := range m.requests {
		if r.Addresses[currency] != "" {
			out = append(out, r)
		}
	}
	return out, nil
}

// RegisterPayment inserts the payment unless its tx hash is already registered.
func (m *Memory) RegisterPayment(p store.Payment) (store.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.payments[p.TxHash]; ok {
		return existing, store.ErrDuplicateDeposit
	}

	p.ID = m.next()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.payments[p.TxHash] = p
	return p, nil
}

func (m *Memory) GetPayment(txHash string) (store.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[txHash]
	if !ok {
		return store.Payment{}, store.ErrNotFound
	}
	return p, nil
}

func (m *Memory) GetPaymentByTransferTx(txHash string) (store.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.payments {
		if p.TransferTxHash == txHash {
			return p, nil
		}
	}
	return store.Payment{}, store.ErrNotFound
}

func (m *Memory) PaymentsByCollectionState(state, currency string) ([]store.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.Payment
	for _, p := range m.payments {
		if p.CollectionState == state && (currency == "" || p.Currency == currency) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) PaymentsByTransferState(state, currency string) ([]store.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.Payment
	for _, p := range m.payments {
		if p.TransferState == state && (currency == "" || p.Currency == currency) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) SetCollectionState(txHash, state, collectionTxHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[txHash]
	if !ok {
		return store.ErrNotFound
	}
	if p.CollectionState == store.StateDone && state != store.StateDone {
		return store.ErrTerminalState
	}

	p.CollectionState = state
	if collectionTxHash != "" {
		p.CollectionTxHash = collectionTxHash
	}
	m.payments[txHash] = p
	return nil
}

func (m *Memory) SetTransferState(txHash, state, transferTxHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[txHash]
	if !ok {
		return store.ErrNotFound
	}
	if p.TransferState == store.StateDone && state != store.StateDone {
		return store.ErrTerminalState
	}

	p.TransferState = state
	if transferTxHash != "" {
		p.TransferTxHash = transferTxHash
	}
	m.payments[txHash] = p
	return nil
}

func (m *Memory) GetRate(currency string) (store.UsdRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rates[currency]
	if !ok {
		return store.UsdRate{}, store.ErrNotFound
	}
	return r, nil
}

func (m *Memory) SetRate(currency, rate string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rates[currency] = store.UsdRate{Currency: currency, Rate: rate, UpdatedAt: time.Now().UTC()}
	return nil
}

func (m *Memory) CreateCharge(c store.Charge) (store.Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c.ID = m.next()
	if c.Status == "" {
		c.Status = store.ChargeNew
	}
	m.charges[c.ID] = c
	return c, nil
}

func (m *Memory) SettleCharge(id, paymentID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.charges[id]
	if !ok {
		return store.ErrNotFound
	}
	c.PaymentID = paymentID
	c.Status = store.ChargeSettled
	m.charges[id] = c
	return nil
}
