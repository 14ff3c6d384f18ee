// Package postgres implements the store interface for PostgreSQL.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" //nolint:gci // load the postgres driver that is used by the system

	"github.com/ducatus/exchange/lib/store"
)

type Postgres struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		address TEXT NOT NULL,
		platform TEXT NOT NULL,
		ref_address TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		UNIQUE (address, platform))`,
	`CREATE TABLE IF NOT EXISTS requests (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users (id))`,
	`CREATE TABLE IF NOT EXISTS request_addresses (
		request_id BIGINT NOT NULL REFERENCES requests (id),
		currency TEXT NOT NULL,
		address TEXT NOT NULL,
		PRIMARY KEY (request_id, currency))`,
	`CREATE TABLE IF NOT EXISTS payments (
		id BIGSERIAL PRIMARY KEY,
		request_id BIGINT NOT NULL,
		tx_hash TEXT NOT NULL UNIQUE,
		currency TEXT NOT NULL,
		original_amount TEXT NOT NULL,
		rate TEXT NOT NULL DEFAULT '',
		sent_amount TEXT NOT NULL DEFAULT '',
		from_address TEXT NOT NULL DEFAULT '',
		collection_state TEXT NOT NULL,
		transfer_state TEXT NOT NULL,
		collection_tx_hash TEXT NOT NULL DEFAULT '',
		transfer_tx_hash TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now())`,
	`CREATE TABLE IF NOT EXISTS rates (
		currency TEXT PRIMARY KEY,
		rate TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS charges (
		id BIGSERIAL PRIMARY KEY,
		payment_id BIGINT NOT NULL DEFAULT 0,
		currency TEXT NOT NULL,
		amount TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL)`,
}

// New returns a postgres client connection to the specified database in 'connection' with the schema in place.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	for _, stmt := range schema {
		if _, err = db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("cannot prepare schema: %w", err)
		}
	}

	return &Postgres{db: db}, nil
}

// ClosePostgres will close any database connection. Must be called at termination time.
func (p *Postgres) ClosePostgres() error {
	return p.db.Close()
}

func (p *Postgres) GetOrCreateUser(address, platform string) (store.DucatusUser, bool, error) {
	u := store.DucatusUser{Address: address, Platform: platform}

	err := p.db.QueryRow(
		`SELECT id, ref_address, email FROM users WHERE address = $1 AND platform = $2`,
		address, platform).Scan(&u.ID, &u.RefAddress, &u.Email)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return u, false, fmt.Errorf("could not read user from db: %w", err)
	}

	err = p.db.QueryRow(
		`INSERT INTO users (address, platform) VALUES ($1, $2) RETURNING id`,
		address, platform).Scan(&u.ID)
	if err != nil {
		return u, false, fmt.Errorf("could not insert user in db: %w", err)
	}

	return u, true, nil
}

func (p *Postgres) CreateExchangeRequest(r store.ExchangeRequest) (store.ExchangeRequest, error) {
	err := p.db.QueryRow(
		`INSERT INTO requests (user_id) VALUES ($1) RETURNING id`, r.UserID).Scan(&r.ID)
	if err != nil {
		return r, fmt.Errorf("could not insert exchange request in db: %w", err)
	}

	for currency, address := range r.Addresses {
		_, err = p.db.Exec(
			`INSERT INTO request_addresses (request_id, currency, address) VALUES ($1, $2, $3)`,
			r.ID, currency, address)
		if err != nil {
			return r, fmt.Errorf("could not insert request address in db: %w", err)
		}
	}

	return r, nil
}

func (p *Postgres) loadRequest(r *store.ExchangeRequest) error {
	err := p.db.QueryRow(
		`SELECT id, address, platform, ref_address, email FROM users WHERE id = $1`, r.UserID).
		Scan(&r.User.ID, &r.User.Address, &r.User.Platform, &r.User.RefAddress, &r.User.Email)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	rows, err := p.db.Query(
		`SELECT currency, address FROM request_addresses WHERE request_id = $1`, r.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	r.Addresses = make(map[string]string)
	for rows.Next() {
		var currency, address string
		if err = rows.Scan(&currency, &address); err != nil {
			return err
		}
		r.Addresses[currency] = address
	}

	return rows.Err()
}

func (p *Postgres) GetExchangeRequest(id int64) (store.ExchangeRequest, error) {
	var r store.ExchangeRequest

	err := p.db.QueryRow(`SELECT id, user_id FROM requests WHERE id = $1`, id).Scan(&r.ID, &r.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return r, store.ErrNotFound
	}
	if err != nil {
		return r, err
	}

	return r, p.loadRequest(&r)
}

func (p *Postgres) GetExchangeRequestByUser(userID int64) (store.ExchangeRequest, error) {
	var r store.ExchangeRequest

	err := p.db.QueryRow(`SELECT id, user_id FROM requests WHERE user_id = $1`, userID).Scan(&r.ID, &r.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return r, store.ErrNotFound
	}
	if err != nil {
		return r, err
	}

	return r, p.loadRequest(&r)
}

func (p *Postgres) ExchangeRequests(currency string) ([]store.ExchangeRequest, error) {
	rows, err := p.db.Query(
		`SELECT r.id, r.user_id FROM requests r
		 JOIN request_addresses a ON a.request_id = r.id
		 WHERE a.currency = $1 AND a.address <> ''`, currency)
	if err != nil {
		return nil, fmt.Errorf("could not list exchange requests: %w", err)
	}
	defer rows.Close()

	var out []store.ExchangeRequest
	for rows.Next() {
		var r store.ExchangeRequest
		if err = rows.Scan(&r.ID, &r.UserID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if err = p.loadRequest(&out[i]); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (p *Postgres) RegisterPayment(pay store.Payment) (store.Payment, error) {
	existing, err := p.GetPayment(pay.TxHash)
	if err == nil {
		log.Printf("[%s] Payment with tx %s was already registered", pay.Currency, pay.TxHash)
		return existing, store.ErrDuplicateDeposit
	}
	if !errors.Is(err, store.ErrNotFound) {
		return pay, err
	}

	if pay.CreatedAt.IsZero() {
		pay.CreatedAt = time.Now().UTC()
	}

	err = p.db.QueryRow(
		`INSERT INTO payments (request_id, tx_hash, currency, original_amount, rate, sent_amount, from_address,
			collection_state, transfer_state, collection_tx_hash, transfer_tx_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
		pay.RequestID, pay.TxHash, pay.Currency, pay.OriginalAmount, pay.Rate, pay.SentAmount, pay.FromAddress,
		pay.CollectionState, pay.TransferState, pay.CollectionTxHash, pay.TransferTxHash, pay.CreatedAt).
		Scan(&pay.ID)
	if err != nil {
		return pay, fmt.Errorf("could not insert payment in db: %w", err)
	}

	return pay, nil
}

func (p *Postgres) scanPayment(row *sql.Row) (store.Payment, error) {
	var pay store.Payment

	err := row.Scan(&pay.ID, &pay.RequestID, &pay.TxHash, &pay.Currency, &pay.OriginalAmount, &pay.Rate,
		&pay.SentAmount, &pay.FromAddress, &pay.CollectionState, &pay.TransferState,
		&pay.CollectionTxHash, &pay.TransferTxHash, &pay.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pay, store.ErrNotFound
	}

	return pay, err
}

const paymentCols = `id, request_id, tx_hash, currency, original_amount, rate, sent_amount, from_address,
	collection_state, transfer_state, collection_tx_hash, transfer_tx_hash, created_at`

func (p *Postgres) GetPayment(txHash string) (store.Payment, error) {
	return p.scanPayment(p.db.QueryRow(
		`SELECT `+paymentCols+` FROM payments WHERE tx_hash = $1`, txHash))
}

func (p *Postgres) GetPaymentByTransferTx(txHash string) (store.Payment, error) {
	return p.scanPayment(p.db.QueryRow(
		`SELECT `+paymentCols+` FROM payments WHERE transfer_tx_hash = $1`, txHash))
}

func (p *Postgres) PaymentsByCollectionState(state, currency string) ([]store.Payment, error) {
	return p.paymentsBy("collection_state", state, currency)
}

func (p *Postgres) PaymentsByTransferState(state, currency string) ([]store.Payment, error) {
	return p.paymentsBy("transfer_state", state, currency)
}

func (p *Postgres) paymentsBy(col, state, currency string) ([]store.Payment, error) {
	query := `SELECT ` + paymentCols + ` FROM payments WHERE ` + col + ` = $1`
	args := []interface{}{state}
	if currency != "" {
		query += ` AND currency = $2`
		args = append(args, currency)
	}

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not list payments: %w", err)
	}
	defer rows.Close()

	var out []store.Payment
	for rows.Next() {
		var pay store.Payment
		err = rows.Scan(&pay.ID, &pay.RequestID, &pay.TxHash, &pay.Currency, &pay.OriginalAmount, &pay.Rate,
			&pay.SentAmount, &pay.FromAddress, &pay.CollectionState, &pay.TransferState,
			&pay.CollectionTxHash, &pay.TransferTxHash, &pay.CreatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, pay)
	}

	return out, rows.Err()
}

// setState performs the state move as a single conditional UPDATE so a terminal DONE record is never reverted.
func (p *Postgres) setState(txHash, stateCol, state, hashCol, hash string) error {
	query := `UPDATE payments SET ` + stateCol + ` = $1, ` + hashCol +
		` = CASE WHEN $2 = '' THEN ` + hashCol + ` ELSE $2 END WHERE tx_hash = $3`
	if state != store.StateDone {
		query += ` AND ` + stateCol + ` <> '` + store.StateDone + `'`
	}

	res, err := p.db.Exec(query, state, hash, txHash)
	if err != nil {
		return fmt.Errorf("could not update payment state: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err = p.GetPayment(txHash); err != nil {
			return err
		}
		return store.ErrTerminalState
	}

	return nil
}

func (p *Postgres) SetCollectionState(txHash, state, collectionTxHash string) error {
	return p.setState(txHash, "collection_state", state, "collection_tx_hash", collectionTxHash)
}

func (p *Postgres) SetTransferState(txHash, state, transferTxHash string) error {
	return p.setState(txHash, "transfer_state", state, "transfer_tx_hash", transferTxHash)
}

func (p *Postgres) GetRate(currency string) (store.UsdRate, error) {
	r := store.UsdRate{Currency: currency}

	err := p.db.QueryRow(`SELECT rate, updated_at FROM rates WHERE currency = $1`, currency).
		Scan(&r.Rate, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, store.ErrNotFound
	}

	return r, err
}

func (p *Postgres) SetRate(currency, rate string) error {
	_, err := p.db.Exec(
		`INSERT INTO rates (currency, rate, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (currency) DO UPDATE SET rate = $2, updated_at = $3`,
		currency, rate, time.Now().UTC())

	return err
}

func (p *Postgres) CreateCharge(c store.Charge) (store.Charge, error) {
	if c.Status == "" {
		c.Status = store.ChargeNew
	}

	err := p.db.QueryRow(
		`INSERT INTO charges (currency, amount, email, status) VALUES ($1, $2, $3, $4) RETURNING id`,
		c.Currency, c.Amount, c.Email, c.Status).Scan(&c.ID)
	if err != nil {
		return c, fmt.Errorf("could not insert charge in db: %w", err)
	}

	return c, nil
}

func (p *Postgres) SettleCharge(id, paymentID int64) error {
	res, err := p.db.Exec(
		`UPDATE charges SET payment_id = $1, status = $2 WHERE id = $3`,
		paymentID, store.ChargeSettled, id)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}

	return nil
}
