// Package mongo implements the store interface for MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ducatus/exchange/lib/store"
)

const database = "exchange"

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c *mgo.Client
}

// New returns a Mongo client connection to the specified MongoDB database uri.
func New(uri string) (*Mongo, error) {
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	err = c.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	return &Mongo{c: c}, nil
}

// CloseMongo will close a database connection. Must be called at termination time.
func (m *Mongo) CloseMongo() error {
	return m.c.Disconnect(context.Background())
}

func (m *Mongo) col(name string) *mgo.Collection {
	return m.c.Database(database).Collection(name)
}

// next returns the next value of the named id sequence.
func (m *Mongo) next(name string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}

	err := m.col("counters").FindOneAndUpdate(context.Background(),
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("could not get %s sequence: %w", name, err)
	}

	return doc.Seq, nil
}

// GetOrCreateUser returns the user for (address, platform), creating it on first sight.
func (m *Mongo) GetOrCreateUser(address, platform string) (store.DucatusUser, bool, error) {
	var u store.DucatusUser

	err := m.col("users").FindOne(context.Background(),
		bson.M{"address": address, "platform": platform}).Decode(&u)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, mgo.ErrNoDocuments) {
		return u, false, fmt.Errorf("could not read user from db: %w", err)
	}

	id, err := m.next("users")
	if err != nil {
		return u, false, err
	}

	u = store.DucatusUser{ID: id, Address: address, Platform: platform}
	if _, err = m.col("users").InsertOne(context.Background(), u); err != nil {
		return u, false, fmt.Errorf("could not insert user in db: %w", err)
	}

	return u, true, nil
}

func (m *Mongo) CreateExchangeRequest(r store.ExchangeRequest) (store.ExchangeRequest, error) {
	id, err := m.next("requests")
	if err != nil {
		return r, err
	}

	r.ID = id
	if _, err = m.col("requests").InsertOne(context.Background(), r); err != nil {
		return r, fmt.Errorf("could not insert exchange request in db: %w", err)
	}

	return r, nil
}

func (m *Mongo) GetExchangeRequest(id int64) (store.ExchangeRequest, error) {
	var r store.ExchangeRequest

	err := m.col("requests").FindOne(context.Background(), bson.M{"id": id}).Decode(&r)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return r, store.ErrNotFound
	}

	return r, err
}

func (m *Mongo) GetExchangeRequestByUser(userID int64) (store.ExchangeRequest, error) {
	var r store.ExchangeRequest

	err := m.col("requests").FindOne(context.Background(), bson.M{"userId": userID}).Decode(&r)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return r, store.ErrNotFound
	}

	return r, err
}

func (m *Mongo) ExchangeRequests(currency string) ([]store.ExchangeRequest, error) {
	filter := bson.M{"addresses." + currency: bson.M{"$exists": true, "$ne": ""}}

	cur, err := m.col("requests").Find(context.Background(), filter)
	if err != nil {
		return nil, fmt.Errorf("could not list exchange requests: %w", err)
	}
	defer cur.Close(context.Background())

	var out []store.ExchangeRequest
	for cur.Next(context.Background()) {
		var r store.ExchangeRequest
		if err = cur.Decode(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}

	return out, cur.Err()
}

// RegisterPayment inserts the payment unless its tx hash is already registered, in which case the existing record is
// returned with ErrDuplicateDeposit so the ingestion boundary can treat the duplicate as a no-op.
func (m *Mongo) RegisterPayment(p store.Payment) (store.Payment, error) {
	var existing store.Payment

	err := m.col("payments").FindOne(context.Background(), bson.M{"txHash": p.TxHash}).Decode(&existing)
	if err == nil {
		log.Printf("[%s] Payment with tx %s was already registered", p.Currency, p.TxHash)
		return existing, store.ErrDuplicateDeposit
	}
	if !errors.Is(err, mgo.ErrNoDocuments) {
		return p, fmt.Errorf("could not read payment from db: %w", err)
	}

	id, err := m.next("payments")
	if err != nil {
		return p, err
	}

	p.ID = id
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if _, err = m.col("payments").InsertOne(context.Background(), p); err != nil {
		return p, fmt.Errorf("could not insert payment in db: %w", err)
	}

	return p, nil
}

func (m *Mongo) GetPayment(txHash string) (store.Payment, error) {
	var p store.Payment

	err := m.col("payments").FindOne(context.Background(), bson.M{"txHash": txHash}).Decode(&p)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return p, store.ErrNotFound
	}

	return p, err
}

func (m *Mongo) GetPaymentByTransferTx(txHash string) (store.Payment, error) {
	var p store.Payment

	err := m.col("payments").FindOne(context.Background(), bson.M{"transferTxHash": txHash}).Decode(&p)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return p, store.ErrNotFound
	}

	return p, err
}

func (m *Mongo) PaymentsByCollectionState(state, currency string) ([]store.Payment, error) {
	return m.paymentsBy("collectionState", state, currency)
}

func (m *Mongo) PaymentsByTransferState(state, currency string) ([]store.Payment, error) {
	return m.paymentsBy("transferState", state, currency)
}

func (m *Mongo) paymentsBy(field, state, currency string) ([]store.Payment, error) {
	filter := bson.M{field: state}
	if currency != "" {
		filter["currency"] = currency
	}

	cur, err := m.col("payments").Find(context.Background(), filter)
	if err != nil {
		return nil, fmt.Errorf("could not list payments: %w", err)
	}
	defer cur.Close(context.Background())

	var out []store.Payment
	for cur.Next(context.Background()) {
		var p store.Payment
		if err = cur.Decode(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}

	return out, cur.Err()
}

// setState moves one of the payment state machines with a single conditional update, so a terminal DONE record is
// never reverted even under concurrent workers.
func (m *Mongo) setState(txHash, field, state, hashField, hash string) error {
	filter := bson.M{"txHash": txHash}
	if state != store.StateDone {
		filter[field] = bson.M{"$ne": store.StateDone}
	}

	set := bson.M{field: state}
	if hash != "" {
		set[hashField] = hash
	}

	res, err := m.col("payments").UpdateOne(context.Background(), filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("could not update payment state: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err = m.GetPayment(txHash); err != nil {
			return err
		}
		return store.ErrTerminalState
	}

	return nil
}

func (m *Mongo) SetCollectionState(txHash, state, collectionTxHash string) error {
	return m.setState(txHash, "collectionState", state, "collectionTxHash", collectionTxHash)
}

func (m *Mongo) SetTransferState(txHash, state, transferTxHash string) error {
	return m.setState(txHash, "transferState", state, "transferTxHash", transferTxHash)
}

func (m *Mongo) GetRate(currency string) (store.UsdRate, error) {
	var r store.UsdRate

	err := m.col("rates").FindOne(context.Background(), bson.M{"currency": currency}).Decode(&r)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return r, store.ErrNotFound
	}

	return r, err
}

func (m *Mongo) SetRate(currency, rate string) error {
	_, err := m.col("rates").UpdateOne(context.Background(),
		bson.M{"currency": currency},
		bson.M{"$set": bson.M{"rate": rate, "updatedAt": time.Now().UTC()}},
		options.Update().SetUpsert(true))

	return err
}

func (m *Mongo) CreateCharge(c store.Charge) (store.Charge, error) {
	id, err := m.next("charges")
	if err != nil {
		return c, err
	}

	c.ID = id
	if c.Status == "" {
		c.Status = store.ChargeNew
	}
	if _, err = m.col("charges").InsertOne(context.Background(), c); err != nil {
		return c, fmt.Errorf("could not insert charge in db: %w", err)
	}

	return c, nil
}

func (m *Mongo) SettleCharge(id, paymentID int64) error {
	res, err := m.col("charges").UpdateOne(context.Background(),
		bson.M{"id": id},
		bson.M{"$set": bson.M{"paymentId": paymentID, "status": store.ChargeSettled}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}

	return nil
}
