// Package tasker implements the scheduled maintenance service: periodic delivery retries and confirmation checks,
// rate refreshes, sweep passes and the daily payment reports.
package tasker

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ducatus/exchange/lib/block"
	"github.com/ducatus/exchange/lib/config"
	"github.com/ducatus/exchange/lib/payments"
	"github.com/ducatus/exchange/lib/rates"
	"github.com/ducatus/exchange/lib/store"
	"github.com/ducatus/exchange/lib/store/db"
	"github.com/ducatus/exchange/lib/transfer"
	"github.com/ducatus/exchange/lib/withdraw"
)

// Task cadences.
const (
	minuteTick = time.Minute
	hourTick   = time.Hour
	dayTick    = 24 * time.Hour
	weekTick   = 7 * 24 * time.Hour
)

// Tasker runs the recurring jobs of the exchange.
type Tasker struct {
	dbtype    string
	db        store.DB
	bc        map[string]block.Chain
	ledger    *payments.Ledger
	transfers *transfer.Engine
	sweeper   *withdraw.Sweeper
	oracle    *rates.Oracle
	chains    []config.ChainConfig
	reportDir string
	stop      chan struct{}
}

// New instantiates a new tasker service. reportDir is where the daily CSV reports are written; empty disables them.
func New(dbtype string, dbConn store.DB, bc map[string]block.Chain, ledger *payments.Ledger, tr *transfer.Engine,
	sweeper *withdraw.Sweeper, oracle *rates.Oracle, chains []config.ChainConfig, reportDir string,
) *Tasker {
	return &Tasker{
		dbtype:    dbtype,
		db:        dbConn,
		bc:        bc,
		ledger:    ledger,
		transfers: tr,
		sweeper:   sweeper,
		oracle:    oracle,
		chains:    chains,
		reportDir: reportDir,
		stop:      make(chan struct{}),
	}
}

// Run blocks executing the schedule until Stop is called. Each tick's failures are isolated and logged; a bad pass
// never stops the schedule.
func (t *Tasker) Run() {
	minute := time.NewTicker(minuteTick)
	hour := time.NewTicker(hourTick)
	day := time.NewTicker(dayTick)
	week := time.NewTicker(weekTick)

	defer func() {
		minute.Stop()
		hour.Stop()
		day.Stop()
		week.Stop()
	}()

	log.Print("Tasker schedule started")

	for {
		select {
		case <-minute.C:
			t.MinutePass()
		case <-hour.C:
			t.HourPass()
		case <-day.C:
			t.DayPass()
		case <-week.C:
			t.WeekPass()
		case <-t.stop:
			log.Print("Tasker schedule stopped")
			return
		}
	}
}

// Stop ends the schedule and closes the database connection.
func (t *Tasker) Stop() {
	close(t.stop)

	if t.db != nil {
		err := db.Close(t.dbtype, t.db)
		log.Printf("Disconnecting %v database, err:%e\n", t.dbtype, err)
	}
}

// MinutePass retries failed deliveries, settles confirmed ones and refreshes the rate cache.
func (t *Tasker) MinutePass() {
	t.ledger.RetryFailedTransfers()
	t.transfers.Recheck()

	if err := t.oracle.Refresh(); err != nil {
		log.Printf("Rate refresh failed: %v", err)
	}
}

// HourPass runs a sweep pass over every chain.
func (t *Tasker) HourPass() {
	t.sweeper.SweepAll()
}

// DayPass writes the outstanding-payments CSV of every chain to the report directory.
func (t *Tasker) DayPass() {
	if t.reportDir == "" {
		return
	}

	stamp := time.Now().UTC().Format("2006-01-02")

	for _, cc := range t.chains {
		name := filepath.Join(t.reportDir, "payments_"+cc.Name+"_"+stamp+".csv")

		f, err := os.Create(name)
		if err != nil {
			log.Printf("[%s] Could not create report %s: %v", cc.Name, name, err)
			continue
		}

		if err = t.ledger.WriteReport(f, cc.Name); err != nil {
			log.Printf("[%s] Could not write report %s: %v", cc.Name, name, err)
		}

		if err = f.Close(); err != nil {
			log.Printf("[%s] Could not close report %s: %v", cc.Name, name, err)
		}

		total, n, err := t.ledger.Outstanding(cc.Name)
		if err != nil {
			log.Printf("[%s] Could not read outstanding totals: %v", cc.Name, err)
			continue
		}

		log.Printf("[%s] %d outstanding payments totalling %s minimal units", cc.Name, n, total)
	}
}

// WeekPass logs a weekly summary of the ledger per chain.
func (t *Tasker) WeekPass() {
	for _, cc := range t.chains {
		for _, state := range []string{store.StateNotCollected, store.StateWaitingConf, store.StateError, store.StateDone} {
			pays, err := t.db.PaymentsByCollectionState(state, cc.Name)
			if err != nil {
				log.Printf("[%s] Could not read payments in %s: %v", cc.Name, state, err)
				continue
			}
			if len(pays) > 0 {
				log.Printf("[%s] Weekly summary: %d payments in collection state %s", cc.Name, len(pays), state)
			}
		}
	}
}
