/*
scheduler.go - Automated expiry sweeper

PURPOSE:
  Periodically finds earn batches whose expiry timestamp has passed and
  writes the matching expire entries through the ledger.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Queries earn entries past ExpiresAt that no expire entry references
  - Expires each batch individually; one failure doesn't stop the sweep
  - A batch already fully reversed, redeemed, or never confirmed expires
    as a zero-amount marker so the sweep doesn't revisit it

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether the sweeper is active (default: true)

USAGE:
  sweeper := NewExpirySweeper(ledger, log)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - loyalty/ledger.go: ExpirePoints
  - loyalty/store.go: ExpiryDue query
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/loyalty"
)

// ExpirySweeper lapses expired earn batches in the background.
type ExpirySweeper struct {
	Ledger        *loyalty.Ledger
	CheckInterval time.Duration
	Enabled       bool
	Log           *logrus.Logger

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewExpirySweeper creates a new sweeper.
func NewExpirySweeper(ledger *loyalty.Ledger, log *logrus.Logger) *ExpirySweeper {
	if log == nil {
		log = logrus.New()
	}
	return &ExpirySweeper{
		Ledger:        ledger,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Log:           log,
		stop:          make(chan bool),
	}
}

// Start begins the sweeper.
func (es *ExpirySweeper) Start() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.Enabled {
		es.Log.Info("expiry sweeper disabled, not starting")
		return
	}

	es.ticker = time.NewTicker(es.CheckInterval)
	es.wg.Add(1)
	go es.run(es.ticker)

	es.Log.WithField("interval", es.CheckInterval).Info("expiry sweeper started")
}

// Stop halts the sweeper and waits for an in-flight sweep to finish.
// Calling Stop again, or without a prior Start, is a no-op.
func (es *ExpirySweeper) Stop() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.ticker != nil {
		es.ticker.Stop()
		es.ticker = nil
		close(es.stop)
		es.wg.Wait()
		es.Log.Info("expiry sweeper stopped")
	}
}

func (es *ExpirySweeper) run(ticker *time.Ticker) {
	defer es.wg.Done()

	// Sweep once on startup to catch anything missed while down.
	es.Sweep(context.Background())

	for {
		select {
		case <-ticker.C:
			es.Sweep(context.Background())
		case <-es.stop:
			return
		}
	}
}

// Sweep expires every due earn batch. Returns the number of batches
// expired; individual failures are logged and skipped.
func (es *ExpirySweeper) Sweep(ctx context.Context) int {
	now := es.Ledger.Now()
	due, err := es.Ledger.Store.ExpiryDue(ctx, now)
	if err != nil {
		es.Log.WithError(err).Error("failed to query due expiries")
		return 0
	}
	if len(due) == 0 {
		return 0
	}

	expired := 0
	for _, entry := range due {
		_, err := es.Ledger.ExpirePoints(ctx, entry.UserID, entry.Amount, entry.ID)
		if err != nil {
			es.Log.WithError(err).WithFields(logrus.Fields{
				"user_id":  entry.UserID,
				"entry_id": entry.ID,
			}).Error("failed to expire batch")
			continue
		}
		expired++
	}

	es.Log.WithFields(logrus.Fields{
		"due":     len(due),
		"expired": expired,
	}).Info("expiry sweep complete")
	return expired
}
