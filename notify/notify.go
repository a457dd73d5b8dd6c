/*
Package notify delivers best-effort events after ledger operations.

PURPOSE:
  Tier changes and points events feed downstream channels (email, push,
  analytics). Delivery is fire-and-forget: the ledger never waits on a
  notification and a delivery failure never fails a transaction.

GUARANTEES (deliberately weak):
  - Non-blocking: events are dropped, with a log line, when the buffer
    is full
  - No ordering across users
  - At-most-once

SEE ALSO:
  - loyalty/store.go: The Notifier contract the ledger calls
*/
package notify

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// LOG NOTIFIER - Structured log sink, the default channel
// =============================================================================

type LogNotifier struct {
	Log *logrus.Logger
}

func NewLogNotifier(log *logrus.Logger) *LogNotifier {
	return &LogNotifier{Log: log}
}

func (n *LogNotifier) PointsRecorded(entry loyalty.HistoryEntry, balance loyalty.Balance) {
	n.Log.WithFields(logrus.Fields{
		"user":      entry.UserID,
		"type":      entry.Type,
		"amount":    entry.Amount,
		"source":    entry.SourceType,
		"available": balance.Available,
		"pending":   balance.Pending,
	}).Info("points recorded")
}

func (n *LogNotifier) TierChanged(userID loyalty.UserID, from, to *loyalty.TierID) {
	n.Log.WithFields(logrus.Fields{
		"user": userID,
		"from": tierLabel(from),
		"to":   tierLabel(to),
	}).Info("tier changed")
}

func tierLabel(id *loyalty.TierID) string {
	if id == nil {
		return "none"
	}
	return string(*id)
}

var _ loyalty.Notifier = (*LogNotifier)(nil)

// =============================================================================
// ASYNC - Buffered fan-out in front of a slow sink
// =============================================================================

type event struct {
	entry   *loyalty.HistoryEntry
	balance loyalty.Balance
	userID  loyalty.UserID
	from    *loyalty.TierID
	to      *loyalty.TierID
}

// Async decouples a sink that may do I/O from the ledger's hot path.
// Events queue onto a buffered channel; a full buffer drops the event.
type Async struct {
	Sink loyalty.Notifier
	Log  *logrus.Logger

	ch       chan event
	stopOnce sync.Once
	done     chan struct{}
}

func NewAsync(sink loyalty.Notifier, log *logrus.Logger, buffer int) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		Sink: sink,
		Log:  log,
		ch:   make(chan event, buffer),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.ch {
		if e.entry != nil {
			a.Sink.PointsRecorded(*e.entry, e.balance)
		} else {
			a.Sink.TierChanged(e.userID, e.from, e.to)
		}
	}
}

func (a *Async) PointsRecorded(entry loyalty.HistoryEntry, balance loyalty.Balance) {
	select {
	case a.ch <- event{entry: &entry, balance: balance}:
	default:
		a.Log.WithField("user", entry.UserID).Warn("notify buffer full, dropping points event")
	}
}

func (a *Async) TierChanged(userID loyalty.UserID, from, to *loyalty.TierID) {
	select {
	case a.ch <- event{userID: userID, from: from, to: to}:
	default:
		a.Log.WithField("user", userID).Warn("notify buffer full, dropping tier event")
	}
}

// Close drains queued events and stops the worker.
func (a *Async) Close() {
	a.stopOnce.Do(func() {
		close(a.ch)
		<-a.done
	})
}

var _ loyalty.Notifier = (*Async)(nil)
