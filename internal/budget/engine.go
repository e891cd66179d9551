// Package budget implements the Budget Engine (§4.6): atomic
// reserve/commit/refund of msat against a per-NWC envelope, with
// interval-aligned refresh. Reservations live only in memory — a crash
// before commit is equivalent to refund, the spec's intended safety bias.
package budget

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"nip47d/internal/nwc"
	"nip47d/internal/nwcerr"
	"nip47d/internal/store"
)

// Now is overridable in tests; production code leaves it as time.Now.
var Now = func() int64 { return time.Now().Unix() }

type reservation struct {
	label      string
	amountMsat int64
}

// Engine enforces the budget envelope for every NWC row in st.
type Engine struct {
	st *store.Store

	mu           sync.Mutex
	labelLocks   map[string]*sync.Mutex
	held         map[string]int64 // label -> sum of outstanding reservation amounts
	reservations map[string]reservation
}

// New builds an Engine bound to st.
func New(st *store.Store) *Engine {
	return &Engine{
		st:           st,
		labelLocks:   make(map[string]*sync.Mutex),
		held:         make(map[string]int64),
		reservations: make(map[string]reservation),
	}
}

func (e *Engine) lockFor(label string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.labelLocks[label]
	if !ok {
		l = &sync.Mutex{}
		e.labelLocks[label] = l
	}
	return l
}

// refreshIfDue applies §4.6's window-refresh rule in place and reports
// whether rec was mutated.
func refreshIfDue(rec *nwc.Record, now int64) bool {
	if rec.IntervalSecs == nil {
		return false
	}
	interval := int64(*rec.IntervalSecs)
	if interval <= 0 || now-rec.WindowStart < interval {
		return false
	}
	rec.SpentMsat = 0
	rec.WindowStart = now - ((now - rec.WindowStart) % interval)
	return true
}

// Reserve holds amountMsat against label's budget, refreshing the window
// first if due. Unlimited NWCs always succeed; zero-budget (receive-only)
// NWCs always fail RESTRICTED; otherwise QUOTA_EXCEEDED when the hold would
// push spent+held over budget.
func (e *Engine) Reserve(label string, amountMsat int64) (reservationID string, err error) {
	lock := e.lockFor(label)
	lock.Lock()
	defer lock.Unlock()

	var rec *nwc.Record
	now := Now()
	werr := e.st.WithRow(label, func(r *nwc.Record) (*nwc.Record, error) {
		if r == nil {
			return nil, nwcerr.New(nwcerr.Unauthorized, "unknown NWC")
		}
		changed := refreshIfDue(r, now)
		rec = r
		if !changed {
			return nil, nil // read-only, no write needed
		}
		return r, nil
	})
	if werr != nil {
		return "", werr
	}

	if rec.BudgetMsat != nil && *rec.BudgetMsat == 0 {
		return "", nwcerr.New(nwcerr.Restricted, "receive-only connection")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if rec.BudgetMsat != nil {
		available := *rec.BudgetMsat - rec.SpentMsat - e.held[label]
		if amountMsat > available {
			return "", nwcerr.New(nwcerr.QuotaExceeded, "budget reservation would overflow")
		}
	}

	id, err := newReservationID()
	if err != nil {
		return "", nwcerr.Wrap(nwcerr.Internal, "failed to allocate reservation id", err)
	}
	e.held[label] += amountMsat
	e.reservations[id] = reservation{label: label, amountMsat: amountMsat}
	return id, nil
}

// Commit finalizes reservationID, writing actualMsat (which may differ
// from the hold, e.g. to include routing fees) into spent_msat. actualMsat
// must not exceed the amount that was reserved.
func (e *Engine) Commit(reservationID string, actualMsat int64) error {
	e.mu.Lock()
	res, ok := e.reservations[reservationID]
	e.mu.Unlock()
	if !ok {
		return nwcerr.New(nwcerr.Internal, "unknown reservation")
	}
	if actualMsat > res.amountMsat {
		return nwcerr.New(nwcerr.Internal, "commit amount exceeds reservation")
	}

	lock := e.lockFor(res.label)
	lock.Lock()
	defer lock.Unlock()

	err := e.st.WithRow(res.label, func(r *nwc.Record) (*nwc.Record, error) {
		if r == nil {
			return nil, nwcerr.New(nwcerr.Internal, "row vanished during commit")
		}
		r.SpentMsat += actualMsat
		return r, nil
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.held[res.label] -= res.amountMsat
	delete(e.reservations, reservationID)
	e.mu.Unlock()
	return nil
}

// Refund releases reservationID without committing any spend (on payment
// failure, cancellation, or dispatcher-deadline cleanup).
func (e *Engine) Refund(reservationID string) error {
	e.mu.Lock()
	res, ok := e.reservations[reservationID]
	e.mu.Unlock()
	if !ok {
		return nil // already refunded or committed; refund is idempotent
	}

	lock := e.lockFor(res.label)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	e.held[res.label] -= res.amountMsat
	delete(e.reservations, reservationID)
	e.mu.Unlock()
	return nil
}

// BalanceRemaining returns the lesser of channelSpendableMsat and, when
// label has a budget, the remaining budget in the current window — the
// get_balance semantics of §4.8.
func (e *Engine) BalanceRemaining(label string, channelSpendableMsat int64) (int64, error) {
	rec, found, err := e.st.Get(label)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nwcerr.New(nwcerr.Unauthorized, "unknown NWC")
	}
	if rec.BudgetMsat == nil {
		return channelSpendableMsat, nil
	}

	e.mu.Lock()
	held := e.held[label]
	e.mu.Unlock()

	remaining := *rec.BudgetMsat - rec.SpentMsat - held
	if remaining < 0 {
		remaining = 0
	}
	if remaining < channelSpendableMsat {
		return remaining, nil
	}
	return channelSpendableMsat, nil
}

func newReservationID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("res_%s", hex.EncodeToString(buf)), nil
}
