package budget

import (
	"path/filepath"
	"testing"

	"nip47d/internal/nwc"
	"nip47d/internal/nwcerr"
	"nip47d/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "budget.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st), st
}

func int64p(v int64) *int64    { return &v }
func u64p(v uint64) *uint64    { return &v }

func TestDailyBudgetScenario(t *testing.T) {
	// S2: create("daily", 5000, "1d") at t0.
	e, st := newTestEngine(t)
	Now = func() int64 { return 1000 }
	defer func() { Now = defaultNow }()

	rec := &nwc.Record{Label: "daily", BudgetMsat: int64p(5000), IntervalSecs: u64p(86400), WindowStart: 1000}
	if err := st.Put(rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Pay 3000 -> succeeds.
	id1, err := e.Reserve("daily", 3000)
	if err != nil {
		t.Fatalf("reserve 1: %v", err)
	}
	if err := e.Commit(id1, 3000); err != nil {
		t.Fatalf("commit 1: %v", err)
	}
	got, _, _ := st.Get("daily")
	if got.SpentMsat != 3000 {
		t.Fatalf("spent=%d want 3000", got.SpentMsat)
	}

	// Pay 3000 again -> QUOTA_EXCEEDED.
	_, err = e.Reserve("daily", 3000)
	if nwcerr.CodeOf(err) != nwcerr.QuotaExceeded {
		t.Fatalf("expected QUOTA_EXCEEDED, got %v", err)
	}

	// At t0+86400, refresh runs; pay 3000 -> succeeds, spent=3000.
	Now = func() int64 { return 1000 + 86400 }
	id2, err := e.Reserve("daily", 3000)
	if err != nil {
		t.Fatalf("reserve after refresh: %v", err)
	}
	if err := e.Commit(id2, 3000); err != nil {
		t.Fatalf("commit after refresh: %v", err)
	}
	got, _, _ = st.Get("daily")
	if got.SpentMsat != 3000 {
		t.Fatalf("spent after refresh=%d want 3000", got.SpentMsat)
	}
}

func TestFailedPaymentNeverMutatesSpent(t *testing.T) {
	e, st := newTestEngine(t)
	rec := &nwc.Record{Label: "x", BudgetMsat: int64p(10000), WindowStart: 0}
	st.Put(rec)

	id, err := e.Reserve("x", 5000)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := e.Refund(id); err != nil {
		t.Fatalf("refund: %v", err)
	}

	got, _, _ := st.Get("x")
	if got.SpentMsat != 0 {
		t.Errorf("spent_msat mutated on refund: %d", got.SpentMsat)
	}

	// budget is fully available again
	id2, err := e.Reserve("x", 10000)
	if err != nil {
		t.Fatalf("reserve full after refund: %v", err)
	}
	e.Refund(id2)
}

func TestReceiveOnlyAlwaysRestricted(t *testing.T) {
	e, st := newTestEngine(t)
	st.Put(&nwc.Record{Label: "rx", BudgetMsat: int64p(0)})

	_, err := e.Reserve("rx", 1)
	if nwcerr.CodeOf(err) != nwcerr.Restricted {
		t.Fatalf("expected RESTRICTED, got %v", err)
	}
}

func TestUnlimitedAlwaysSucceeds(t *testing.T) {
	e, st := newTestEngine(t)
	st.Put(&nwc.Record{Label: "unl"})

	id, err := e.Reserve("unl", 1_000_000_000)
	if err != nil {
		t.Fatalf("expected unlimited reserve to succeed: %v", err)
	}
	if err := e.Commit(id, 1_000_000_000); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestSpentNeverExceedsBudgetUnderConcurrentReserves(t *testing.T) {
	e, st := newTestEngine(t)
	st.Put(&nwc.Record{Label: "concurrent", BudgetMsat: int64p(1000)})

	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() {
			id, err := e.Reserve("concurrent", 100)
			if err != nil {
				results <- err
				return
			}
			results <- e.Commit(id, 100)
		}()
	}
	successes := 0
	for i := 0; i < 20; i++ {
		if <-results == nil {
			successes++
		}
	}
	if successes != 10 {
		t.Fatalf("expected exactly 10 successful 100msat reserves against a 1000msat budget, got %d", successes)
	}
	got, _, _ := st.Get("concurrent")
	if got.SpentMsat > *got.BudgetMsat {
		t.Fatalf("invariant violated: spent_msat %d > budget_msat %d", got.SpentMsat, *got.BudgetMsat)
	}
}

var defaultNow = Now
