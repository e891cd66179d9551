package lifecycle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"nip47d/internal/budget"
	"nip47d/internal/correlator"
	"nip47d/internal/dispatcher"
	"nip47d/internal/store"
)

// No relays are configured in these tests so Pool.Start/Stop never touches
// the network; lifecycle's own bookkeeping is what's under test.

func newTestController(t *testing.T) (*Controller, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "lifecycle.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bud := budget.New(st)
	corr := correlator.New(correlator.NewMemoryBackend(time.Minute), 0)
	fc := &noopCln{}
	disp := dispatcher.New(st, bud, fc, corr, nil)

	return New(st, disp, nil, true, nil), st
}

type noopCln struct{ dispatcher.ClnClient }

func TestCreateGeneratesDistinctKeypairsAndPersists(t *testing.T) {
	c, st := newTestController(t)

	budgetMsat := int64(5000)
	rec, uri, err := c.Create(context.Background(), "alice", &budgetMsat, "1d")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.WalletKeyPublic == rec.ClientKeyPublic {
		t.Fatal("wallet and client keys must differ")
	}
	if uri == "" {
		t.Fatal("expected a non-empty connection uri")
	}

	stored, found, err := st.Get("alice")
	if err != nil || !found {
		t.Fatalf("expected row to be persisted, found=%v err=%v", found, err)
	}
	if stored.IntervalSecs == nil || *stored.IntervalSecs != 86400 {
		t.Fatalf("interval not parsed to seconds: %+v", stored.IntervalSecs)
	}
}

func TestCreateRejectsDuplicateLabel(t *testing.T) {
	c, _ := newTestController(t)
	c.Create(context.Background(), "dup", nil, "")
	_, _, err := c.Create(context.Background(), "dup", nil, "")
	if err != ErrDuplicateLabel {
		t.Fatalf("expected ErrDuplicateLabel, got %v", err)
	}
}

func TestCreateRejectsIntervalWithoutBudget(t *testing.T) {
	c, _ := newTestController(t)
	_, _, err := c.Create(context.Background(), "noBudget", nil, "1d")
	if err != ErrIntervalNeedsBudget {
		t.Fatalf("expected ErrIntervalNeedsBudget, got %v", err)
	}
}

func TestRevokeDeletesRowAndStopsPool(t *testing.T) {
	c, st := newTestController(t)
	c.Create(context.Background(), "gone", nil, "")

	if err := c.Revoke(context.Background(), "gone"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, found, _ := st.Get("gone"); found {
		t.Fatal("row should be deleted after revoke")
	}
	if _, ok := c.Lookup("gone"); ok {
		t.Fatal("pool should no longer be registered after revoke")
	}
}

func TestRevokeUnknownLabelErrors(t *testing.T) {
	c, _ := newTestController(t)
	if err := c.Revoke(context.Background(), "nope"); err != ErrUnknownLabel {
		t.Fatalf("expected ErrUnknownLabel, got %v", err)
	}
}

func TestBudgetResetsWindowOnIntervalChange(t *testing.T) {
	c, _ := newTestController(t)
	budgetMsat := int64(1000)
	c.Create(context.Background(), "b", &budgetMsat, "1d")

	Now = func() int64 { return 99999 }
	defer func() { Now = func() int64 { return time.Now().Unix() } }()

	newBudget := int64(2000)
	rec, err := c.Budget(context.Background(), "b", &newBudget, "1w")
	if err != nil {
		t.Fatalf("budget: %v", err)
	}
	if rec.WindowStart != 99999 {
		t.Fatalf("window_start should reset on interval change, got %d", rec.WindowStart)
	}
	if *rec.IntervalSecs != 7*86400 {
		t.Fatalf("interval not updated: %d", *rec.IntervalSecs)
	}
}

func TestListReturnsAllRowsWhenLabelEmpty(t *testing.T) {
	c, _ := newTestController(t)
	c.Create(context.Background(), "one", nil, "")
	c.Create(context.Background(), "two", nil, "")

	recs, err := c.List("")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(recs))
	}
}

func TestListUnknownLabelErrors(t *testing.T) {
	c, _ := newTestController(t)
	if _, err := c.List("nope"); err != ErrUnknownLabel {
		t.Fatalf("expected ErrUnknownLabel, got %v", err)
	}
}
