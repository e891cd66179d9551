package store

import (
	"path/filepath"
	"testing"

	"go.etcd.io/bbolt"

	"nip47d/internal/nwc"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nip47.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTestStore(t)

	rec := &nwc.Record{Label: "daily", WalletKeyPublic: "wpub", CreatedAt: 100}
	if err := s.Put(rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, found, err := s.Get("daily")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.WalletKeyPublic != "wpub" {
		t.Errorf("got %+v", got)
	}

	if err := s.Delete("daily"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, found, err = s.Get("daily")
	if err != nil || found {
		t.Fatalf("expected row gone, found=%v err=%v", found, err)
	}
}

func TestIter(t *testing.T) {
	s := openTestStore(t)
	for _, label := range []string{"a", "b", "c"} {
		if err := s.Put(&nwc.Record{Label: label}); err != nil {
			t.Fatalf("put %s: %v", label, err)
		}
	}
	rows, err := s.Iter()
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("want 3 rows, got %d", len(rows))
	}
}

func TestWithRowAtomicity(t *testing.T) {
	s := openTestStore(t)
	budget := int64(5000)
	if err := s.Put(&nwc.Record{Label: "x", BudgetMsat: &budget}); err != nil {
		t.Fatalf("put: %v", err)
	}

	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func() {
			s.WithRow("x", func(rec *nwc.Record) (*nwc.Record, error) {
				rec.SpentMsat += 1
				return rec, nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}

	got, _, err := s.Get("x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SpentMsat != 50 {
		t.Errorf("lost updates: spent_msat = %d, want 50", got.SpentMsat)
	}
}

func TestOpenRejectsUnknownSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nip47.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.Close()

	// Corrupt the schema version directly via bbolt, bypassing Store.
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		t.Fatalf("reopen raw: %v", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(metaBucket)).Put([]byte(schemaKey), []byte("99"))
	})
	db.Close()
	if err != nil {
		t.Fatalf("corrupt schema: %v", err)
	}

	if _, err := Open(path); err == nil {
		t.Error("expected Open to refuse an unknown schema version")
	}
}
