// Package store implements the durable, transactional NWC record table
// (§4.2): get/put/delete/iter plus a row-exclusive with_row closure that
// budget mutations run inside.
package store

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"

	"nip47d/internal/nwc"
)

const (
	recordsBucket = "nwc_records"
	metaBucket    = "meta"
	schemaKey     = "schema_version"

	// schemaVersion is bumped whenever Record's on-disk shape changes
	// incompatibly. Unknown versions refuse to load (§6 persisted state layout).
	schemaVersion = 1
)

// Store is the single persistent-state handle for the plugin. It is safe
// for concurrent use; row-level serialization is provided by WithRow, not
// by excluding readers of other rows.
type Store struct {
	db *bbolt.DB

	rowMu   sync.Mutex
	rowLock map[string]*sync.Mutex
}

// Open opens (creating if absent) the bbolt-backed store at path and
// validates its schema version.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	s := &Store{db: db, rowLock: make(map[string]*sync.Mutex)}

	err = db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(recordsBucket)); err != nil {
			return err
		}

		existing := meta.Get([]byte(schemaKey))
		if existing == nil {
			return meta.Put([]byte(schemaKey), []byte(fmt.Sprintf("%d", schemaVersion)))
		}
		var got int
		if _, err := fmt.Sscanf(string(existing), "%d", &got); err != nil {
			return fmt.Errorf("store: corrupt schema_version: %w", err)
		}
		if got != schemaVersion {
			return fmt.Errorf("store: unsupported schema version %d (want %d)", got, schemaVersion)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close flushes and closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get loads the record for label, if any.
func (s *Store) Get(label string) (*nwc.Record, bool, error) {
	var rec *nwc.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(recordsBucket))
		raw := b.Get([]byte(label))
		if raw == nil {
			return nil
		}
		rec = &nwc.Record{}
		return json.Unmarshal(raw, rec)
	})
	if err != nil {
		return nil, false, fmt.Errorf("store: get %s: %w", label, err)
	}
	return rec, rec != nil, nil
}

// Put writes rec write-through, creating or overwriting its row.
func (s *Store) Put(rec *nwc.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", rec.Label, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(recordsBucket))
		return b.Put([]byte(rec.Label), raw)
	})
	if err != nil {
		return fmt.Errorf("store: put %s: %w", rec.Label, err)
	}
	return nil
}

// Delete removes label's row, if present.
func (s *Store) Delete(label string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(recordsBucket))
		return b.Delete([]byte(label))
	})
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", label, err)
	}
	return nil
}

// Iter returns every row currently in the store, used at startup to spin
// up one Relay Pool per row.
func (s *Store) Iter() ([]*nwc.Record, error) {
	var out []*nwc.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(recordsBucket))
		return b.ForEach(func(k, v []byte) error {
			rec := &nwc.Record{}
			if err := json.Unmarshal(v, rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: iter: %w", err)
	}
	return out, nil
}

// WithRow holds an exclusive lock on label's row for the duration of f,
// so budget mutations are atomic with respect to other handlers racing on
// the same NWC (§4.2). f receives the current record (nil if the row does
// not exist) and returns the record to persist; returning a nil record
// with a nil error leaves the row untouched (read-only use); returning an
// error aborts the write.
func (s *Store) WithRow(label string, f func(rec *nwc.Record) (*nwc.Record, error)) error {
	lock := s.lockFor(label)
	lock.Lock()
	defer lock.Unlock()

	rec, found, err := s.Get(label)
	if err != nil {
		return err
	}
	if !found {
		rec = nil
	}

	updated, err := f(rec)
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}
	return s.Put(updated)
}

func (s *Store) lockFor(label string) *sync.Mutex {
	s.rowMu.Lock()
	defer s.rowMu.Unlock()
	l, ok := s.rowLock[label]
	if !ok {
		l = &sync.Mutex{}
		s.rowLock[label] = l
	}
	return l
}
