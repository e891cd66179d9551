// Package correlator implements the Event Correlator (§4.7): the inbound
// processed-event de-dup set and the outbound payment_hash correlation
// table, both TTL-bounded and backed by a pluggable CacheBackend the way
// the teacher's cache layer swaps CacheBackend implementations.
package correlator

import (
	"context"
	"time"
)

// Backend is the minimal TTL key/value contract the correlator needs.
// Modeled on the teacher's CacheBackend interface (cache_interface.go),
// trimmed to Get/Set/Delete since the correlator never needs GetMultiple.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
