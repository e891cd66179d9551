package correlator

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// ProcessedEventTTL bounds the inbound de-dup set. It must be at least 2x
// the largest created_at delta the relay pool's reconnect "since" filter
// honors (§4.5's 60s clock-skew slack); 24h comfortably covers relay
// redelivery windows after reconnects and restarts while bounding memory.
const ProcessedEventTTL = 24 * time.Hour

// OutboundTTL bounds the payment_hash correlation table (§3): entries are
// evicted on terminal delivery or after this ceiling, whichever is first.
const OutboundTTL = 24 * time.Hour

// Correlator implements §4.7: the inbound dedup filter and the outbound
// payment_hash → (label, request_event_id) correlation table. One
// Correlator instance is shared process-wide; keys are prefixed by table
// ("seen:" event id, "pay:" and "recv:" payment hash) and are not scoped
// per NWC label, so all connections share one processed-event set.
type Correlator struct {
	backend          Backend
	processStartTime int64

	notifyMu sync.Mutex
}

// New builds a Correlator; processStartTime is the Unix time the plugin
// started (§4.7 rule 1: events older than this are never dispatched).
func New(backend Backend, processStartTime int64) *Correlator {
	return &Correlator{backend: backend, processStartTime: processStartTime}
}

// ShouldProcess applies the inbound filter (§4.7 rules 1-3): events older
// than process start are dropped, already-seen ids are dropped, and a
// fresh id is recorded with ProcessedEventTTL before returning true.
func (c *Correlator) ShouldProcess(ctx context.Context, eventID string, createdAt int64) (bool, error) {
	if createdAt < c.processStartTime {
		return false, nil
	}

	key := "seen:" + eventID
	_, found, err := c.backend.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}

	if err := c.backend.Set(ctx, key, []byte{1}, ProcessedEventTTL); err != nil {
		return false, err
	}
	return true, nil
}

// Outbound is the correlation-table entry for one in-flight payment.
type Outbound struct {
	Label           string `json:"label"`
	RequestEventID  string `json:"request_event_id"`
	NotifiedSent    bool   `json:"notified_sent"`
}

// RecordOutbound registers paymentHash as belonging to the given NWC label
// and originating request, so a later CLN terminal event can be correlated
// back to the right connection and request (§3, §4.7).
func (c *Correlator) RecordOutbound(ctx context.Context, paymentHash, label, requestEventID string) error {
	ob := Outbound{Label: label, RequestEventID: requestEventID}
	raw, err := json.Marshal(ob)
	if err != nil {
		return err
	}
	return c.backend.Set(ctx, "pay:"+paymentHash, raw, OutboundTTL)
}

// LookupOutbound returns the correlation entry for paymentHash, if any.
func (c *Correlator) LookupOutbound(ctx context.Context, paymentHash string) (*Outbound, bool, error) {
	raw, found, err := c.backend.Get(ctx, "pay:"+paymentHash)
	if err != nil || !found {
		return nil, found, err
	}
	var ob Outbound
	if err := json.Unmarshal(raw, &ob); err != nil {
		return nil, false, err
	}
	return &ob, true, nil
}

// MarkNotified records that the first terminal payment_sent notification
// for paymentHash has been emitted, so repeated list_pays polls that see the
// same terminal payment only fire once (§4.8.2 dedup rule: the Correlator
// wins on event-id insertion — here, on the first successful MarkNotified
// swap).
func (c *Correlator) MarkNotified(ctx context.Context, paymentHash string) (alreadyNotified bool, err error) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	ob, found, err := c.LookupOutbound(ctx, paymentHash)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if ob.NotifiedSent {
		return true, nil
	}
	ob.NotifiedSent = true
	raw, err := json.Marshal(ob)
	if err != nil {
		return false, err
	}
	if err := c.backend.Set(ctx, "pay:"+paymentHash, raw, OutboundTTL); err != nil {
		return false, err
	}
	return false, nil
}

// ReceivedNotifiedTTL bounds the payment_received de-dup set, mirroring
// OutboundTTL: long enough to survive a relay/watcher restart, short enough
// not to grow unbounded.
const ReceivedNotifiedTTL = 24 * time.Hour

// MarkReceivedNotified records that payment_received has already been
// emitted for paymentHash, independent of the outbound correlation table
// (an incoming invoice has no RecordOutbound entry to piggyback on) — the
// first caller to see alreadyNotified=false owns emitting the notification
// (§4.8.2: "only the first terminal observation per payment_hash").
func (c *Correlator) MarkReceivedNotified(ctx context.Context, paymentHash string) (alreadyNotified bool, err error) {
	key := "recv:" + paymentHash
	_, found, err := c.backend.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if found {
		return true, nil
	}
	if err := c.backend.Set(ctx, key, []byte{1}, ReceivedNotifiedTTL); err != nil {
		return false, err
	}
	return false, nil
}

// EvictOutbound removes paymentHash's correlation entry once its terminal
// CLN event has been delivered to all relays.
func (c *Correlator) EvictOutbound(ctx context.Context, paymentHash string) error {
	return c.backend.Delete(ctx, "pay:"+paymentHash)
}

// Close releases the underlying backend.
func (c *Correlator) Close() error {
	return c.backend.Close()
}
