package correlator

import (
	"context"
	"testing"
	"time"
)

func newTestCorrelator(processStart int64) *Correlator {
	return New(NewMemoryBackend(50*time.Millisecond), processStart)
}

func TestShouldProcessDropsStaleAndDuplicate(t *testing.T) {
	ctx := context.Background()
	c := newTestCorrelator(1000)
	defer c.Close()

	ok, err := c.ShouldProcess(ctx, "e1", 999)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if ok {
		t.Error("event older than process start must be dropped")
	}

	ok, err = c.ShouldProcess(ctx, "e2", 1001)
	if err != nil || !ok {
		t.Fatalf("expected fresh event to be processed, ok=%v err=%v", ok, err)
	}

	ok, err = c.ShouldProcess(ctx, "e2", 1001)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if ok {
		t.Error("duplicate event id must be dropped on second delivery")
	}
}

func TestOutboundCorrelationRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestCorrelator(0)
	defer c.Close()

	if err := c.RecordOutbound(ctx, "hash1", "daily", "req1"); err != nil {
		t.Fatalf("record: %v", err)
	}

	ob, found, err := c.LookupOutbound(ctx, "hash1")
	if err != nil || !found {
		t.Fatalf("lookup: found=%v err=%v", found, err)
	}
	if ob.Label != "daily" || ob.RequestEventID != "req1" {
		t.Errorf("unexpected entry: %+v", ob)
	}

	if err := c.EvictOutbound(ctx, "hash1"); err != nil {
		t.Fatalf("evict: %v", err)
	}
	_, found, err = c.LookupOutbound(ctx, "hash1")
	if err != nil || found {
		t.Fatalf("expected entry evicted, found=%v err=%v", found, err)
	}
}

func TestMarkNotifiedOnlyFiresOnce(t *testing.T) {
	ctx := context.Background()
	c := newTestCorrelator(0)
	defer c.Close()

	if err := c.RecordOutbound(ctx, "hash2", "daily", "req2"); err != nil {
		t.Fatalf("record: %v", err)
	}

	already, err := c.MarkNotified(ctx, "hash2")
	if err != nil {
		t.Fatalf("mark 1: %v", err)
	}
	if already {
		t.Error("first MarkNotified should report not-already-notified")
	}

	already, err = c.MarkNotified(ctx, "hash2")
	if err != nil {
		t.Fatalf("mark 2: %v", err)
	}
	if !already {
		t.Error("second MarkNotified should report already-notified")
	}
}

func TestMarkReceivedNotifiedOnlyFiresOnceWithNoOutboundEntry(t *testing.T) {
	ctx := context.Background()
	c := newTestCorrelator(0)
	defer c.Close()

	// An incoming invoice has no RecordOutbound entry; MarkReceivedNotified
	// must not depend on one.
	already, err := c.MarkReceivedNotified(ctx, "hash3")
	if err != nil {
		t.Fatalf("mark 1: %v", err)
	}
	if already {
		t.Error("first MarkReceivedNotified should report not-already-notified")
	}

	already, err = c.MarkReceivedNotified(ctx, "hash3")
	if err != nil {
		t.Fatalf("mark 2: %v", err)
	}
	if !already {
		t.Error("second MarkReceivedNotified should report already-notified")
	}
}
