package relaypool

import (
	"testing"

	"nip47d/internal/nwc"
)

func TestMarkProcessedOnlyAdvances(t *testing.T) {
	p := &Pool{}
	p.MarkProcessed(100)
	p.MarkProcessed(50)
	if got := p.lastProcessed.Load(); got != 100 {
		t.Fatalf("lastProcessed = %d, want 100 (should never move backward)", got)
	}
	p.MarkProcessed(150)
	if got := p.lastProcessed.Load(); got != 150 {
		t.Fatalf("lastProcessed = %d, want 150", got)
	}
}

func TestSinceFilterFallsBackToNowBeforeAnyEventProcessed(t *testing.T) {
	p := &Pool{}
	if got := p.sinceFilter(1_700_000_000); got != 1_700_000_000 {
		t.Fatalf("since = %d, want now (%d) on first connect", got, 1_700_000_000)
	}
}

func TestSinceFilterUsesLastProcessedMinus60(t *testing.T) {
	p := &Pool{}
	p.MarkProcessed(1_700_000_500)
	got := p.sinceFilter(1_700_001_000)
	want := int64(1_700_000_500 - 60)
	if got != want {
		t.Fatalf("since = %d, want %d", got, want)
	}
}

func TestSinceFilterNeverExceedsNow(t *testing.T) {
	p := &Pool{}
	p.MarkProcessed(2_000_000_000) // far in the future relative to "now" below
	got := p.sinceFilter(1_000_000_000)
	if got != 1_000_000_000 {
		t.Fatalf("since = %d, want clamped to now", got)
	}
}

func TestHandleMessageDispatchesEventToHandler(t *testing.T) {
	var got *nwc.Event
	p := New("test", nil, "walletpub", func(ev *nwc.Event) { got = ev }, nil)

	frame := `["EVENT","sub1",{"id":"abc","pubkey":"def","created_at":123,"kind":23194,"tags":[],"content":"ciphertext","sig":"sig"}]`
	p.handleMessage([]byte(frame), "wss://relay.example")

	if got == nil {
		t.Fatal("handler was not invoked")
	}
	if got.ID != "abc" || got.Kind != 23194 {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestHandleMessageIgnoresNonEventFrames(t *testing.T) {
	called := false
	p := New("test", nil, "walletpub", func(ev *nwc.Event) { called = true }, nil)

	for _, frame := range []string{
		`["EOSE","sub1"]`,
		`["NOTICE","rate limited"]`,
		`["CLOSED","sub1","reason"]`,
		`not even json`,
		`[]`,
	} {
		p.handleMessage([]byte(frame), "wss://relay.example")
	}
	if called {
		t.Fatal("handler should not fire for non-EVENT frames")
	}
}
