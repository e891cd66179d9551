package relaypool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"nip47d/internal/nwc"
)

// fakeRelay is a minimal relay: it accepts one connection, echoes back an
// EOSE for any REQ it sees, and can push synthetic EVENT frames in to
// exercise the pool's read path.
func fakeRelay(t *testing.T, onReq func(subID string, raw json.RawMessage)) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame []json.RawMessage
			if json.Unmarshal(data, &frame) != nil || len(frame) == 0 {
				continue
			}
			var msgType string
			json.Unmarshal(frame[0], &msgType)
			if msgType == "REQ" && len(frame) >= 2 {
				var subID string
				json.Unmarshal(frame[1], &subID)
				conn.WriteMessage(websocket.TextMessage, mustJSON([]interface{}{"EOSE", subID}))
				if onReq != nil {
					var filter json.RawMessage
					if len(frame) >= 3 {
						filter = frame[2]
					}
					onReq(subID, filter)
				}
			}
		}
	}))
	return srv, conns
}

func mustJSON(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}

func TestPoolConnectsAndReceivesEvent(t *testing.T) {
	srv, conns := fakeRelay(t, nil)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	received := make(chan *nwc.Event, 1)
	p := New("t1", []string{wsURL}, "walletpub", func(ev *nwc.Event) { received <- ev }, nil)
	p.Start()
	defer p.Stop()

	var conn *websocket.Conn
	select {
	case conn = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("relay never saw a connection")
	}

	ev := &nwc.Event{ID: "abc123", Kind: nwc.KindRequest, Content: "x"}
	conn.WriteMessage(websocket.TextMessage, mustJSON([]interface{}{"EVENT", "nip47-t1", ev}))

	select {
	case got := <-received:
		if got.ID != "abc123" {
			t.Fatalf("got event id %q, want abc123", got.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the pushed event")
	}
}

func TestPoolPublishAllSucceedsWhenOneRelayAccepts(t *testing.T) {
	srvGood, connsGood := fakeRelay(t, nil)
	defer srvGood.Close()
	goodURL := "ws" + strings.TrimPrefix(srvGood.URL, "http")

	// nothing listens on port 1, so this relay never connects
	badURL := "ws://127.0.0.1:1"

	p := New("t2", []string{goodURL, badURL}, "walletpub", func(*nwc.Event) {}, nil)
	p.Start()
	defer p.Stop()

	select {
	case <-connsGood:
	case <-time.After(2 * time.Second):
		t.Fatal("relay never connected")
	}
	// give subscribe() time to mark the conn live in the pool's map
	time.Sleep(50 * time.Millisecond)

	ev := &nwc.Event{ID: "resp1", Kind: nwc.KindResponse}
	if err := p.PublishAll(context.Background(), ev); err != nil {
		t.Fatalf("PublishAll: %v", err)
	}
}
