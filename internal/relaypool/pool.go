// Package relaypool maintains one persistent WebSocket per configured relay
// for a single NWC connection, re-subscribing to inbound requests on every
// (re)connect and fanning out published events to all relays at once.
// Adapted from the teacher's relay_pool.go, which kept one global pool
// shared by every caller — here each NWC gets its own Pool instance, and
// the subscription filter and reconnect backoff are driven by §4.5 rather
// than the teacher's general-purpose defaults.
package relaypool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"nip47d/internal/nwc"
)

// RequestHandler is invoked for each inbound kind-23194 event addressed to
// the pool's wallet pubkey. The pool calls it synchronously from that
// relay's read loop, so no further frames from that relay are read until it
// returns.
type RequestHandler func(ev *nwc.Event)

type relayConn struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	connected bool
}

// Pool manages the relay set for a single NWC connection record.
type Pool struct {
	label     string
	relays    []string
	walletPub string
	handler   RequestHandler
	logger    *slog.Logger

	lastProcessed atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connsMu sync.RWMutex
	conns   map[string]*relayConn
}

// New builds a Pool for label, serving walletPub's inbound requests over
// relays. Call Start to begin connecting.
func New(label string, relays []string, walletPub string, handler RequestHandler, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		label:     label,
		relays:    relays,
		walletPub: walletPub,
		handler:   handler,
		logger:    logger.With("nwc_label", label),
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[string]*relayConn),
	}
	for _, r := range relays {
		p.conns[r] = &relayConn{}
	}
	return p
}

// Start launches a connect-and-serve goroutine per relay. Safe to call once.
func (p *Pool) Start() {
	for _, relayURL := range p.relays {
		p.wg.Add(1)
		go p.connectLoop(relayURL)
	}
}

// Stop tears down every relay connection and waits for goroutines to exit.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
}

// MarkProcessed records createdAt as the most recent event forwarded to the
// handler, advancing it only forward. Used to compute the since filter on
// reconnect (§4.5: since = max(created_at, last_processed_created_at - 60s)).
func (p *Pool) MarkProcessed(createdAt int64) {
	for {
		cur := p.lastProcessed.Load()
		if createdAt <= cur {
			return
		}
		if p.lastProcessed.CompareAndSwap(cur, createdAt) {
			return
		}
	}
}

func (p *Pool) sinceFilter(nowUnix int64) int64 {
	last := p.lastProcessed.Load()
	if last == 0 {
		// no event processed yet: don't replay the relay's full history.
		return nowUnix
	}
	candidate := last - 60
	if candidate > nowUnix {
		return nowUnix
	}
	return candidate
}

func (p *Pool) connectLoop(relayURL string) {
	defer p.wg.Done()
	attempt := 0
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if !isURLSafe(relayURL) {
			p.logger.Error("relay url rejected by safety check", "relay", relayURL)
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(p.ctx, relayURL, nil)
		if err != nil {
			p.logger.Warn("relay dial failed", "relay", relayURL, "error", err, "attempt", attempt)
			if !p.sleepBackoff(attempt) {
				return
			}
			attempt++
			continue
		}

		// Stop cancels p.ctx; closing the socket then unblocks subscribe and
		// readLoop so connectLoop can return.
		stopClose := context.AfterFunc(p.ctx, func() { conn.Close() })

		rc := p.conns[relayURL]
		rc.mu.Lock()
		rc.conn = conn
		rc.connected = true
		rc.mu.Unlock()

		p.logger.Info("relay connected", "relay", relayURL)
		attempt = 0

		if err := p.subscribe(rc, relayURL); err != nil {
			p.logger.Warn("relay subscribe failed", "relay", relayURL, "error", err)
			stopClose()
			conn.Close()
			rc.mu.Lock()
			rc.connected = false
			rc.conn = nil
			rc.mu.Unlock()
			if !p.sleepBackoff(attempt) {
				return
			}
			attempt++
			continue
		}

		p.readLoop(rc, conn, relayURL)
		stopClose()

		rc.mu.Lock()
		rc.connected = false
		rc.conn = nil
		rc.mu.Unlock()

		select {
		case <-p.ctx.Done():
			return
		default:
		}
		if !p.sleepBackoff(attempt) {
			return
		}
		attempt++
	}
}

func (p *Pool) sleepBackoff(attempt int) bool {
	d := nextBackoff(attempt)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (p *Pool) subscribe(rc *relayConn, relayURL string) error {
	since := p.sinceFilter(time.Now().Unix())
	filter := nwc.Filter{
		Kinds: []int{nwc.KindRequest},
		PTags: []string{p.walletPub},
		Since: &since,
	}
	req := []interface{}{"REQ", "nip47-" + p.label, filter}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	rc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return rc.conn.WriteMessage(websocket.TextMessage, payload)
}

func (p *Pool) readLoop(rc *relayConn, conn *websocket.Conn, relayURL string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			p.logger.Debug("relay read loop ended", "relay", relayURL, "error", err)
			return
		}
		p.handleMessage(data, relayURL)
	}
}

func (p *Pool) handleMessage(data []byte, relayURL string) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) == 0 {
		return
	}
	var msgType string
	if err := json.Unmarshal(frame[0], &msgType); err != nil {
		return
	}

	switch msgType {
	case "EVENT":
		if len(frame) < 3 {
			return
		}
		var ev nwc.Event
		if err := json.Unmarshal(frame[2], &ev); err != nil {
			p.logger.Warn("malformed EVENT frame", "relay", relayURL, "error", err)
			return
		}
		if p.handler != nil {
			p.handler(&ev)
		}
	case "EOSE":
		p.logger.Debug("relay EOSE", "relay", relayURL)
	case "NOTICE":
		var notice string
		if len(frame) >= 2 {
			json.Unmarshal(frame[1], &notice)
		}
		p.logger.Info("relay NOTICE", "relay", relayURL, "message", notice)
	case "CLOSED":
		p.logger.Debug("relay CLOSED subscription", "relay", relayURL)
	}
}

// PublishAll fans out ev to every configured relay in parallel via
// errgroup, then applies success-on-any semantics (§4.5): it returns nil if
// at least one relay accepted the publish, and a combined error only if
// every relay failed.
func (p *Pool) PublishAll(ctx context.Context, ev *nwc.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal([]interface{}{"EVENT", ev})
	if err != nil {
		return fmt.Errorf("relaypool: marshal event: %w", err)
	}

	var mu sync.Mutex
	var okCount int
	var lastErr error

	var g errgroup.Group
	for _, relayURL := range p.relays {
		relayURL := relayURL
		g.Go(func() error {
			err := p.publishOne(relayURL, payload)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				p.logger.Warn("publish failed on relay", "relay", relayURL, "error", err)
				return nil // don't let errgroup cancel siblings on one failure
			}
			okCount++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if okCount > 0 {
		return nil
	}
	return fmt.Errorf("relaypool: publish failed on all relays: %w", lastErr)
}

func (p *Pool) publishOne(relayURL string, payload []byte) error {
	p.connsMu.RLock()
	rc, ok := p.conns[relayURL]
	p.connsMu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown relay %s", relayURL)
	}

	rc.mu.Lock()
	conn := rc.conn
	connected := rc.connected
	rc.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("relay %s not connected", relayURL)
	}

	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
