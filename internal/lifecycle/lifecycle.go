// Package lifecycle implements the Lifecycle Controller (§4.9): the
// create/revoke/budget/list commands and the per-NWC Relay Pool supervisors
// those commands start and stop.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"nip47d/internal/dispatcher"
	"nip47d/internal/keyring"
	"nip47d/internal/nwc"
	"nip47d/internal/relaypool"
	"nip47d/internal/store"
	"nip47d/internal/timeparse"
)

// Now is overridable in tests.
var Now = func() int64 { return time.Now().Unix() }

var (
	ErrDuplicateLabel     = errors.New("lifecycle: label already exists")
	ErrUnknownLabel       = errors.New("lifecycle: no such label")
	ErrIntervalNeedsBudget = errors.New("lifecycle: interval requires a non-zero budget_msat")
)

// Controller owns the live Relay Pool supervisors — one per NWC row — and
// serializes create/revoke/budget against the persistent store.
type Controller struct {
	st            *store.Store
	dispatcher    *dispatcher.Dispatcher
	relays        []string // frozen at plugin startup from the nip47-relays option (§4.9)
	notifyDefault bool     // nip47-notifications option value, mirrored onto new rows (§3)
	logger        *slog.Logger

	mu    sync.Mutex
	pools map[string]*relaypool.Pool
}

// New builds a Controller. relays is the current nip47-relays option value;
// every NWC created from this point on freezes a copy of it (§4.9: "subsequent
// option changes don't migrate existing NWCs"). notifyDefault is the current
// nip47-notifications option value, mirrored onto every NWC created from this
// point on (§3).
func New(st *store.Store, disp *dispatcher.Dispatcher, relays []string, notifyDefault bool, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		st:            st,
		dispatcher:    disp,
		relays:        append([]string(nil), relays...),
		notifyDefault: notifyDefault,
		logger:        logger,
		pools:         make(map[string]*relaypool.Pool),
	}
}

// StartAll spins up a Relay Pool for every row already on disk, run
// concurrently at plugin boot (§11 domain stack: errgroup fan-out).
func (c *Controller) StartAll(ctx context.Context) error {
	recs, err := c.st.Iter()
	if err != nil {
		return fmt.Errorf("lifecycle: list rows at startup: %w", err)
	}
	var g errgroup.Group
	for _, rec := range recs {
		rec := rec
		g.Go(func() error {
			c.startPool(rec)
			return nil
		})
	}
	return g.Wait()
}

func (c *Controller) startPool(rec *nwc.Record) {
	var pool *relaypool.Pool
	pool = relaypool.New(rec.Label, rec.Relays, rec.WalletKeyPublic, func(ev *nwc.Event) {
		c.dispatcher.Handle(context.Background(), rec.Label, pool, ev)
		pool.MarkProcessed(ev.CreatedAt)
	}, c.logger)
	pool.Start()

	c.mu.Lock()
	c.pools[rec.Label] = pool
	c.mu.Unlock()
}

func (c *Controller) poolFor(label string) dispatcher.Publisher {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pools[label]
}

// Lookup resolves label to its live Publisher for the notification
// watchers (dispatcher.PoolLookup).
func (c *Controller) Lookup(label string) (dispatcher.Publisher, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pools[label]
	return p, ok
}

// Create implements nip47-create (§4.9, §6).
func (c *Controller) Create(ctx context.Context, label string, budgetMsat *int64, intervalRaw string) (*nwc.Record, string, error) {
	if _, found, err := c.st.Get(label); err != nil {
		return nil, "", err
	} else if found {
		return nil, "", ErrDuplicateLabel
	}

	var intervalSecs *uint64
	if intervalRaw != "" {
		secs, err := timeparse.ParseSeconds(intervalRaw)
		if err != nil {
			return nil, "", fmt.Errorf("lifecycle: %w", err)
		}
		intervalSecs = &secs
	}
	if intervalSecs != nil && (budgetMsat == nil || *budgetMsat == 0) {
		return nil, "", ErrIntervalNeedsBudget
	}

	wallet, err := keyring.GenerateKeyPair()
	if err != nil {
		return nil, "", fmt.Errorf("lifecycle: generate wallet keypair: %w", err)
	}
	client, err := keyring.GenerateKeyPair()
	if err != nil {
		return nil, "", fmt.Errorf("lifecycle: generate client keypair: %w", err)
	}

	now := Now()
	rec := &nwc.Record{
		Label:                label,
		WalletKeySecret:      wallet.SecretHex,
		WalletKeyPublic:      wallet.PublicHex,
		ClientKeySecret:      client.SecretHex,
		ClientKeyPublic:      client.PublicHex,
		Relays:               append([]string(nil), c.relays...), // frozen at creation time
		BudgetMsat:           budgetMsat,
		IntervalSecs:         intervalSecs,
		WindowStart:          now,
		CreatedAt:            now,
		NotificationsEnabled: c.notifyDefault,
	}
	if err := c.st.Put(rec); err != nil {
		return nil, "", fmt.Errorf("lifecycle: persist new row: %w", err)
	}

	c.startPool(rec)
	c.publishInfoEvent(ctx, rec)

	return rec, nwc.BuildURI(rec), nil
}

// Revoke implements nip47-revoke (§4.9). It stops and joins the Relay Pool
// task even if it never managed to connect to any relay (bugfix 0.1.2).
func (c *Controller) Revoke(ctx context.Context, label string) error {
	c.mu.Lock()
	pool, found := c.pools[label]
	delete(c.pools, label)
	c.mu.Unlock()

	if pool != nil {
		pool.Stop()
	}
	if !found {
		if _, storeFound, err := c.st.Get(label); err != nil {
			return err
		} else if !storeFound {
			return ErrUnknownLabel
		}
	}
	return c.st.Delete(label)
}

// Budget implements nip47-budget (§4.9): a row-exclusive update that resets
// window_start when the interval changes and re-publishes info_event if the
// connection's receive-only status flips.
func (c *Controller) Budget(ctx context.Context, label string, budgetMsat *int64, intervalRaw string) (*nwc.Record, error) {
	var intervalSecs *uint64
	if intervalRaw != "" {
		secs, err := timeparse.ParseSeconds(intervalRaw)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: %w", err)
		}
		intervalSecs = &secs
	}

	var updated *nwc.Record
	var wasReceiveOnly, nowReceiveOnly bool
	err := c.st.WithRow(label, func(rec *nwc.Record) (*nwc.Record, error) {
		if rec == nil {
			return nil, ErrUnknownLabel
		}
		wasReceiveOnly = rec.ReceiveOnly()

		intervalChanged := !uint64PtrEqual(rec.IntervalSecs, intervalSecs)
		rec.BudgetMsat = budgetMsat
		rec.IntervalSecs = intervalSecs
		if intervalChanged {
			rec.WindowStart = Now()
			rec.SpentMsat = 0
		}
		nowReceiveOnly = rec.ReceiveOnly()
		updated = rec
		return rec, nil
	})
	if err != nil {
		return nil, err
	}

	if wasReceiveOnly != nowReceiveOnly {
		c.publishInfoEvent(ctx, updated)
	}
	return updated, nil
}

// List implements nip47-list (§4.9, §6). An empty label returns every row.
func (c *Controller) List(label string) ([]*nwc.Record, error) {
	if label != "" {
		rec, found, err := c.st.Get(label)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, ErrUnknownLabel
		}
		return []*nwc.Record{rec}, nil
	}
	return c.st.Iter()
}

type infoEventContent struct {
	Methods       []string `json:"methods"`
	Notifications []string `json:"notifications,omitempty"`
	Encryptions   []string `json:"encryptions"`
}

// publishInfoEvent announces supported methods/notifications/encryptions
// (§6, §4.9). Info events are plaintext — unlike requests/responses, they
// are not addressed to a specific client.
func (c *Controller) publishInfoEvent(ctx context.Context, rec *nwc.Record) {
	pool := c.poolFor(rec.Label)
	if pool == nil {
		return
	}

	// Receive-only NWCs (budget_msat == 0) advertise no payment methods at
	// all (§3, §4.5, §8 invariant 7): an empty methods list, not just the
	// four pay* entries withheld.
	methods := dispatcher.SupportedMethods
	if rec.ReceiveOnly() {
		methods = []string{} // marshals to [], not null (§8 scenario S1)
	}

	var notifications []string
	if rec.NotificationsEnabled {
		notifications = []string{"payment_received", "payment_sent"}
	}
	content := infoEventContent{
		Methods:       methods,
		Notifications: notifications,
		Encryptions:   []string{"nip04", "nip44_v2"},
	}
	raw, err := json.Marshal(content)
	if err != nil {
		c.logger.Error("failed to marshal info_event content", "error", err)
		return
	}

	tags := make([][]string, 0, len(methods)+1)
	for _, m := range methods {
		tags = append(tags, []string{"method", m})
	}
	if rec.NotificationsEnabled {
		tags = append(tags, []string{"notifications", "payment_received payment_sent"})
	}

	ev := &nwc.Event{
		PubKey:    rec.WalletKeyPublic,
		CreatedAt: Now(),
		Kind:      nwc.KindInfo,
		Tags:      tags,
		Content:   string(raw),
	}
	if err := keyring.SignEvent(rec.WalletKeySecret, ev); err != nil {
		c.logger.Error("failed to sign info_event", "error", err)
		return
	}
	if err := pool.PublishAll(ctx, ev); err != nil {
		c.logger.Warn("failed to publish info_event to any relay", "error", err)
	}
}

func uint64PtrEqual(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
