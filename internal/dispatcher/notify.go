package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"nip47d/internal/cln"
	"nip47d/internal/keyring"
	"nip47d/internal/nwc"
)

// PoolLookup resolves an NWC label to its live Publisher, so notifications
// can be published after the fact without the watcher holding references to
// every relay pool directly.
type PoolLookup func(label string) (Publisher, bool)

// paymentSentPollInterval governs how often RunPaymentSentWatcher re-checks
// list_pays for terminal states (§4.7 outbound correlation).
const paymentSentPollInterval = 2 * time.Second

// RunInvoiceWatcher blocks on WaitAnyInvoice in a loop, emitting
// payment_received notifications (§4.8.2) until ctx is cancelled. One
// instance covers every NWC on the node since CLN's invoice settlement
// stream is process-wide; the NWC label is recovered from the invoice's CLN
// label (set by cln.Adapter.MakeInvoice).
func (d *Dispatcher) RunInvoiceWatcher(ctx context.Context, lookup PoolLookup) {
	var lastIndex uint64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tx, err := d.cln.WaitAnyInvoice(ctx, lastIndex)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("waitanyinvoice failed, retrying", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if tx.PayIndex > lastIndex {
			lastIndex = tx.PayIndex
		}
		d.emitPaymentReceived(ctx, tx, lookup)
	}
}

func (d *Dispatcher) emitPaymentReceived(ctx context.Context, tx *cln.Transaction, lookup PoolLookup) {
	if tx.NWCLabel == "" || tx.State != "settled" {
		return
	}
	rec, found, err := d.store.Get(tx.NWCLabel)
	if err != nil || !found || !rec.NotificationsEnabled {
		return
	}
	if already, err := d.correlator.MarkReceivedNotified(ctx, tx.PaymentHash); err != nil || already {
		return
	}
	pub, ok := lookup(tx.NWCLabel)
	if !ok {
		return
	}
	d.publishNotification(ctx, rec, pub, "payment_received", tx)
}

// RunPaymentSentWatcher polls list_pays for payments that have reached a
// terminal state and are still unnotified, emitting payment_sent (§4.7:
// only a terminal listpays verdict may conclude a payment failed or
// succeeded; intermediate attempt failures must not suppress the eventual
// terminal notification).
func (d *Dispatcher) RunPaymentSentWatcher(ctx context.Context, lookup PoolLookup) {
	ticker := time.NewTicker(paymentSentPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pollPaymentSent(ctx, lookup)
		}
	}
}

func (d *Dispatcher) pollPaymentSent(ctx context.Context, lookup PoolLookup) {
	pays, err := d.cln.ListPays(ctx)
	if err != nil {
		d.logger.Warn("list_pays poll failed", "error", err)
		return
	}
	for i := range pays {
		tx := &pays[i]
		if tx.State != "settled" && tx.State != "failed" {
			continue // pending: not yet a terminal verdict
		}
		ob, found, err := d.correlator.LookupOutbound(ctx, tx.PaymentHash)
		if err != nil || !found {
			continue // not a payment this plugin originated, or already evicted
		}
		if already, err := d.correlator.MarkNotified(ctx, tx.PaymentHash); err != nil || already {
			continue
		}
		rec, found, err := d.store.Get(ob.Label)
		if err != nil || !found || !rec.NotificationsEnabled {
			continue
		}
		pub, ok := lookup(ob.Label)
		if !ok {
			continue
		}
		d.publishNotification(ctx, rec, pub, "payment_sent", tx)
		d.correlator.EvictOutbound(ctx, tx.PaymentHash)
	}
}

func (d *Dispatcher) publishNotification(ctx context.Context, rec *nwc.Record, pub Publisher, kind string, tx *cln.Transaction) {
	body := notificationBody{
		Type:        kind,
		Invoice:     tx.Invoice,
		Description: tx.Description,
		Preimage:    tx.Preimage,
		PaymentHash: tx.PaymentHash,
		Amount:      tx.AmountMsat,
		FeesPaid:    tx.FeesPaidMsat,
		SettledAt:   tx.SettledAt,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		d.logger.Error("failed to marshal notification body", "error", err)
		return
	}

	ciphertext, err := keyring.EncryptNip44(rec.WalletKeySecret, rec.ClientKeyPublic, string(payload))
	if err != nil {
		d.logger.Error("failed to encrypt notification", "error", err)
		return
	}

	ev := &nwc.Event{
		PubKey:    rec.WalletKeyPublic,
		CreatedAt: time.Now().Unix(),
		Kind:      nwc.KindNotification,
		Tags:      [][]string{{"p", rec.ClientKeyPublic}, {"encryption", "nip44_v2"}},
		Content:   ciphertext,
	}
	if err := keyring.SignEvent(rec.WalletKeySecret, ev); err != nil {
		d.logger.Error("failed to sign notification event", "error", err)
		return
	}
	if err := pub.PublishAll(ctx, ev); err != nil {
		d.logger.Warn("failed to publish notification to any relay", "error", err)
	}
}
