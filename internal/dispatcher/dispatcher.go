// Package dispatcher implements the Request Dispatcher (§4.8): the
// decrypt -> parse -> authorize -> execute -> encrypt -> publish state
// machine every inbound NIP-47 request event runs through.
package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"nip47d/internal/budget"
	"nip47d/internal/cln"
	"nip47d/internal/correlator"
	"nip47d/internal/keyring"
	"nip47d/internal/nwc"
	"nip47d/internal/nwcerr"
	"nip47d/internal/store"
)

// payMethodDeadline and otherMethodDeadline implement §5's per-method
// dispatcher deadlines: pay* methods get more room for CLN pathfinding.
const (
	payMethodDeadline   = 60 * time.Second
	otherMethodDeadline = 5 * time.Second
)

// listTransactionsMaxBytes caps the serialized list_transactions response
// (§4.8.1's wallet-compatibility guard).
const listTransactionsMaxBytes = 128 * 1024

// Publisher publishes a signed, encrypted event to an NWC's relay set.
// *relaypool.Pool satisfies this.
type Publisher interface {
	PublishAll(ctx context.Context, ev *nwc.Event) error
}

// ClnClient is the subset of *cln.Adapter the dispatcher calls, narrowed to
// an interface so tests can substitute a fake node.
type ClnClient interface {
	Pay(ctx context.Context, p cln.PayParams) (*cln.PayResult, error)
	Keysend(ctx context.Context, nodeID string, amountMsat int64, tlvs map[string]string) (*cln.PayResult, error)
	DecodeInvoiceAmount(ctx context.Context, bolt11 string) (int64, error)
	MakeInvoice(ctx context.Context, nwcLabel string, amountMsat *int64, description, descriptionHash string, expirySec *uint32) (*cln.InvoiceResult, error)
	LookupInvoice(ctx context.Context, paymentHashOrBolt11 string) (*cln.Transaction, error)
	ListInvoices(ctx context.Context) ([]cln.Transaction, error)
	ListPays(ctx context.Context) ([]cln.Transaction, error)
	GetInfo(ctx context.Context) (*cln.Info, error)
	ChannelSpendableMsat(ctx context.Context) (int64, error)
	WaitAnyInvoice(ctx context.Context, lastPayIndex uint64) (*cln.Transaction, error)
}

// Dispatcher owns the shared, process-wide services every NWC's requests
// are handled against.
type Dispatcher struct {
	store      *store.Store
	budget     *budget.Engine
	cln        ClnClient
	correlator *correlator.Correlator
	logger     *slog.Logger
}

// New builds a Dispatcher. logger may be nil (defaults to slog.Default()).
func New(st *store.Store, bud *budget.Engine, clnClient ClnClient, corr *correlator.Correlator, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: st, budget: bud, cln: clnClient, correlator: corr, logger: logger}
}

// Handle runs the full state machine for one inbound kind-23194 event
// belonging to the NWC identified by label, publishing its response (if
// any) through pub.
func (d *Dispatcher) Handle(ctx context.Context, label string, pub Publisher, ev *nwc.Event) {
	log := d.logger.With("nwc_label", label, "event_id", ev.ID)

	should, err := d.correlator.ShouldProcess(ctx, ev.ID, ev.CreatedAt)
	if err != nil {
		log.Error("correlator check failed", "error", err)
		return
	}
	if !should {
		return
	}

	rec, found, err := d.store.Get(label)
	if err != nil {
		log.Error("store lookup failed", "error", err)
		return
	}
	if !found {
		// NWC revoked or never existed: §4.8 step 3, drop silently.
		return
	}

	scheme := keyring.SelectScheme(ev)
	plaintext, err := keyring.Decrypt(scheme, rec.WalletKeySecret, ev.PubKey, ev.Content)
	if err != nil {
		// Decrypt failure: drop silently (§4.8 step 1, §7 propagation policy).
		return
	}
	if !keyring.VerifyEventSig(ev.PubKey, ev.ID, ev.Sig) {
		return
	}
	if ev.PubKey != rec.ClientKeyPublic {
		d.respond(ctx, rec, pub, ev, "", nwcerr.New(nwcerr.Unauthorized, "client key does not match this connection"))
		return
	}

	var req request
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
		d.respond(ctx, rec, pub, ev, "", nwcerr.New(nwcerr.Other, "malformed request payload"))
		return
	}

	deadline := otherMethodDeadline
	if req.Method == "pay_invoice" || req.Method == "multi_pay_invoice" ||
		req.Method == "pay_keysend" || req.Method == "multi_pay_keysend" {
		deadline = payMethodDeadline
	}
	mctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	d.dispatch(mctx, rec, pub, ev, req)
}

// dispatch routes to the per-method handler, sending one or more response
// events (multi_pay_* methods send one per entry).
func (d *Dispatcher) dispatch(ctx context.Context, rec *nwc.Record, pub Publisher, reqEv *nwc.Event, req request) {
	var result interface{}
	var resultType = req.Method
	var handlerErr error

	switch req.Method {
	case "pay_invoice":
		result, handlerErr = d.handlePayInvoice(ctx, rec, reqEv, req.Params)
	case "multi_pay_invoice":
		d.handleMultiPayInvoice(ctx, rec, pub, reqEv, req.Params)
		return
	case "pay_keysend":
		result, handlerErr = d.handlePayKeysend(ctx, rec, reqEv, req.Params)
	case "multi_pay_keysend":
		d.handleMultiPayKeysend(ctx, rec, pub, reqEv, req.Params)
		return
	case "make_invoice":
		result, handlerErr = d.handleMakeInvoice(ctx, rec, req.Params)
	case "lookup_invoice":
		result, handlerErr = d.handleLookupInvoice(ctx, req.Params)
	case "list_transactions":
		result, handlerErr = d.handleListTransactions(ctx, req.Params)
	case "get_balance":
		result, handlerErr = d.handleGetBalance(ctx, rec)
	case "get_info":
		result, handlerErr = d.handleGetInfo(ctx)
	default:
		handlerErr = nwcerr.New(nwcerr.NotImplemented, "unsupported method: "+req.Method)
	}

	if ctx.Err() != nil {
		handlerErr = nwcerr.New(nwcerr.Timeout, "method deadline exceeded")
		result = nil
	}

	d.sendResult(context.Background(), rec, pub, reqEv, resultType, result, handlerErr)
}

func (d *Dispatcher) respond(ctx context.Context, rec *nwc.Record, pub Publisher, reqEv *nwc.Event, resultType string, err error) {
	d.sendResult(ctx, rec, pub, reqEv, resultType, nil, err)
}

func (d *Dispatcher) sendResult(ctx context.Context, rec *nwc.Record, pub Publisher, reqEv *nwc.Event, resultType string, result interface{}, handlerErr error) {
	resp := response{ResultType: resultType}
	if handlerErr != nil {
		resp.Error = &wireError{Code: string(nwcerr.CodeOf(handlerErr)), Message: handlerErr.Error()}
	} else if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = &wireError{Code: string(nwcerr.Internal), Message: "failed to serialize result"}
		} else {
			resp.Result = raw
		}
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		d.logger.Error("failed to marshal response envelope", "error", err)
		return
	}

	scheme := keyring.SelectScheme(reqEv)
	ciphertext, err := keyring.Encrypt(scheme, rec.WalletKeySecret, reqEv.PubKey, string(payload))
	if err != nil {
		d.logger.Error("failed to encrypt response", "error", err)
		return
	}

	respEv := &nwc.Event{
		PubKey:    rec.WalletKeyPublic,
		CreatedAt: time.Now().Unix(),
		Kind:      nwc.KindResponse,
		Tags:      [][]string{{"p", reqEv.PubKey}, {"e", reqEv.ID}},
		Content:   ciphertext,
	}
	if scheme == nwc.SchemeNip44v2 {
		respEv.Tags = append(respEv.Tags, []string{"encryption", "nip44_v2"})
	}
	if err := keyring.SignEvent(rec.WalletKeySecret, respEv); err != nil {
		d.logger.Error("failed to sign response event", "error", err)
		return
	}

	if err := pub.PublishAll(ctx, respEv); err != nil {
		d.logger.Warn("failed to publish response to any relay", "error", err)
	}
}
