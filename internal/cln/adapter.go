// Package cln implements the CLN Adapter (§4.4): typed wrappers around the
// node RPC calls the Request Dispatcher needs, normalizing CLN's responses
// so a missing optional field (notably both bolt11 and bolt12 absent on a
// listpays record, per §7) never panics a handler.
package cln

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/niftynei/glightning/glightning"
	"github.com/niftynei/glightning/jrpc2"

	"nip47d/internal/nwcerr"
)

// Adapter wraps a live glightning.Lightning RPC connection to the host
// CLN process, the pattern grounded on the glightning predecessor's
// Lightning/Request(req, &result) wrapper style.
type Adapter struct {
	rpc        *glightning.Lightning
	hasXPay    bool
}

// New wraps an already-started glightning.Lightning client. hasXPay
// reflects whether the node's help command listed an xpay command,
// decided once at startup (§4.4 "if the node advertises xpay, use it").
func New(rpc *glightning.Lightning, hasXPay bool) *Adapter {
	return &Adapter{rpc: rpc, hasXPay: hasXPay}
}

// PayResult is the common shape pay/xpay/keysend return to the dispatcher.
type PayResult struct {
	Preimage     string
	PaymentHash  string
	FeesPaidMsat int64
}

// PayParams bundles the pay_invoice / multi_pay_invoice arguments.
type PayParams struct {
	Bolt11     string
	Bolt12     string
	AmountMsat *int64
	MaxFeeMsat *int64
	TimeoutSec *int
}

// xpayRequest implements jrpc2.Method for CLN's xpay plugin RPC, which
// glightning's own request set predates.
type xpayRequest struct {
	Invoice    string `json:"invoice"`
	AmountMsat *int64 `json:"amount_msat,omitempty"`
	MaxFeeMsat *int64 `json:"maxfee_msat,omitempty"`
	RetryFor   *int   `json:"retry_for,omitempty"`
}

func (r *xpayRequest) Name() string { return "xpay" }

type xpayResponse struct {
	PaymentPreimage string `json:"payment_preimage"`
	PaymentHash     string `json:"payment_hash"`
	AmountSentMsat  uint64 `json:"amount_sent_msat"`
	AmountMsat      uint64 `json:"amount_msat"`
}

// Pay attempts payment of a bolt11/bolt12 invoice, preferring xpay when the
// node advertises it and falling back to pay otherwise (§4.4, scenario S3).
// Amount is mandatory when the invoice itself encodes no amount.
func (a *Adapter) Pay(ctx context.Context, p PayParams) (*PayResult, error) {
	invoice := p.Bolt11
	if invoice == "" {
		invoice = p.Bolt12
	}
	if invoice == "" {
		return nil, nwcerr.New(nwcerr.Other, "missing invoice")
	}

	if a.hasXPay {
		req := &xpayRequest{Invoice: invoice, AmountMsat: p.AmountMsat, MaxFeeMsat: p.MaxFeeMsat}
		var resp xpayResponse
		if err := a.rpc.Request(req, &resp); err != nil {
			return nil, classifyPayError(err)
		}
		fees := int64(resp.AmountSentMsat) - int64(resp.AmountMsat)
		return &PayResult{Preimage: resp.PaymentPreimage, PaymentHash: resp.PaymentHash, FeesPaidMsat: fees}, nil
	}

	payReq := glightning.NewPayRequest(invoice)
	if p.AmountMsat != nil {
		payReq.MilliSatoshi = uint64(*p.AmountMsat)
	}
	if p.MaxFeeMsat != nil {
		pct := feePercentOf(*p.MaxFeeMsat, p.AmountMsat)
		payReq.MaxFeePercent = &pct
	}
	result, err := a.rpc.Pay(payReq)
	if err != nil {
		return nil, classifyPayError(err)
	}
	fees := int64(result.MilliSatoshiSent) - int64(result.MilliSatoshi)
	return &PayResult{Preimage: result.PaymentPreimage, PaymentHash: result.PaymentHash, FeesPaidMsat: fees}, nil
}

func feePercentOf(maxFeeMsat int64, amountMsat *int64) float32 {
	if amountMsat == nil || *amountMsat == 0 {
		return 100
	}
	return float32(maxFeeMsat) / float32(*amountMsat) * 100
}

type keysendRequest struct {
	NodeID     string            `json:"destination"`
	AmountMsat int64             `json:"amount_msat"`
	ExtraTLVs  map[string]string `json:"extratlvs,omitempty"`
}

func (r *keysendRequest) Name() string { return "keysend" }

type keysendResponse struct {
	PaymentPreimage string `json:"payment_preimage"`
	PaymentHash     string `json:"payment_hash"`
	AmountMsat      uint64 `json:"amount_msat"`
	AmountSentMsat  uint64 `json:"amount_sent_msat"`
}

// Keysend sends a spontaneous payment; CLN generates the preimage — callers
// may not supply one (§4.4).
func (a *Adapter) Keysend(ctx context.Context, nodeID string, amountMsat int64, tlvs map[string]string) (*PayResult, error) {
	req := &keysendRequest{NodeID: nodeID, AmountMsat: amountMsat, ExtraTLVs: tlvs}
	var resp keysendResponse
	if err := a.rpc.Request(req, &resp); err != nil {
		return nil, classifyPayError(err)
	}
	fees := int64(resp.AmountSentMsat) - int64(resp.AmountMsat)
	return &PayResult{Preimage: resp.PaymentPreimage, PaymentHash: resp.PaymentHash, FeesPaidMsat: fees}, nil
}

// DecodeInvoiceAmount decodes a bolt11 invoice and returns the amount it
// encodes, 0 for an amount-less invoice (§4.8 pay_invoice: "reserve the
// invoice's own amount when no amount param is given").
func (a *Adapter) DecodeInvoiceAmount(ctx context.Context, bolt11 string) (int64, error) {
	decoded, err := a.rpc.DecodePay(bolt11, "")
	if err != nil {
		return 0, nwcerr.Wrap(nwcerr.Other, "failed to decode invoice", err)
	}
	return int64(decoded.MilliSatoshis), nil
}

// InvoiceResult is make_invoice's response shape.
type InvoiceResult struct {
	Bolt11      string
	PaymentHash string
	CreatedAt   int64
	ExpirySec   int64
}

// MakeInvoice creates a new bolt11 invoice. nwcLabel is embedded in the CLN
// invoice label so a later payment_received notification can be routed back
// to the right NWC connection without a separate lookup table.
func (a *Adapter) MakeInvoice(ctx context.Context, nwcLabel string, amountMsat *int64, description string, descriptionHash string, expirySec *uint32) (*InvoiceResult, error) {
	label := fmt.Sprintf("nip47-%s-%d", nwcLabel, invoiceLabelCounter.next())
	var expiry uint32 = 86400
	if expirySec != nil {
		expiry = *expirySec
	}

	var amountMsats uint64
	if amountMsat != nil {
		amountMsats = uint64(*amountMsat)
	}

	inv, err := a.rpc.CreateInvoice(amountMsats, label, description, expiry, nil, "", descriptionHash == "")
	if err != nil {
		return nil, nwcerr.Wrap(nwcerr.Internal, "make_invoice failed", err)
	}
	return &InvoiceResult{
		Bolt11:      inv.Bolt11,
		PaymentHash: inv.PaymentHash,
		CreatedAt:   inv.CreatedAt,
		ExpirySec:   int64(expiry),
	}, nil
}

// Transaction is the normalized shape shared by list_transactions and
// lookup_invoice (§4.8.1): a merge of CLN's invoice and pay records.
type Transaction struct {
	Type            string // "incoming" | "outgoing"
	State           string // settled | pending | failed | expired
	Invoice         string
	Description     string
	DescriptionHash string
	Preimage        string
	PaymentHash     string
	AmountMsat      int64
	FeesPaidMsat    int64
	CreatedAt       int64
	SettledAt       int64
	ExpiresAt       int64
	// NWCLabel is the connection this invoice/payment was made under,
	// parsed back out of the CLN invoice label MakeInvoice wrote. Empty
	// for payments (ListPays records carry no such label).
	NWCLabel string
	// PayIndex is CLN's monotonic per-invoice settlement index, used to
	// resume WaitAnyInvoice after the last observed payment.
	PayIndex uint64
}

// LookupInvoice finds a single invoice by payment hash or bolt11.
func (a *Adapter) LookupInvoice(ctx context.Context, paymentHashOrBolt11 string) (*Transaction, error) {
	invoices, err := a.rpc.ListInvoices()
	if err != nil {
		return nil, nwcerr.Wrap(nwcerr.Internal, "lookup_invoice failed", err)
	}
	for _, inv := range invoices {
		if inv.PaymentHash == paymentHashOrBolt11 || inv.Bolt11 == paymentHashOrBolt11 {
			return invoiceToTransaction(&inv), nil
		}
	}
	return nil, nwcerr.New(nwcerr.NotFound, "invoice not found")
}

// ListInvoices returns every invoice record normalized into Transaction
// form (§4.4 list_invoices, including expired ones — see §4.8.1).
func (a *Adapter) ListInvoices(ctx context.Context) ([]Transaction, error) {
	invoices, err := a.rpc.ListInvoices()
	if err != nil {
		return nil, nwcerr.Wrap(nwcerr.Internal, "list_invoices failed", err)
	}
	out := make([]Transaction, 0, len(invoices))
	for i := range invoices {
		out = append(out, *invoiceToTransaction(&invoices[i]))
	}
	return out, nil
}

// ListPays returns every outgoing payment record normalized into
// Transaction form, tolerating records with neither bolt11 nor bolt12
// (the 0.1.4 bug this spec requires never panicking on).
func (a *Adapter) ListPays(ctx context.Context) ([]Transaction, error) {
	pays, err := a.rpc.ListPaymentsHash("")
	if err != nil {
		return nil, nwcerr.Wrap(nwcerr.Internal, "list_pays failed", err)
	}
	out := make([]Transaction, 0, len(pays))
	for i := range pays {
		out = append(out, *payToTransaction(&pays[i]))
	}
	return out, nil
}

func invoiceToTransaction(inv *glightning.Invoice) *Transaction {
	state := "pending"
	switch inv.Status {
	case "paid":
		state = "settled"
	case "expired":
		state = "expired"
	}
	return &Transaction{
		Type:        "incoming",
		State:       state,
		Invoice:     inv.Bolt11,
		Description: inv.Description,
		Preimage:    inv.PaymentPreimage,
		PaymentHash: inv.PaymentHash,
		AmountMsat:  int64(inv.MilliSatoshi),
		CreatedAt:   inv.PaidAt,
		SettledAt:   inv.PaidAt,
		ExpiresAt:   inv.ExpiresAt,
		NWCLabel:    nwcLabelFromCLNLabel(inv.Label),
		PayIndex:    inv.PayIndex,
	}
}

// nwcLabelFromCLNLabel extracts the NWC label MakeInvoice embedded in a CLN
// invoice label of the form "nip47-<nwcLabel>-<counter>". Returns "" for
// labels this plugin did not create (e.g. invoices from another app on the
// same node).
func nwcLabelFromCLNLabel(clnLabel string) string {
	const prefix = "nip47-"
	if !strings.HasPrefix(clnLabel, prefix) {
		return ""
	}
	rest := clnLabel[len(prefix):]
	idx := strings.LastIndex(rest, "-")
	if idx < 0 {
		return ""
	}
	return rest[:idx]
}

func payToTransaction(p *glightning.Payment) *Transaction {
	state := "pending"
	switch p.Status {
	case "complete":
		state = "settled"
	case "failed":
		state = "failed"
	}
	// Neither bolt11 nor bolt12 present: treat as an opaque payment keyed
	// by payment_hash rather than failing to normalize the record (§9).
	invoice := p.Bolt11
	return &Transaction{
		Type:        "outgoing",
		State:       state,
		Invoice:     invoice,
		Preimage:    p.Preimage,
		PaymentHash: p.PaymentHash,
		AmountMsat:  int64(p.AmountMsat),
		FeesPaidMsat: int64(p.AmountSentMsat) - int64(p.AmountMsat),
		CreatedAt:   p.CreatedAt,
		SettledAt:   p.CreatedAt,
	}
}

// Info is the normalized get_info response (§4.4, §4.8 get_info row).
type Info struct {
	Alias   string
	Color   string
	Pubkey  string
	Network string
}

// GetInfo returns node identity, deliberately omitting block_hash (§4.8).
func (a *Adapter) GetInfo(ctx context.Context) (*Info, error) {
	info, err := a.rpc.GetInfo()
	if err != nil {
		return nil, nwcerr.Wrap(nwcerr.Internal, "get_info failed", err)
	}
	return &Info{Alias: info.Alias, Color: info.Color, Pubkey: info.Id, Network: info.Network}, nil
}

// ChannelSpendableMsat returns the node's total outbound channel capacity,
// used by get_balance (§4.4 get_balance, §4.8 get_balance row).
func (a *Adapter) ChannelSpendableMsat(ctx context.Context) (int64, error) {
	funds, err := a.rpc.ListFunds()
	if err != nil {
		return 0, nwcerr.Wrap(nwcerr.Internal, "list_funds failed", err)
	}
	var total int64
	for _, ch := range funds.Channels {
		total += int64(ch.ChannelSatoshi) * 1000
	}
	return total, nil
}

// WaitAnyInvoice blocks until the next invoice pays (or ctx is cancelled),
// powering payment_received notifications (§4.4, §4.8.2).
func (a *Adapter) WaitAnyInvoice(ctx context.Context, lastPayIndex uint64) (*Transaction, error) {
	type result struct {
		inv *glightning.Invoice
		err error
	}
	ch := make(chan result, 1)
	go func() {
		inv, err := a.rpc.WaitAnyInvoice(lastPayIndex)
		ch <- result{inv, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, nwcerr.Wrap(nwcerr.Internal, "waitanyinvoice failed", r.err)
		}
		return invoiceToTransaction(r.inv), nil
	}
}

func classifyPayError(err error) error {
	if rpcErr, ok := err.(*jrpc2.RpcError); ok {
		switch rpcErr.Code {
		case 203: // CLN: destination unreachable / no route
			return nwcerr.Wrap(nwcerr.PaymentFailed, "no route to destination", err)
		case 210: // CLN: invoice already paid / expired depending on message
			return nwcerr.Wrap(nwcerr.PaymentFailed, "payment rejected", err)
		case 300: // CLN: insufficient funds
			return nwcerr.Wrap(nwcerr.InsufficientBalance, "insufficient channel capacity", err)
		case -32601: // method not found, e.g. xpay on an older node
			return nwcerr.Wrap(nwcerr.NotImplemented, "method unsupported by node", err)
		}
	}
	return nwcerr.Wrap(nwcerr.Internal, "CLN RPC error", err)
}

type counter struct{ n atomic.Uint64 }

func (c *counter) next() uint64 { return c.n.Add(1) }

var invoiceLabelCounter = &counter{}
