package dispatcher

import (
	"context"
	"encoding/json"
	"sort"

	"nip47d/internal/cln"
	"nip47d/internal/nwc"
	"nip47d/internal/nwcerr"
)

func (d *Dispatcher) handlePayInvoice(ctx context.Context, rec *nwc.Record, reqEv *nwc.Event, params json.RawMessage) (*payResult, error) {
	var p payInvoiceParams
	if err := json.Unmarshal(params, &p); err != nil || p.Invoice == "" {
		return nil, nwcerr.New(nwcerr.Other, "missing or malformed invoice parameter")
	}
	return d.payOne(ctx, rec, reqEv.ID, p.Invoice, "", p.Amount)
}

func (d *Dispatcher) handleMultiPayInvoice(ctx context.Context, rec *nwc.Record, pub Publisher, reqEv *nwc.Event, params json.RawMessage) {
	var p multiPayInvoiceParams
	if err := json.Unmarshal(params, &p); err != nil || len(p.Invoices) == 0 {
		d.respond(ctx, rec, pub, reqEv, "multi_pay_invoice", nwcerr.New(nwcerr.Other, "missing or malformed invoices parameter"))
		return
	}
	for _, entry := range p.Invoices {
		result, err := d.payOne(ctx, rec, reqEv.ID, entry.Invoice, entry.ID, entry.Amount)
		d.sendMultiResult(ctx, rec, pub, reqEv, "multi_pay_invoice", entry.ID, result, err)
	}
}

func (d *Dispatcher) payOne(ctx context.Context, rec *nwc.Record, requestEventID, invoice string, entryID string, paramAmount *int64) (*payResult, error) {
	amount := paramAmount
	reservationAmount := int64(0)
	if amount != nil {
		reservationAmount = *amount
	} else {
		// No amount param: reserve the invoice's own amount (§4.8:
		// reserve(invoice_amount_or_param)). Only a 0-amount invoice with no
		// override is rejected OTHER (§9 Open Question); any other
		// amount-bearing invoice must still reach budget.Reserve so a
		// receive-only NWC gets RESTRICTED rather than OTHER.
		decoded, err := d.cln.DecodeInvoiceAmount(ctx, invoice)
		if err != nil {
			return nil, err
		}
		if decoded == 0 {
			return nil, nwcerr.New(nwcerr.Other, "amount-less invoice requires an explicit amount parameter")
		}
		reservationAmount = decoded
	}

	resID, err := d.budget.Reserve(rec.Label, reservationAmount)
	if err != nil {
		return nil, err
	}

	result, err := d.cln.Pay(ctx, cln.PayParams{Bolt11: invoice, AmountMsat: amount})
	if err != nil {
		d.budget.Refund(resID)
		return nil, err
	}

	actual := reservationAmount + result.FeesPaidMsat
	if actual > reservationAmount {
		actual = reservationAmount // never commit more than was reserved
	}
	if commitErr := d.budget.Commit(resID, actual); commitErr != nil {
		d.logger.Error("failed to commit budget reservation after successful payment", "error", commitErr)
	}

	if result.PaymentHash != "" {
		if err := d.correlator.RecordOutbound(ctx, result.PaymentHash, rec.Label, requestEventID); err != nil {
			d.logger.Error("failed to record outbound correlation", "error", err)
		}
	}
	return &payResult{Preimage: result.Preimage, FeesPaidMsat: result.FeesPaidMsat}, nil
}

func (d *Dispatcher) handlePayKeysend(ctx context.Context, rec *nwc.Record, reqEv *nwc.Event, params json.RawMessage) (*payResult, error) {
	var p payKeysendParams
	if err := json.Unmarshal(params, &p); err != nil || p.Pubkey == "" || p.Amount <= 0 {
		return nil, nwcerr.New(nwcerr.Other, "missing or malformed keysend parameters")
	}
	return d.keysendOne(ctx, rec, reqEv.ID, p.Pubkey, p.Amount, p.Preimage, p.TLVRecords)
}

func (d *Dispatcher) handleMultiPayKeysend(ctx context.Context, rec *nwc.Record, pub Publisher, reqEv *nwc.Event, params json.RawMessage) {
	var p multiPayKeysendParams
	if err := json.Unmarshal(params, &p); err != nil || len(p.Keysends) == 0 {
		d.respond(ctx, rec, pub, reqEv, "multi_pay_keysend", nwcerr.New(nwcerr.Other, "missing or malformed keysends parameter"))
		return
	}
	for _, entry := range p.Keysends {
		result, err := d.keysendOne(ctx, rec, reqEv.ID, entry.Pubkey, entry.Amount, entry.Preimage, entry.TLVRecords)
		d.sendMultiResult(ctx, rec, pub, reqEv, "multi_pay_keysend", entry.ID, result, err)
	}
}

func (d *Dispatcher) keysendOne(ctx context.Context, rec *nwc.Record, requestEventID, pubkey string, amount int64, preimage string, tlvs map[string]string) (*payResult, error) {
	if preimage != "" {
		// CLN always generates the keysend preimage itself (§4.4).
		return nil, nwcerr.New(nwcerr.NotImplemented, "client-supplied preimage is not supported")
	}

	resID, err := d.budget.Reserve(rec.Label, amount)
	if err != nil {
		return nil, err
	}

	result, err := d.cln.Keysend(ctx, pubkey, amount, tlvs)
	if err != nil {
		d.budget.Refund(resID)
		return nil, err
	}

	actual := amount + result.FeesPaidMsat
	if actual > amount {
		actual = amount
	}
	if commitErr := d.budget.Commit(resID, actual); commitErr != nil {
		d.logger.Error("failed to commit budget reservation after successful keysend", "error", commitErr)
	}
	if result.PaymentHash != "" {
		if err := d.correlator.RecordOutbound(ctx, result.PaymentHash, rec.Label, requestEventID); err != nil {
			d.logger.Error("failed to record outbound correlation", "error", err)
		}
	}
	return &payResult{Preimage: result.Preimage, FeesPaidMsat: result.FeesPaidMsat}, nil
}

func (d *Dispatcher) handleMakeInvoice(ctx context.Context, rec *nwc.Record, params json.RawMessage) (*invoiceResultWire, error) {
	var p makeInvoiceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, nwcerr.New(nwcerr.Other, "malformed make_invoice parameters")
	}
	inv, err := d.cln.MakeInvoice(ctx, rec.Label, p.Amount, p.Description, p.DescriptionHash, p.ExpirySec)
	if err != nil {
		return nil, err
	}
	amount := int64(0)
	if p.Amount != nil {
		amount = *p.Amount
	}
	return &invoiceResultWire{
		Type:            "incoming",
		Invoice:         inv.Bolt11,
		Description:     p.Description,
		DescriptionHash: p.DescriptionHash,
		PaymentHash:     inv.PaymentHash,
		Amount:          amount,
		CreatedAt:       inv.CreatedAt,
		ExpiresAt:       inv.CreatedAt + inv.ExpirySec,
		State:           "pending",
	}, nil
}

func (d *Dispatcher) handleLookupInvoice(ctx context.Context, params json.RawMessage) (*transactionWire, error) {
	var p lookupInvoiceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, nwcerr.New(nwcerr.Other, "malformed lookup_invoice parameters")
	}
	key := p.PaymentHash
	if key == "" {
		key = p.Invoice
	}
	if key == "" {
		return nil, nwcerr.New(nwcerr.Other, "payment_hash or invoice is required")
	}
	tx, err := d.cln.LookupInvoice(ctx, key)
	if err != nil {
		return nil, err
	}
	return transactionFromCLN(tx), nil
}

func (d *Dispatcher) handleListTransactions(ctx context.Context, params json.RawMessage) (*listTransactionsResult, error) {
	var p listTransactionsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, nwcerr.New(nwcerr.Other, "malformed list_transactions parameters")
	}

	var all []transactionWire
	if p.Type == "" || p.Type == "incoming" {
		invoices, err := d.cln.ListInvoices(ctx)
		if err != nil {
			return nil, err
		}
		for i := range invoices {
			if p.Unpaid || invoices[i].State != "expired" {
				all = append(all, *transactionFromCLN(&invoices[i]))
			}
		}
	}
	if p.Type == "" || p.Type == "outgoing" {
		pays, err := d.cln.ListPays(ctx)
		if err != nil {
			return nil, err
		}
		for i := range pays {
			all = append(all, *transactionFromCLN(&pays[i]))
		}
	}

	all = filterByTimeRange(all, p.From, p.Until)
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt > all[j].CreatedAt })

	// offset must not be ignored (bugfix 0.1.6).
	if p.Offset > 0 {
		if p.Offset >= len(all) {
			all = nil
		} else {
			all = all[p.Offset:]
		}
	}
	if p.Limit > 0 && p.Limit < len(all) {
		all = all[:p.Limit]
	}

	return trimToByteBudget(all), nil
}

func filterByTimeRange(txs []transactionWire, from, until *int64) []transactionWire {
	if from == nil && until == nil {
		return txs
	}
	out := txs[:0]
	for _, tx := range txs {
		if from != nil && tx.CreatedAt < *from {
			continue
		}
		if until != nil && tx.CreatedAt > *until {
			continue
		}
		out = append(out, tx)
	}
	return out
}

// trimToByteBudget measures the serialized response and drops trailing
// items until it fits under listTransactionsMaxBytes (§4.8.1).
func trimToByteBudget(txs []transactionWire) *listTransactionsResult {
	result := &listTransactionsResult{Transactions: txs}
	for {
		raw, err := json.Marshal(result)
		if err == nil && len(raw) <= listTransactionsMaxBytes {
			return result
		}
		if len(result.Transactions) == 0 {
			return result
		}
		result.Transactions = result.Transactions[:len(result.Transactions)-1]
	}
}

func (d *Dispatcher) handleGetBalance(ctx context.Context, rec *nwc.Record) (*balanceResult, error) {
	channelSpendable, err := d.cln.ChannelSpendableMsat(ctx)
	if err != nil {
		return nil, err
	}
	remaining, err := d.budget.BalanceRemaining(rec.Label, channelSpendable)
	if err != nil {
		return nil, err
	}
	return &balanceResult{Balance: remaining}, nil
}

func (d *Dispatcher) handleGetInfo(ctx context.Context) (*infoResult, error) {
	info, err := d.cln.GetInfo(ctx)
	if err != nil {
		return nil, err
	}
	return &infoResult{
		Alias:   info.Alias,
		Color:   info.Color,
		Pubkey:  info.Pubkey,
		Network: info.Network,
		Methods: SupportedMethods,
	}, nil
}

func transactionFromCLN(tx *cln.Transaction) *transactionWire {
	return &transactionWire{
		Type:            tx.Type,
		State:           tx.State,
		Invoice:         tx.Invoice,
		Description:     tx.Description,
		DescriptionHash: tx.DescriptionHash,
		Preimage:        tx.Preimage,
		PaymentHash:     tx.PaymentHash,
		Amount:          tx.AmountMsat,
		FeesPaid:        tx.FeesPaidMsat,
		CreatedAt:       tx.CreatedAt,
		SettledAt:       tx.SettledAt,
		ExpiresAt:       tx.ExpiresAt,
	}
}

// sendMultiResult emits one response event per multi_pay_* entry (§4.8,
// multi_pay_invoice/multi_pay_keysend row), correlated by the entry's id.
func (d *Dispatcher) sendMultiResult(ctx context.Context, rec *nwc.Record, pub Publisher, reqEv *nwc.Event, resultType, entryID string, result *payResult, err error) {
	var withID interface{}
	if result != nil {
		withID = struct {
			ID           string `json:"id,omitempty"`
			Preimage     string `json:"preimage"`
			FeesPaidMsat int64  `json:"fees_paid"`
		}{ID: entryID, Preimage: result.Preimage, FeesPaidMsat: result.FeesPaidMsat}
	}
	d.sendResult(ctx, rec, pub, reqEv, resultType, withID, err)
}

// SupportedMethods lists the methods advertised in the info_event (§4.9,
// §6) and in get_info's response.
var SupportedMethods = []string{
	"pay_invoice", "multi_pay_invoice", "pay_keysend", "multi_pay_keysend",
	"make_invoice", "lookup_invoice", "list_transactions", "get_balance", "get_info",
}
