package cln

import (
	"testing"

	"github.com/niftynei/glightning/glightning"
)

func TestPayToTransactionToleratesMissingBolt11AndBolt12(t *testing.T) {
	p := &glightning.Payment{
		PaymentHash: "deadbeef",
		Status:      "complete",
		AmountMsat:  1000,
	}
	tx := payToTransaction(p)
	if tx.PaymentHash != "deadbeef" {
		t.Fatalf("payment hash lost in normalization: %+v", tx)
	}
	if tx.State != "settled" {
		t.Fatalf("expected settled state, got %s", tx.State)
	}
}

func TestInvoiceToTransactionMapsExpired(t *testing.T) {
	inv := &glightning.Invoice{
		PaymentHash: "beefdead",
		Status:      "expired",
	}
	tx := invoiceToTransaction(inv)
	if tx.State != "expired" {
		t.Fatalf("expected expired state, got %s", tx.State)
	}
}

func TestFeePercentOfZeroAmountDefaultsTo100(t *testing.T) {
	pct := feePercentOf(500, nil)
	if pct != 100 {
		t.Fatalf("expected 100%%, got %v", pct)
	}
}
