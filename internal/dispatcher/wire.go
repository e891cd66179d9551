package dispatcher

import "encoding/json"

// request is the decrypted NIP-47 request envelope (§4.8 step 2).
type request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// response is the decrypted NIP-47 response envelope. Exactly one of
// Result/Error is populated.
type response struct {
	ResultType string          `json:"result_type"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type payInvoiceParams struct {
	Invoice string `json:"invoice"`
	Amount  *int64 `json:"amount,omitempty"`
}

type payInvoiceEntry struct {
	ID      string `json:"id,omitempty"`
	Invoice string `json:"invoice"`
	Amount  *int64 `json:"amount,omitempty"`
}

type multiPayInvoiceParams struct {
	Invoices []payInvoiceEntry `json:"invoices"`
}

type payKeysendParams struct {
	Pubkey     string            `json:"pubkey"`
	Amount     int64             `json:"amount"`
	Preimage   string            `json:"preimage,omitempty"`
	TLVRecords map[string]string `json:"tlv_records,omitempty"`
}

type keysendEntry struct {
	ID         string            `json:"id,omitempty"`
	Pubkey     string            `json:"pubkey"`
	Amount     int64             `json:"amount"`
	Preimage   string            `json:"preimage,omitempty"`
	TLVRecords map[string]string `json:"tlv_records,omitempty"`
}

type multiPayKeysendParams struct {
	Keysends []keysendEntry `json:"keysends"`
}

type makeInvoiceParams struct {
	Amount          *int64  `json:"amount,omitempty"`
	Description     string  `json:"description,omitempty"`
	DescriptionHash string  `json:"description_hash,omitempty"`
	ExpirySec       *uint32 `json:"expiry,omitempty"`
}

type lookupInvoiceParams struct {
	PaymentHash string `json:"payment_hash,omitempty"`
	Invoice     string `json:"invoice,omitempty"`
}

type listTransactionsParams struct {
	From   *int64 `json:"from,omitempty"`
	Until  *int64 `json:"until,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
	Type   string `json:"type,omitempty"`
	Unpaid bool   `json:"unpaid,omitempty"`
}

type payResult struct {
	Preimage     string `json:"preimage"`
	FeesPaidMsat int64  `json:"fees_paid"`
}

type invoiceResultWire struct {
	Type            string `json:"type"`
	Invoice         string `json:"invoice"`
	Description     string `json:"description,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	PaymentHash     string `json:"payment_hash"`
	Amount          int64  `json:"amount"`
	CreatedAt       int64  `json:"created_at"`
	ExpiresAt       int64  `json:"expires_at"`
	State           string `json:"state"`
}

type transactionWire struct {
	Type            string `json:"type"`
	State           string `json:"state"`
	Invoice         string `json:"invoice,omitempty"`
	Description     string `json:"description,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	Preimage        string `json:"preimage,omitempty"`
	PaymentHash     string `json:"payment_hash"`
	Amount          int64  `json:"amount"`
	FeesPaid        int64  `json:"fees_paid"`
	CreatedAt       int64  `json:"created_at"`
	SettledAt       int64  `json:"settled_at,omitempty"`
	ExpiresAt       int64  `json:"expires_at,omitempty"`
}

type listTransactionsResult struct {
	Transactions []transactionWire `json:"transactions"`
}

type balanceResult struct {
	Balance int64 `json:"balance"`
}

type infoResult struct {
	Alias    string   `json:"alias"`
	Color    string   `json:"color"`
	Pubkey   string   `json:"pubkey"`
	Network  string   `json:"network"`
	Methods  []string `json:"methods"`
}

type notificationBody struct {
	Type        string `json:"type"`
	Invoice     string `json:"invoice,omitempty"`
	Description string `json:"description,omitempty"`
	Preimage    string `json:"preimage,omitempty"`
	PaymentHash string `json:"payment_hash"`
	Amount      int64  `json:"amount"`
	FeesPaid    int64  `json:"fees_paid,omitempty"`
	SettledAt   int64  `json:"settled_at"`
}
