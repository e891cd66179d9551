package nwc

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Record is the persistent NWC connection record (§3), keyed by Label.
type Record struct {
	Label                 string   `json:"label"`
	WalletKeySecret       string   `json:"walletkey_secret"`
	WalletKeyPublic       string   `json:"walletkey_public"`
	ClientKeySecret       string   `json:"clientkey_secret"`
	ClientKeyPublic       string   `json:"clientkey_public"`
	Relays                []string `json:"relays"`
	BudgetMsat            *int64   `json:"budget_msat,omitempty"`
	IntervalSecs          *uint64  `json:"interval_secs,omitempty"`
	SpentMsat             int64    `json:"spent_msat"`
	WindowStart           int64    `json:"window_start"`
	CreatedAt             int64    `json:"created_at"`
	NotificationsEnabled  bool     `json:"notifications_enabled"`
}

// ReceiveOnly reports whether r is receive-only: budget_msat == 0 with no
// interval (§3 invariant).
func (r *Record) ReceiveOnly() bool {
	return r.BudgetMsat != nil && *r.BudgetMsat == 0 && r.IntervalSecs == nil
}

// Unlimited reports whether r has no budget cap at all.
func (r *Record) Unlimited() bool {
	return r.BudgetMsat == nil
}

// BudgetRemaining returns the msat still spendable in the current window.
// Only meaningful when BudgetMsat is set.
func (r *Record) BudgetRemaining() int64 {
	if r.BudgetMsat == nil {
		return 0
	}
	remaining := *r.BudgetMsat - r.SpentMsat
	if remaining < 0 {
		return 0
	}
	return remaining
}

// BuildURI constructs the nostr+walletconnect:// connection string returned
// by nip47-create (§4.9, §6).
func BuildURI(r *Record) string {
	v := url.Values{}
	for _, relay := range r.Relays {
		v.Add("relay", relay)
	}
	v.Set("secret", r.ClientKeySecret)
	v.Set("lud16", "")
	return fmt.Sprintf("nostr+walletconnect://%s?%s", r.WalletKeyPublic, v.Encode())
}

// ParseURI is the inverse of BuildURI: it splits a connection string back
// into its wallet pubkey, relays and secret.
func ParseURI(uri string) (walletPub string, relays []string, secret string, err error) {
	const prefix = "nostr+walletconnect://"
	if !strings.HasPrefix(uri, prefix) {
		return "", nil, "", errors.New("nwc: not a nostr+walletconnect uri")
	}
	rest := uri[len(prefix):]
	parts := strings.SplitN(rest, "?", 2)
	walletPub = parts[0]
	if len(walletPub) != 64 {
		return "", nil, "", errors.New("nwc: wallet pubkey must be 64 hex chars")
	}
	if len(parts) != 2 {
		return "", nil, "", errors.New("nwc: missing query parameters")
	}
	q, err := url.ParseQuery(parts[1])
	if err != nil {
		return "", nil, "", err
	}
	relays = q["relay"]
	if len(relays) == 0 {
		return "", nil, "", errors.New("nwc: at least one relay is required")
	}
	secret = q.Get("secret")
	if len(secret) != 64 {
		return "", nil, "", errors.New("nwc: secret must be 64 hex chars")
	}
	return walletPub, relays, secret, nil
}

// FormatBudget renders an optional budget for display in nip47-budget output.
func FormatBudget(r *Record) string {
	if r.BudgetMsat == nil {
		return "unlimited"
	}
	return strconv.FormatInt(*r.BudgetMsat, 10) + " msat"
}
