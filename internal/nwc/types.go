// Package nwc holds the shared types used across the bridge: the Nostr wire
// types, the NWC connection record, and the connection URI codec.
package nwc

// Event is a Nostr event (NIP-01).
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Filter is a Nostr subscription filter (NIP-01) covering a subset of its
// fields; the relay pool sets only Kinds, PTags (#p) and Since.
type Filter struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	PTags   []string `json:"#p,omitempty"`
	ETags   []string `json:"#e,omitempty"`
}

// FirstTag returns the first value of the named tag, or "" if absent.
func (e *Event) FirstTag(name string) string {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}

// Event wire kinds (§6 of the spec).
const (
	KindRequest      = 23194
	KindResponse     = 23195
	KindNotification = 23196
	KindInfo         = 13194
)

// Scheme is the NIP-04/NIP-44v2 polymorphism selected per event (§4.1).
type Scheme int

const (
	SchemeNip04 Scheme = iota
	SchemeNip44v2
)

func (s Scheme) String() string {
	if s == SchemeNip44v2 {
		return "nip44_v2"
	}
	return "nip04"
}

// SchemeFromTag maps an event's "encryption" tag to a Scheme. Absent ⇒ NIP-04.
func SchemeFromTag(tagValue string) Scheme {
	if tagValue == "nip44_v2" {
		return SchemeNip44v2
	}
	return SchemeNip04
}
