package keyring

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"nip47d/internal/nwc"
)

// CanonicalID computes the NIP-01 event id: sha256 of the canonical
// [0,pubkey,created_at,kind,tags,content] serialization.
func CanonicalID(e *nwc.Event) (string, error) {
	tagsJSON, err := json.Marshal(e.Tags)
	if err != nil {
		return "", err
	}
	contentJSON, err := json.Marshal(e.Content)
	if err != nil {
		return "", err
	}
	serialized := fmt.Sprintf(`[0,"%s",%d,%d,%s,%s]`,
		e.PubKey, e.CreatedAt, e.Kind, string(tagsJSON), string(contentJSON))
	hash := sha256.Sum256([]byte(serialized))
	return hex.EncodeToString(hash[:]), nil
}

// SignEvent computes e's canonical id and Schnorr signature in place,
// filling ID/Sig (§4.1 sign_event).
func SignEvent(secretHex string, e *nwc.Event) error {
	id, err := CanonicalID(e)
	if err != nil {
		return err
	}
	sig, err := SignEventID(secretHex, id)
	if err != nil {
		return err
	}
	e.ID = id
	e.Sig = sig
	return nil
}

// SelectScheme reads an event's "encryption" tag to decide which NIP-47
// cipher the reply must use (§4.1 select_scheme). Absent ⇒ NIP-04.
func SelectScheme(e *nwc.Event) nwc.Scheme {
	return nwc.SchemeFromTag(e.FirstTag("encryption"))
}

// Encrypt dispatches to the requested scheme.
func Encrypt(scheme nwc.Scheme, ourSecretHex, peerPubHex, plaintext string) (string, error) {
	if scheme == nwc.SchemeNip44v2 {
		return EncryptNip44(ourSecretHex, peerPubHex, plaintext)
	}
	return EncryptNip04(ourSecretHex, peerPubHex, plaintext)
}

// Decrypt dispatches to the requested scheme.
func Decrypt(scheme nwc.Scheme, ourSecretHex, peerPubHex, payload string) (string, error) {
	if scheme == nwc.SchemeNip44v2 {
		return DecryptNip44(ourSecretHex, peerPubHex, payload)
	}
	return DecryptNip04(ourSecretHex, peerPubHex, payload)
}
