// Package keyring implements per-connection keypair generation, the two
// NIP-47 encryption schemes (NIP-04 and NIP-44 v2), and canonical Nostr
// event signing.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	nip44Version     = 2
	nip44Salt        = "nip44-v2"
	minPlaintextSize = 1
	maxPlaintextSize = 65535
)

// KeyPair is a secp256k1 keypair, hex-encoded the way Nostr wire format
// expects it: 32-byte secret, x-only 32-byte public key.
type KeyPair struct {
	SecretHex string
	PublicHex string
}

// GenerateKeyPair creates a fresh secp256k1 keypair (§4.1 generate_keypair).
func GenerateKeyPair() (KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return KeyPair{}, err
	}
	secret := priv.Serialize()
	pub := priv.PubKey().SerializeCompressed()[1:]
	return KeyPair{
		SecretHex: hex.EncodeToString(secret),
		PublicHex: hex.EncodeToString(pub),
	}, nil
}

func parsePub(pubHex string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, errors.New("keyring: public key must be 32 bytes")
	}
	withPrefix := append([]byte{0x02}, raw...)
	pub, err := btcec.ParsePubKey(withPrefix)
	if err != nil {
		withPrefix[0] = 0x03
		pub, err = btcec.ParsePubKey(withPrefix)
		if err != nil {
			return nil, errors.New("keyring: invalid public key")
		}
	}
	return pub, nil
}

func parsePriv(secretHex string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, err
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	if priv == nil {
		return nil, errors.New("keyring: invalid secret key")
	}
	return priv, nil
}

// conversationKey derives the NIP-44 v2 shared conversation key via ECDH
// followed by HKDF-extract with the fixed "nip44-v2" salt.
func conversationKey(ourSecretHex, peerPubHex string) ([]byte, error) {
	priv, err := parsePriv(ourSecretHex)
	if err != nil {
		return nil, err
	}
	pub, err := parsePub(peerPubHex)
	if err != nil {
		return nil, err
	}

	sharedX, _ := pub.ToECDSA().Curve.ScalarMult(pub.X(), pub.Y(), priv.Serialize())

	sharedXBytes := make([]byte, 32)
	raw := sharedX.Bytes()
	copy(sharedXBytes[32-len(raw):], raw)

	return hkdf.Extract(sha256.New, sharedXBytes, []byte(nip44Salt)), nil
}

func messageKeys(convKey, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	if len(convKey) != 32 {
		return nil, nil, nil, errors.New("keyring: invalid conversation key length")
	}
	if len(nonce) != 32 {
		return nil, nil, nil, errors.New("keyring: invalid nonce length")
	}
	reader := hkdf.Expand(sha256.New, convKey, nonce)
	keys := make([]byte, 76)
	if _, err := reader.Read(keys); err != nil {
		return nil, nil, nil, err
	}
	return keys[0:32], keys[32:44], keys[44:76], nil
}

func calcPaddedLen(unpaddedLen int) int {
	if unpaddedLen <= 32 {
		return 32
	}
	nextPower := 1 << int(math.Floor(math.Log2(float64(unpaddedLen-1)))+1)
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * (int(math.Floor(float64(unpaddedLen-1)/float64(chunk))) + 1)
}

func pad(plaintext []byte) ([]byte, error) {
	n := len(plaintext)
	if n < minPlaintextSize || n > maxPlaintextSize {
		return nil, errors.New("keyring: invalid plaintext length")
	}
	paddedLen := calcPaddedLen(n)
	result := make([]byte, 2+paddedLen)
	binary.BigEndian.PutUint16(result[0:2], uint16(n))
	copy(result[2:], plaintext)
	return result, nil
}

func unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, errors.New("keyring: padded data too short")
	}
	n := int(binary.BigEndian.Uint16(padded[0:2]))
	if n == 0 || n > len(padded)-2 {
		return nil, errors.New("keyring: invalid padding")
	}
	if len(padded) != 2+calcPaddedLen(n) {
		return nil, errors.New("keyring: invalid padded length")
	}
	return padded[2 : 2+n], nil
}

func hmacAAD(key, message, aad []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(aad)
	h.Write(message)
	return h.Sum(nil)
}

// EncryptNip44 encrypts plaintext from ourSecretHex to peerPubHex using
// NIP-44 v2, returning the base64 framed payload.
func EncryptNip44(ourSecretHex, peerPubHex, plaintext string) (string, error) {
	convKey, err := conversationKey(ourSecretHex, peerPubHex)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return encryptNip44WithNonce(convKey, plaintext, nonce)
}

func encryptNip44WithNonce(convKey []byte, plaintext string, nonce []byte) (string, error) {
	chachaKey, chachaNonce, hmacKey, err := messageKeys(convKey, nonce)
	if err != nil {
		return "", err
	}
	padded, err := pad([]byte(plaintext))
	if err != nil {
		return "", err
	}
	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	stream.XORKeyStream(ciphertext, padded)

	mac := hmacAAD(hmacKey, ciphertext, nonce)

	out := make([]byte, 1+32+len(ciphertext)+32)
	out[0] = nip44Version
	copy(out[1:33], nonce)
	copy(out[33:33+len(ciphertext)], ciphertext)
	copy(out[33+len(ciphertext):], mac)

	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptNip44 decrypts a NIP-44 v2 payload sent by peerPubHex to us.
func DecryptNip44(ourSecretHex, peerPubHex, payload string) (string, error) {
	convKey, err := conversationKey(ourSecretHex, peerPubHex)
	if err != nil {
		return "", err
	}
	if len(payload) > 0 && payload[0] == '#' {
		return "", errors.New("keyring: unsupported encryption version")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", errors.New("keyring: invalid base64")
	}
	if len(data) < 99 || len(data) > 65603 {
		return "", errors.New("keyring: invalid payload size")
	}
	if data[0] != nip44Version {
		return "", errors.New("keyring: unknown version")
	}
	nonce := data[1:33]
	ciphertext := data[33 : len(data)-32]
	mac := data[len(data)-32:]

	chachaKey, chachaNonce, hmacKey, err := messageKeys(convKey, nonce)
	if err != nil {
		return "", err
	}
	calculated := hmacAAD(hmacKey, ciphertext, nonce)
	if !hmac.Equal(calculated, mac) {
		return "", errors.New("keyring: invalid MAC")
	}
	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	padded := make([]byte, len(ciphertext))
	stream.XORKeyStream(padded, ciphertext)

	plaintext, err := unpad(padded)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// nip04SharedSecret computes the legacy NIP-04 shared secret (ECDH X-coordinate,
// RFC 5903 §9 form) between ourSecretHex and peerPubHex.
func nip04SharedSecret(ourSecretHex, peerPubHex string) ([]byte, error) {
	priv, err := parsePriv(ourSecretHex)
	if err != nil {
		return nil, err
	}
	pub, err := parsePub(peerPubHex)
	if err != nil {
		return nil, err
	}
	sharedX := btcec.GenerateSharedSecret(priv, pub)
	if len(sharedX) < 32 {
		padded := make([]byte, 32)
		copy(padded[32-len(sharedX):], sharedX)
		return padded, nil
	}
	return sharedX, nil
}

// EncryptNip04 encrypts plaintext using NIP-04 (AES-256-CBC), returning the
// wire form base64(ciphertext)?iv=base64(iv).
func EncryptNip04(ourSecretHex, peerPubHex, plaintext string) (string, error) {
	secret, err := nip04SharedSecret(ourSecretHex, peerPubHex)
	if err != nil {
		return "", err
	}
	if len(secret) != 32 {
		return "", errors.New("keyring: NIP-04 shared secret must be 32 bytes")
	}

	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	plaintextBytes := []byte(plaintext)
	padding := aes.BlockSize - (len(plaintextBytes) % aes.BlockSize)
	padded := make([]byte, len(plaintextBytes)+padding)
	copy(padded, plaintextBytes)
	for i := len(plaintextBytes); i < len(padded); i++ {
		padded[i] = byte(padding)
	}

	block, err := aes.NewCipher(secret)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(ciphertext) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

// DecryptNip04 decrypts a NIP-04 payload sent by peerPubHex to us.
func DecryptNip04(ourSecretHex, peerPubHex, payload string) (string, error) {
	secret, err := nip04SharedSecret(ourSecretHex, peerPubHex)
	if err != nil {
		return "", err
	}

	parts := strings.Split(payload, "?iv=")
	if len(parts) != 2 {
		return "", errors.New("keyring: invalid NIP-04 payload format")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", errors.New("keyring: invalid ciphertext base64")
	}
	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", errors.New("keyring: invalid IV base64")
	}
	if len(iv) != 16 {
		return "", errors.New("keyring: invalid IV length")
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return "", errors.New("keyring: ciphertext is not a multiple of block size")
	}

	block, err := aes.NewCipher(secret)
	if err != nil {
		return "", err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	if len(plaintext) == 0 {
		return "", errors.New("keyring: empty plaintext")
	}
	padding := int(plaintext[len(plaintext)-1])
	if padding > aes.BlockSize || padding == 0 {
		return "", errors.New("keyring: invalid padding")
	}
	for i := len(plaintext) - padding; i < len(plaintext); i++ {
		if plaintext[i] != byte(padding) {
			return "", errors.New("keyring: invalid padding bytes")
		}
	}
	return string(plaintext[:len(plaintext)-padding]), nil
}

// SignEventID computes a Schnorr (BIP-340) signature over a 32-byte hex event id.
func SignEventID(ourSecretHex, eventIDHex string) (string, error) {
	priv, err := parsePriv(ourSecretHex)
	if err != nil {
		return "", err
	}
	idBytes, err := hex.DecodeString(eventIDHex)
	if err != nil {
		return "", err
	}
	sig, err := schnorr.Sign(priv, idBytes)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// VerifyEventSig verifies a Schnorr signature over a 32-byte hex event id.
func VerifyEventSig(pubHex, eventIDHex, sigHex string) bool {
	if len(sigHex) != 128 || len(pubHex) != 64 {
		return false
	}
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	pubBytes, err := hex.DecodeString(pubHex)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(eventIDHex)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return false
	}
	return sig.Verify(idBytes, pub)
}
