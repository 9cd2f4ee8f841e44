// Package trust implements the signed request envelope that authenticates
// head-to-node traffic, plus the key material handling around it: the head
// signer, the node keyring, and the replay cache.
package trust

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Envelope header names. The signature carries the raw Ed25519 signature in
// standard base64; the metadata header carries a base64url (no padding) JSON
// object binding timestamp, nonce, key id and body hash.
const (
	HeaderSignature = "X-WebAI-Signature"
	HeaderSigMeta   = "X-WebAI-Sig-Meta"
)

// MaxClockSkewSeconds bounds |now - ts| for an envelope to be accepted.
const MaxClockSkewSeconds = 60

// SigMeta is the JSON payload of X-WebAI-Sig-Meta.
type SigMeta struct {
	TS         int64  `json:"ts"`
	Nonce      string `json:"nonce"`
	KeyID      string `json:"key_id"`
	BodySHA256 string `json:"body_sha256"`
}

// BodyHash returns the lowercase hex SHA-256 of the raw request body.
// An empty body hashes the empty string.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// KeyID derives the key identifier from a raw 32-byte Ed25519 public key:
// the first 8 bytes of SHA-256 over the key, hex encoded (16 chars).
func KeyID(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:8])
}

// CanonicalString assembles the byte string that is signed and verified.
// pathAndQuery is the request path plus raw query ("?..." included when
// present). Any change to a component invalidates the signature.
func CanonicalString(method, pathAndQuery string, meta SigMeta) string {
	return strings.ToUpper(method) + "\n" +
		pathAndQuery + "\n" +
		meta.BodySHA256 + "\n" +
		fmt.Sprintf("%d", meta.TS) + "\n" +
		meta.Nonce + "\n" +
		meta.KeyID
}

// EncodeSigMeta serializes meta for the X-WebAI-Sig-Meta header.
func EncodeSigMeta(meta SigMeta) (string, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal sig meta: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeSigMeta parses the X-WebAI-Sig-Meta header value. Padding variants
// are rejected: the header is base64url without padding.
func DecodeSigMeta(value string) (SigMeta, error) {
	var meta SigMeta
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return meta, fmt.Errorf("decode sig meta: %w", err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("parse sig meta: %w", err)
	}
	if meta.TS == 0 || meta.Nonce == "" || meta.KeyID == "" || meta.BodySHA256 == "" {
		return meta, fmt.Errorf("sig meta missing required fields")
	}
	return meta, nil
}

// PathAndQuery joins a request path with its raw query the way both signer
// and verifier must see it.
func PathAndQuery(path, rawQuery string) string {
	if rawQuery == "" {
		return path
	}
	return path + "?" + rawQuery
}
