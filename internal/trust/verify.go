package trust

import (
	"crypto/ed25519"
	"encoding/base64"
	"net/http"
	"time"

	apperrors "github.com/webai/webai/internal/common/errors"
)

// Verifier checks request envelopes against the node's trusted keys and
// replay cache. Every rejection carries a machine-readable reason so the
// caller can tell a forged request apart from a stale or replayed one.
type Verifier struct {
	keyring *Keyring
	nonces  *NonceCache
	skew    time.Duration
	now     func() time.Time
}

// NewVerifier builds a verifier over a keyring and nonce cache using the
// standard clock-skew bound.
func NewVerifier(keyring *Keyring, nonces *NonceCache) *Verifier {
	return &Verifier{
		keyring: keyring,
		nonces:  nonces,
		skew:    MaxClockSkewSeconds * time.Second,
		now:     time.Now,
	}
}

// Verify validates the envelope on a request. body must be the exact bytes
// the request carried. On success it returns the id of the key that signed
// the request.
//
// The nonce is recorded only after the signature checks out, so forged
// requests cannot poison the replay cache and lock out the legitimate head.
func (v *Verifier) Verify(r *http.Request, body []byte) (string, error) {
	if v.keyring.Empty() {
		return "", apperrors.TrustNotConfigured()
	}

	sigHeader := r.Header.Get(HeaderSignature)
	metaHeader := r.Header.Get(HeaderSigMeta)
	if sigHeader == "" || metaHeader == "" {
		return "", apperrors.Unauthorized(apperrors.ReasonMissing)
	}

	meta, err := DecodeSigMeta(metaHeader)
	if err != nil {
		return "", apperrors.Unauthorized(apperrors.ReasonBadSignature)
	}
	sig, err := base64.StdEncoding.DecodeString(sigHeader)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return "", apperrors.Unauthorized(apperrors.ReasonBadSignature)
	}

	pub, ok := v.keyring.Lookup(meta.KeyID)
	if !ok {
		return "", apperrors.Unauthorized(apperrors.ReasonUnknownKey)
	}

	if delta := v.now().Unix() - meta.TS; delta > int64(v.skew.Seconds()) || -delta > int64(v.skew.Seconds()) {
		return "", apperrors.Unauthorized(apperrors.ReasonStale)
	}

	// The signed body hash must match what actually arrived.
	if BodyHash(body) != meta.BodySHA256 {
		return "", apperrors.Unauthorized(apperrors.ReasonBadSignature)
	}

	canonical := CanonicalString(r.Method, PathAndQuery(r.URL.Path, r.URL.RawQuery), meta)
	if !ed25519.Verify(pub, []byte(canonical), sig) {
		return "", apperrors.Unauthorized(apperrors.ReasonBadSignature)
	}

	if !v.nonces.Remember(meta.KeyID, meta.Nonce) {
		return "", apperrors.Unauthorized(apperrors.ReasonReplayed)
	}

	return meta.KeyID, nil
}
