package trust

import (
	"crypto/ed25519"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Signer produces request envelopes with the head's private key. It is safe
// for concurrent use.
type Signer struct {
	priv  ed25519.PrivateKey
	keyID string
	now   func() time.Time
	nonce func() string
}

// NewSigner creates a signer for the given private key. The key id is
// derived from the public half.
func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{
		priv:  priv,
		keyID: KeyID(priv.Public().(ed25519.PublicKey)),
		now:   time.Now,
		nonce: func() string { return uuid.New().String() },
	}
}

// KeyID returns the identifier of the signing key.
func (s *Signer) KeyID() string {
	return s.keyID
}

// Sign computes the envelope for a request and sets both headers on it.
// body must be the exact bytes the request will carry; pass nil for
// body-less requests.
func (s *Signer) Sign(req *http.Request, body []byte) error {
	sig, metaHeader, err := s.SignValues(req.Method, PathAndQuery(req.URL.Path, req.URL.RawQuery), body)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderSigMeta, metaHeader)
	return nil
}

// SignValues computes the envelope headers for the given request components
// without touching an http.Request. Returns the signature header value and
// the encoded metadata header value.
func (s *Signer) SignValues(method, pathAndQuery string, body []byte) (string, string, error) {
	meta := SigMeta{
		TS:         s.now().Unix(),
		Nonce:      s.nonce(),
		KeyID:      s.keyID,
		BodySHA256: BodyHash(body),
	}
	metaHeader, err := EncodeSigMeta(meta)
	if err != nil {
		return "", "", err
	}
	sig := ed25519.Sign(s.priv, []byte(CanonicalString(method, pathAndQuery, meta)))
	return base64.StdEncoding.EncodeToString(sig), metaHeader, nil
}
