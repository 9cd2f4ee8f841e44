package trust

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/webai/webai/internal/common/errors"
	"github.com/webai/webai/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// newTrustPair generates a keypair and returns a signer plus a verifier
// that trusts it.
func newTrustPair(t *testing.T) (*Signer, *Verifier) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pem, err := EncodePublicKeyPEM(pub)
	if err != nil {
		t.Fatalf("encode public key: %v", err)
	}
	keyring, err := NewKeyring(string(pem), "", testLogger(t))
	if err != nil {
		t.Fatalf("build keyring: %v", err)
	}
	return NewSigner(priv), NewVerifier(keyring, NewNonceCache(0, 0))
}

func signedRequest(t *testing.T, s *Signer, method, target string, body []byte) *http.Request {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if err := s.Sign(req, body); err != nil {
		t.Fatalf("sign request: %v", err)
	}
	return req
}

func rejectionReason(t *testing.T, err error) string {
	t.Helper()
	if err == nil {
		t.Fatal("expected verification to fail")
	}
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %T: %v", err, err)
	}
	return appErr.Reason
}

func TestVerifyAcceptsSignedRequest(t *testing.T) {
	signer, verifier := newTrustPair(t)

	req := signedRequest(t, signer, http.MethodGet, "/api/tasks", nil)
	keyID, err := verifier.Verify(req, nil)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if keyID != signer.KeyID() {
		t.Errorf("got key id %s, want %s", keyID, signer.KeyID())
	}
}

func TestVerifyAcceptsBodyAndQuery(t *testing.T) {
	signer, verifier := newTrustPair(t)

	body := []byte(`{"title":"check flight prices"}`)
	req := signedRequest(t, signer, http.MethodPost, "/api/tasks?source=head", body)
	if _, err := verifier.Verify(req, body); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestVerifyMissingEnvelope(t *testing.T) {
	_, verifier := newTrustPair(t)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	_, err := verifier.Verify(req, nil)
	if reason := rejectionReason(t, err); reason != apperrors.ReasonMissing {
		t.Errorf("got reason %q, want %q", reason, apperrors.ReasonMissing)
	}
}

func TestVerifyTamperedBody(t *testing.T) {
	signer, verifier := newTrustPair(t)

	body := []byte(`{"title":"original"}`)
	req := signedRequest(t, signer, http.MethodPost, "/api/tasks", body)

	_, err := verifier.Verify(req, []byte(`{"title":"swapped"}`))
	if reason := rejectionReason(t, err); reason != apperrors.ReasonBadSignature {
		t.Errorf("got reason %q, want %q", reason, apperrors.ReasonBadSignature)
	}
}

func TestVerifyTamperedPath(t *testing.T) {
	signer, verifier := newTrustPair(t)

	req := signedRequest(t, signer, http.MethodPost, "/api/tasks/abc/stop", nil)
	// Replay the same envelope against a different task.
	forged := httptest.NewRequest(http.MethodPost, "/api/tasks/xyz/stop", bytes.NewReader(nil))
	forged.Header.Set(HeaderSignature, req.Header.Get(HeaderSignature))
	forged.Header.Set(HeaderSigMeta, req.Header.Get(HeaderSigMeta))

	_, err := verifier.Verify(forged, nil)
	if reason := rejectionReason(t, err); reason != apperrors.ReasonBadSignature {
		t.Errorf("got reason %q, want %q", reason, apperrors.ReasonBadSignature)
	}
}

func TestVerifyTamperedQuery(t *testing.T) {
	signer, verifier := newTrustPair(t)

	req := signedRequest(t, signer, http.MethodGet, "/api/tasks?id=1", nil)
	forged := httptest.NewRequest(http.MethodGet, "/api/tasks?id=2", nil)
	forged.Header.Set(HeaderSignature, req.Header.Get(HeaderSignature))
	forged.Header.Set(HeaderSigMeta, req.Header.Get(HeaderSigMeta))

	_, err := verifier.Verify(forged, nil)
	if reason := rejectionReason(t, err); reason != apperrors.ReasonBadSignature {
		t.Errorf("got reason %q, want %q", reason, apperrors.ReasonBadSignature)
	}
}

func TestVerifyStaleTimestamp(t *testing.T) {
	signer, verifier := newTrustPair(t)

	// 61 seconds in the past is outside the window.
	signer.now = func() time.Time { return time.Now().Add(-61 * time.Second) }
	req := signedRequest(t, signer, http.MethodGet, "/api/tasks", nil)
	_, err := verifier.Verify(req, nil)
	if reason := rejectionReason(t, err); reason != apperrors.ReasonStale {
		t.Errorf("past: got reason %q, want %q", reason, apperrors.ReasonStale)
	}

	// Future timestamps are equally stale.
	signer.now = func() time.Time { return time.Now().Add(61 * time.Second) }
	req = signedRequest(t, signer, http.MethodGet, "/api/tasks", nil)
	_, err = verifier.Verify(req, nil)
	if reason := rejectionReason(t, err); reason != apperrors.ReasonStale {
		t.Errorf("future: got reason %q, want %q", reason, apperrors.ReasonStale)
	}
}

func TestVerifyWithinSkewWindow(t *testing.T) {
	signer, verifier := newTrustPair(t)

	signer.now = func() time.Time { return time.Now().Add(-59 * time.Second) }
	req := signedRequest(t, signer, http.MethodGet, "/api/tasks", nil)
	if _, err := verifier.Verify(req, nil); err != nil {
		t.Errorf("59s old envelope should verify: %v", err)
	}
}

func TestVerifyUnknownKey(t *testing.T) {
	_, verifier := newTrustPair(t)

	// Sign with a key the verifier does not trust.
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	stranger := NewSigner(otherPriv)
	req := signedRequest(t, stranger, http.MethodGet, "/api/tasks", nil)

	_, verr := verifier.Verify(req, nil)
	if reason := rejectionReason(t, verr); reason != apperrors.ReasonUnknownKey {
		t.Errorf("got reason %q, want %q", reason, apperrors.ReasonUnknownKey)
	}
}

func TestVerifyReplay(t *testing.T) {
	signer, verifier := newTrustPair(t)

	req := signedRequest(t, signer, http.MethodPost, "/api/tasks", []byte(`{}`))
	if _, err := verifier.Verify(req, []byte(`{}`)); err != nil {
		t.Fatalf("first verify failed: %v", err)
	}

	// Byte-identical resubmission must be rejected.
	_, err := verifier.Verify(req, []byte(`{}`))
	if reason := rejectionReason(t, err); reason != apperrors.ReasonReplayed {
		t.Errorf("got reason %q, want %q", reason, apperrors.ReasonReplayed)
	}
}

func TestForgedRequestDoesNotBurnNonce(t *testing.T) {
	signer, verifier := newTrustPair(t)

	body := []byte(`{"title":"legit"}`)
	req := signedRequest(t, signer, http.MethodPost, "/api/tasks", body)

	// An attacker replays the envelope with a different body. The nonce
	// must not be consumed by the failed attempt.
	if _, err := verifier.Verify(req, []byte(`{"title":"evil"}`)); err == nil {
		t.Fatal("tampered request should fail")
	}
	if _, err := verifier.Verify(req, body); err != nil {
		t.Errorf("legitimate request rejected after forged attempt: %v", err)
	}
}

func TestVerifyGarbledHeaders(t *testing.T) {
	signer, verifier := newTrustPair(t)

	req := signedRequest(t, signer, http.MethodGet, "/api/tasks", nil)
	req.Header.Set(HeaderSigMeta, "%%%not-base64url%%%")
	_, err := verifier.Verify(req, nil)
	if reason := rejectionReason(t, err); reason != apperrors.ReasonBadSignature {
		t.Errorf("garbled meta: got reason %q, want %q", reason, apperrors.ReasonBadSignature)
	}

	req = signedRequest(t, signer, http.MethodGet, "/api/tasks", nil)
	req.Header.Set(HeaderSignature, "!!!")
	_, err = verifier.Verify(req, nil)
	if reason := rejectionReason(t, err); reason != apperrors.ReasonBadSignature {
		t.Errorf("garbled signature: got reason %q, want %q", reason, apperrors.ReasonBadSignature)
	}
}

func TestVerifyNoTrustedKeys(t *testing.T) {
	keyring, err := NewKeyring("", "", testLogger(t))
	if err != nil {
		t.Fatalf("build keyring: %v", err)
	}
	verifier := NewVerifier(keyring, NewNonceCache(0, 0))

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	_, verr := verifier.Verify(req, nil)

	var appErr *apperrors.AppError
	if !errors.As(verr, &appErr) {
		t.Fatalf("expected AppError, got %v", verr)
	}
	if appErr.Code != apperrors.ErrCodeTrustNotConfigured {
		t.Errorf("got code %q, want %q", appErr.Code, apperrors.ErrCodeTrustNotConfigured)
	}
	if appErr.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want %d", appErr.HTTPStatus, http.StatusServiceUnavailable)
	}
}
