package api

import (
	"bytes"
	stderrors "errors"
	"io"

	"github.com/gin-gonic/gin"

	apperrors "github.com/webai/webai/internal/common/errors"
	"github.com/webai/webai/internal/common/httpmw"
	"github.com/webai/webai/internal/common/logger"
	"github.com/webai/webai/internal/metrics"
	"github.com/webai/webai/internal/trust"
)

// contextKeyID is where the middleware stores the verified signing key id.
const contextKeyID = "envelope_key_id"

// EnvelopeAuth verifies the signed request envelope on every request it
// wraps. Verification is skipped only when the node does not require auth
// and no keys are trusted; once a key is installed, requests must be
// signed regardless of the flag.
//
// The body is consumed to check the signed hash and restored for the
// handler's own JSON binding.
func EnvelopeAuth(verifier *trust.Verifier, keyring *trust.Keyring, requireAuth bool, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireAuth && keyring.Empty() {
			c.Next()
			return
		}

		var body []byte
		if c.Request.Body != nil {
			var err error
			body, err = io.ReadAll(c.Request.Body)
			if err != nil {
				httpmw.WriteError(c, log, apperrors.InvalidInput("Failed to read request body."))
				c.Abort()
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		keyID, err := verifier.Verify(c.Request, body)
		if err != nil {
			var appErr *apperrors.AppError
			reason := "unknown"
			if stderrors.As(err, &appErr) && appErr.Reason != "" {
				reason = appErr.Reason
			}
			metrics.EnvelopeRejections.WithLabelValues(reason).Inc()
			httpmw.WriteError(c, log, err)
			c.Abort()
			return
		}

		c.Set(contextKeyID, keyID)
		c.Next()
	}
}
