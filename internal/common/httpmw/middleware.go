// Package httpmw provides HTTP middleware shared by the node and head APIs.
package httpmw

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/webai/webai/internal/common/errors"
	"github.com/webai/webai/internal/common/logger"
)

// RequestLogger logs all incoming requests with detailed information.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// Generate request ID
		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		// Process request
		c.Next()

		// Log request details
		duration := time.Since(start)
		log.Info("Request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", duration),
			zap.String("request_id", requestID),
		)
	}
}

// Recovery recovers from panics and logs them.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{
						"code":    errors.ErrCodeInternal,
						"message": "An internal server error occurred",
					},
				})
			}
		}()

		c.Next()
	}
}

// CORS adds CORS headers for cross-origin requests.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-WebAI-Signature, X-WebAI-Sig-Meta")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RateLimit limits requests to the wrapped routes using a shared token
// bucket. Used on the enrollment endpoint to slow token guessing.
func RateLimit(requestsPerSecond float64, burst int) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(requestsPerSecond), burst)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"code":    errors.ErrCodeInvalidInput,
					"message": "Too many requests, please try again later",
				},
			})
			return
		}

		c.Next()
	}
}

// WriteError maps any error to the wire error envelope and writes it.
// AppErrors keep their code, message, reason and status; anything else
// becomes an internal error with a fresh correlation id so the log line
// and the response can be matched up later.
func WriteError(c *gin.Context, log *logger.Logger, err error) {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr})
		return
	}

	correlationID := uuid.New().String()
	log.Error("Internal server error",
		zap.String("correlation_id", correlationID),
		zap.Error(err),
	)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": &errors.AppError{
			Code:          errors.ErrCodeInternal,
			Message:       "An internal server error occurred",
			CorrelationID: correlationID,
		},
	})
}
