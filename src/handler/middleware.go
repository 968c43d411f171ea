package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/ethaccount/bundler/src/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const apiSecretHeader = "X-API-Secret"

func SetMiddlewares(ctx context.Context, ginRouter *gin.Engine) {
	ginRouter.Use(LoggerMiddleware(ctx))
}

// LoggerMiddleware injects a per-request logger into the request context and
// logs the request once it completes.
func LoggerMiddleware(ctx context.Context) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		zlog := zerolog.Ctx(ctx).With().
			Str("request_id", uuid.NewString()).
			Str("path", c.Request.URL.Path).
			Str("method", c.Request.Method).
			Logger()
		c.Request = c.Request.WithContext(zlog.WithContext(c.Request.Context()))
		c.Next()

		zlog.Debug().
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request handled")
	}
}

// SharedSecretMiddleware rejects requests whose X-API-Secret header does not
// match apiSecret.
func SharedSecretMiddleware(apiSecret string) gin.HandlerFunc {
	expected := []byte(apiSecret)
	return func(c *gin.Context) {
		provided := c.GetHeader(apiSecretHeader)
		if provided == "" {
			respondWithError(c, domain.NewError(
				domain.ErrorCodeAuthNotAuthenticated,
				errors.New("missing API secret header"),
				domain.WithMsg("Missing API secret"),
			))
			return
		}

		if subtle.ConstantTimeCompare([]byte(provided), expected) != 1 {
			respondWithError(c, domain.NewError(
				domain.ErrorCodeAuthNotAuthenticated,
				errors.New("invalid API secret provided"),
				domain.WithMsg("Invalid API secret"),
			))
			return
		}

		c.Next()
	}
}
