package middleware

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CorrelationHeader carries the request correlation id in both directions.
const CorrelationHeader = "X-Correlation-ID"

const maxCorrelationIDLength = 128

type correlationIDKey struct{}

// CorrelationID accepts an incoming X-Correlation-ID or X-Request-ID, or mints one, and binds it
// to the request locals, the user context and the response headers.
func CorrelationID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := cleanCorrelationID(c.Get(CorrelationHeader))
		if id == "" {
			id = cleanCorrelationID(c.Get(fiber.HeaderXRequestID))
		}
		if id == "" {
			id = uuid.NewString()
		}

		c.Locals("correlation_id", id)
		c.Set(CorrelationHeader, id)
		c.SetUserContext(WithCorrelationID(c.UserContext(), id))
		return c.Next()
	}
}

// RequestCorrelationID returns the correlation id bound to the active request.
func RequestCorrelationID(c *fiber.Ctx) string {
	if c == nil {
		return ""
	}
	if id, ok := c.Locals("correlation_id").(string); ok {
		return id
	}
	return CorrelationIDFrom(c.UserContext())
}

// WithCorrelationID returns ctx carrying id. Blank ids leave ctx untouched.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	id = cleanCorrelationID(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDFrom extracts the correlation id from ctx, if present.
func CorrelationIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// CorrelatedLogger tags logger with the correlation id found in ctx.
func CorrelatedLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if id := CorrelationIDFrom(ctx); id != "" {
		return logger.With().Str("correlation_id", id).Logger()
	}
	return logger
}

// cleanCorrelationID drops ids that are oversized or contain anything but printable ASCII.
func cleanCorrelationID(raw string) string {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > maxCorrelationIDLength {
		return ""
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return ""
		}
	}
	return id
}
