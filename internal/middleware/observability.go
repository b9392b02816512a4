package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-eval/internal/observability"
)

const observedPrefix = "/api/v2"

// Observability records request metrics and one structured log line per evaluation API call.
// Live stream routes are skipped because their duration is the lifetime of the socket.
func Observability(logger zerolog.Logger) fiber.Handler {
	observability.RegisterMetrics()

	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		route := routeTemplate(c)
		if !strings.HasPrefix(route, observedPrefix) || strings.HasSuffix(route, "/live") {
			return err
		}

		duration := time.Since(start)
		method := c.Method()
		status := c.Response().StatusCode()
		statusLabel := strconv.Itoa(status)

		observability.APIRequests().WithLabelValues(method, route, statusLabel).Inc()
		observability.APILatency().WithLabelValues(method, route).Observe(duration.Seconds())
		if status >= fiber.StatusBadRequest {
			observability.APIErrors().WithLabelValues(method, route, statusLabel).Inc()
		}

		logRequest(logger, c, route, status, duration)
		return err
	}
}

func logRequest(base zerolog.Logger, c *fiber.Ctx, route string, status int, duration time.Duration) {
	var event *zerolog.Event
	switch {
	case status >= fiber.StatusInternalServerError:
		event = base.Error()
	case status >= fiber.StatusBadRequest:
		event = base.Warn()
	default:
		event = base.Info()
	}

	event = event.
		Str("correlation_id", RequestCorrelationID(c)).
		Str("method", c.Method()).
		Str("route", route).
		Int("status", status).
		Float64("latency_ms", float64(duration)/float64(time.Millisecond)).
		Str("latency_bucket", latencyBucket(duration))
	if jobID := c.Params("id"); jobID != "" {
		event = event.Str("job_id", jobID)
	}
	if userID, ok := c.Locals("user_id").(string); ok && userID != "" {
		event = event.Str("user_id", userID)
	}
	event.Msg("request completed")
}

func routeTemplate(c *fiber.Ctx) string {
	if route := c.Route(); route != nil && route.Path != "" && route.Path != "/" {
		return route.Path
	}
	return c.Path()
}

// latencyBucket groups latencies for log queries. Batch processing calls run for minutes, so the
// upper buckets are wide.
func latencyBucket(duration time.Duration) string {
	switch {
	case duration <= 50*time.Millisecond:
		return "<=50ms"
	case duration <= 250*time.Millisecond:
		return "<=250ms"
	case duration <= time.Second:
		return "<=1s"
	case duration <= 30*time.Second:
		return "<=30s"
	case duration <= 5*time.Minute:
		return "<=5m"
	default:
		return ">5m"
	}
}
