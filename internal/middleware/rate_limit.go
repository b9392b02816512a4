package middleware

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/noah-isme/gema-exam-eval/internal/utils"
)

// RateLimitConfig bounds how often one caller may hit a route group.
type RateLimitConfig struct {
	Name   string
	Max    int
	Window time.Duration
	// Methods restricts the limiter to these HTTP methods. Empty limits every method.
	Methods []string
}

// RateLimit builds a limiter keyed by the authenticated user, falling back to the client IP.
func RateLimit(cfg RateLimitConfig) fiber.Handler {
	if cfg.Max <= 0 {
		cfg.Max = 30
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	methods := make(map[string]struct{}, len(cfg.Methods))
	for _, method := range cfg.Methods {
		methods[strings.ToUpper(method)] = struct{}{}
	}

	return limiter.New(limiter.Config{
		Max:        cfg.Max,
		Expiration: cfg.Window,
		Next: func(c *fiber.Ctx) bool {
			if len(methods) == 0 {
				return false
			}
			_, limited := methods[c.Method()]
			return !limited
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return cfg.Name + ":" + rateLimitSubject(c)
		},
		LimitReached: func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(cfg.Window.Seconds())))
			return utils.Fail(c, fiber.StatusTooManyRequests, "rate limit exceeded", fiber.Map{"limit": cfg.Max, "window": cfg.Window.String()})
		},
	})
}

func rateLimitSubject(c *fiber.Ctx) string {
	switch v := c.Locals("user_id").(type) {
	case string:
		if id := strings.TrimSpace(v); id != "" {
			return "user:" + id
		}
	case fmt.Stringer:
		if id := strings.TrimSpace(v.String()); id != "" {
			return "user:" + id
		}
	}
	return "ip:" + c.IP()
}
