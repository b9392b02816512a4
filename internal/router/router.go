package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-exam-eval/internal/config"
	"github.com/noah-isme/gema-exam-eval/internal/handler"
	"github.com/noah-isme/gema-exam-eval/internal/middleware"
	"github.com/noah-isme/gema-exam-eval/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	EvaluationHandler  *handler.EvaluationHandler
	ReviewQueueHandler *handler.ReviewQueueHandler
	JWTMiddleware      fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.EvaluationHandler != nil {
		limiter := middleware.RateLimit(middleware.RateLimitConfig{
			Name:    "evaluations",
			Max:     cfg.Evaluation.MutationsPerMinute,
			Window:  time.Minute,
			Methods: []string{fiber.MethodPost},
		})
		evaluations := app.Group("/api/v2/evaluations", jwtMiddleware, limiter)
		deps.EvaluationHandler.Register(evaluations)
	}

	// Review queue is limited to reviewers
	if deps.ReviewQueueHandler != nil {
		reviews := app.Group("/api/v2/review-queue", jwtMiddleware, middleware.RequireRole(middleware.PrivilegedRoles...))
		deps.ReviewQueueHandler.Register(reviews)
	}
}
