package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-exam-eval/internal/config"
	"github.com/noah-isme/gema-exam-eval/internal/utils"
)

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	Generator   string    `json:"generator"`
	Scorer      string    `json:"scorer"`
}

// HealthCheck reports liveness together with the configured AI providers.
func HealthCheck(cfg config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			Generator:   cfg.AI.Generator,
			Scorer:      cfg.AI.Scorer,
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
