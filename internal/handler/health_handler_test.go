package handler_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-exam-eval/internal/config"
	"github.com/noah-isme/gema-exam-eval/internal/handler"
	"github.com/noah-isme/gema-exam-eval/internal/router"
)

func TestHealthCheckThroughRouter(t *testing.T) {
	cfg := config.Config{
		AppName: "GEMA Exam Eval",
		AppEnv:  "test",
		AI:      config.AIConfig{Generator: "gemini", Scorer: "anthropic"},
	}

	app := fiber.New()
	router.Register(app, cfg, router.Dependencies{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, cfg.AppName, resp.Header.Get("X-Application"))

	payload := decodeEnvelope[handler.HealthResponse](t, resp)
	assert.True(t, payload.Success)
	assert.Equal(t, "ok", payload.Data.Status)
	assert.Equal(t, cfg.AppEnv, payload.Data.Environment)
	assert.Equal(t, "gemini", payload.Data.Generator)
	assert.Equal(t, "anthropic", payload.Data.Scorer)
	assert.WithinDuration(t, time.Now().UTC(), payload.Data.Timestamp, 2*time.Second)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v2/evaluations/anything", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}
