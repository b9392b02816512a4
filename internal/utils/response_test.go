package utils_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-exam-eval/internal/utils"
)

func respond(t *testing.T, handler fiber.Handler) (int, map[string]interface{}) {
	t.Helper()
	app := fiber.New()
	app.Get("/", handler)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp.StatusCode, payload
}

func TestOKIncludesMetaAndDefaults(t *testing.T) {
	status, payload := respond(t, func(c *fiber.Ctx) error {
		return utils.OK(c, fiber.Map{"job_id": "job-1"}, "", fiber.Map{"limit": 100})
	})

	require.Equal(t, fiber.StatusOK, status)
	require.Equal(t, true, payload["success"])
	require.Equal(t, "success", payload["message"])
	require.Equal(t, "job-1", payload["data"].(map[string]interface{})["job_id"])
	require.EqualValues(t, 100, payload["meta"].(map[string]interface{})["limit"])
	require.NotContains(t, payload, "details")
}

func TestSendSuccessWithStatusDefaultsToOK(t *testing.T) {
	status, payload := respond(t, func(c *fiber.Ctx) error {
		return utils.SendSuccessWithStatus(c, 0, "evaluation job created", fiber.Map{"status": "pending"})
	})

	require.Equal(t, fiber.StatusOK, status)
	require.Equal(t, "evaluation job created", payload["message"])
	require.NotContains(t, payload, "meta")

	status, _ = respond(t, func(c *fiber.Ctx) error {
		return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "", nil)
	})
	require.Equal(t, fiber.StatusCreated, status)
}

func TestSendErrorOmitsDetails(t *testing.T) {
	status, payload := respond(t, func(c *fiber.Ctx) error {
		return utils.SendError(c, fiber.StatusNotFound, "")
	})

	require.Equal(t, fiber.StatusNotFound, status)
	require.Equal(t, false, payload["success"])
	require.Equal(t, "error", payload["message"])
	require.NotContains(t, payload, "details")
	require.NotContains(t, payload, "data")
}

func TestFailIncludesDetails(t *testing.T) {
	status, payload := respond(t, func(c *fiber.Ctx) error {
		return utils.Fail(c, fiber.StatusBadRequest, "validation failed", map[string]string{"Pipelines": "required"})
	})

	require.Equal(t, fiber.StatusBadRequest, status)
	require.Equal(t, false, payload["success"])
	require.Equal(t, "validation failed", payload["message"])
	require.Equal(t, "required", payload["details"].(map[string]interface{})["Pipelines"])
}
