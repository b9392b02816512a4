package middleware_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-exam-eval/internal/middleware"
)

func TestCorrelationIDPropagation(t *testing.T) {
	app := fiber.New()
	app.Use(middleware.CorrelationID())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(middleware.CorrelationIDFrom(c.UserContext()) + "|" + middleware.RequestCorrelationID(c))
	})

	cases := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{name: "correlation header", headers: map[string]string{"X-Correlation-ID": "abc-123"}, want: "abc-123"},
		{name: "request id fallback", headers: map[string]string{"X-Request-ID": "req-9"}, want: "req-9"},
		{name: "oversized id replaced", headers: map[string]string{"X-Correlation-ID": strings.Repeat("x", 200)}},
		{name: "generated", headers: map[string]string{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for key, value := range tc.headers {
				req.Header.Set(key, value)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			id := resp.Header.Get(middleware.CorrelationHeader)
			require.NotEmpty(t, id)
			require.LessOrEqual(t, len(id), 128)
			if tc.want != "" {
				require.Equal(t, tc.want, id)
			}

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			require.Equal(t, id+"|"+id, string(body))
		})
	}
}

func TestWithCorrelationIDIgnoresBlank(t *testing.T) {
	ctx := middleware.WithCorrelationID(context.Background(), "  ")
	require.NotNil(t, ctx)
	require.Empty(t, middleware.CorrelationIDFrom(ctx))

	ctx = middleware.WithCorrelationID(ctx, "job-run")
	require.Equal(t, "job-run", middleware.CorrelationIDFrom(ctx))
}
