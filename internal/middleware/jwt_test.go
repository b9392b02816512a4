package middleware_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-exam-eval/internal/middleware"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestJWTProtected(t *testing.T) {
	app := fiber.New()
	app.Get("/", middleware.JWTProtected("secret"), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals("user_id").(string) + "|" + c.Locals("user_role").(string))
	})

	call := func(header string) *http.Response {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp
	}

	valid := signToken(t, "secret", jwt.MapClaims{"sub": float64(42), "roles": []interface{}{" Teacher "}, "exp": time.Now().Add(time.Hour).Unix()})
	resp := call("Bearer " + valid)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "42|teacher", string(body))

	missing := call("")
	require.Equal(t, fiber.StatusUnauthorized, missing.StatusCode)
	require.Equal(t, `Bearer realm="evaluations"`, missing.Header.Get(fiber.HeaderWWWAuthenticate))
	require.Equal(t, fiber.StatusUnauthorized, call("Token "+valid).StatusCode)
	require.Equal(t, fiber.StatusUnauthorized, call("Bearer "+signToken(t, "other", jwt.MapClaims{"sub": "u"})).StatusCode)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, call("Bearer "+none).StatusCode)

	expired := signToken(t, "secret", jwt.MapClaims{"sub": "u", "role": "admin", "exp": time.Now().Add(-time.Hour).Unix()})
	require.Equal(t, fiber.StatusUnauthorized, call("Bearer "+expired).StatusCode)
}
