package middleware

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-exam-eval/internal/utils"
)

// Access levels understood by WithAuth.
const (
	AuthRoleAny      = "any"
	AuthRoleAdmin    = "admin"
	AuthRoleReviewer = "reviewer"
)

// PrivilegedRoles may act on evaluation jobs they do not own and work the review queue.
var PrivilegedRoles = []string{"admin", "teacher"}

// IsPrivilegedRole reports whether role belongs to PrivilegedRoles.
func IsPrivilegedRole(role string) bool {
	return slices.Contains(PrivilegedRoles, strings.ToLower(strings.TrimSpace(role)))
}

// AuthOptions configures WithAuth. A caller must carry a user id unless AllowAnonymous is set
// and Role is AuthRoleAny.
type AuthOptions struct {
	Role           string
	AllowAnonymous bool
}

// WithAuth guards a single handler with an identity and role check.
func WithAuth(handler fiber.Handler, opts AuthOptions) fiber.Handler {
	access := strings.ToLower(strings.TrimSpace(opts.Role))
	if access == "" {
		access = AuthRoleAny
	}
	allowAnonymous := opts.AllowAnonymous && access == AuthRoleAny
	permits := roleCheck(access)

	return func(c *fiber.Ctx) error {
		if !allowAnonymous && c.Locals("user_id") == nil {
			return utils.Fail(c, fiber.StatusUnauthorized, "authentication required", nil)
		}
		if permits != nil && !permits(normalizeRoleValue(c.Locals("user_role"))) {
			return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", nil)
		}
		return handler(c)
	}
}

func roleCheck(access string) func(string) bool {
	switch access {
	case AuthRoleAny:
		return nil
	case AuthRoleReviewer:
		return IsPrivilegedRole
	default:
		return func(role string) bool { return role == access }
	}
}

// RequireRole rejects every request in a group whose token role is not one of roles.
func RequireRole(roles ...string) fiber.Handler {
	allowed := make([]string, 0, len(roles))
	for _, role := range roles {
		if role = strings.ToLower(strings.TrimSpace(role)); role != "" {
			allowed = append(allowed, role)
		}
	}

	return func(c *fiber.Ctx) error {
		if !slices.Contains(allowed, normalizeRoleValue(c.Locals("user_role"))) {
			return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
		}
		return c.Next()
	}
}

func normalizeRoleValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case fmt.Stringer:
		return strings.ToLower(strings.TrimSpace(v.String()))
	default:
		return strings.ToLower(strings.TrimSpace(fmt.Sprint(v)))
	}
}
