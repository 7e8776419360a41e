package middleware

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/redlegion/eventpay/internal/auth"
	"github.com/redlegion/eventpay/pkg/response"
)

// RequireRole admits operators whose token role is one of roles. It must run after JWT.
// Unknown role names panic at route setup.
func RequireRole(roles ...string) gin.HandlerFunc {
	for _, r := range roles {
		if !auth.ValidRole(r) {
			panic(fmt.Sprintf("middleware: unknown role %q", r))
		}
	}
	need := strings.Join(roles, " or ")
	return func(c *gin.Context) {
		role := c.GetString(ContextUserRole)
		if role == "" {
			response.Unauthorized(c, "missing operator context")
			c.Abort()
			return
		}
		if !slices.Contains(roles, role) {
			response.Forbidden(c, "requires role "+need)
			c.Abort()
			return
		}
		c.Next()
	}
}
