package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/vcs-repack/backend/pkg/response"
)

// RequireRole aborts the request unless the authenticated user has one of
// the given roles. Must run after JWT().
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		role := c.GetString(ContextUserRole)
		if !allowed[role] {
			response.Forbidden(c, "insufficient privileges")
			c.Abort()
			return
		}
		c.Next()
	}
}
