package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yeremiapane/plant-market/utils"
)

// RoleCheck lets the request through when the authenticated role is one of
// roles. It must run after AuthMiddleware.
func RoleCheck(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userRole, exists := c.Get("role")
		if !exists {
			utils.RespondError(c, http.StatusUnauthorized, "Unauthorized")
			c.Abort()
			return
		}

		for _, r := range roles {
			if userRole == r {
				c.Next()
				return
			}
		}

		utils.RespondError(c, http.StatusForbidden, "Insufficient role")
		c.Abort()
	}
}
