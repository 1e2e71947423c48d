package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yeremiapane/plant-market/utils"
)

// AuthMiddleware accepts "Authorization: Bearer <jwt>" or, for websocket
// upgrades where browsers cannot set headers, a ?token= query parameter.
func AuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := ""
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			if !strings.HasPrefix(authHeader, "Bearer ") {
				utils.RespondError(c, http.StatusUnauthorized, "Invalid authorization header")
				c.Abort()
				return
			}
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
		} else {
			tokenString = c.Query("token")
		}

		if tokenString == "" {
			utils.RespondError(c, http.StatusUnauthorized, "Authorization header missing")
			c.Abort()
			return
		}

		claims, err := utils.ParseToken(secret, tokenString)
		if err != nil || claims.UserID == 0 {
			utils.InfoLogger.WithFields(logrus.Fields{
				"path":   c.FullPath(),
				"client": c.ClientIP(),
			}).Warn("rejected token")
			utils.RespondError(c, http.StatusUnauthorized, "Invalid or expired token")
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("role", claims.Role)
		c.Next()
	}
}
