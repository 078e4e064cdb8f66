// README: Auth middleware verifying Firebase ID tokens and exposing the caller to handlers.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"campusride/internal/infra"
)

const (
	ctxUID  = "auth.uid"
	ctxRole = "auth.role"

	RoleDriver = "driver"
	RoleAdmin  = "admin"
)

// Auth rejects requests without a valid bearer token. Browsers cannot set headers on
// websocket upgrades, so the access_token query parameter is accepted as well.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), raw)
		if err != nil || token == nil || token.UID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxUID, token.UID)
		if role, ok := token.Claims["role"].(string); ok {
			c.Set(ctxRole, role)
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	if h := c.GetHeader("Authorization"); h != "" {
		v, found := strings.CutPrefix(h, "Bearer ")
		v = strings.TrimSpace(v)
		return v, found && v != ""
	}
	v := c.Query("access_token")
	return v, v != ""
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxUID)
}

// CallerRole is empty for plain passengers.
func CallerRole(c *gin.Context) string {
	return c.GetString(ctxRole)
}
