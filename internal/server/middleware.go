package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/Huddle/internal/adapters/identity"
)

// TokenAuth validates the access token and stores the caller identity in
// the gin context. Websocket clients that cannot set headers pass the
// token as a query parameter instead.
func TokenAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token required"})
			return
		}

		ident, err := identity.FromToken(tokenString, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("participant_id", string(ident.SelfID()))
		c.Set("display_name", ident.DisplayName())
		c.Set("role", string(ident.Role()))
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}
