package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// AuthMiddleware validates the bearer token and places the caller's identity
// on the context. Internal service calls authenticated by the gateway pass
// through on the X-Internal-Service header.
func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isExemptPath(c.Request.URL.Path) {
			c.Next()
			return
		}

		if svc := c.GetHeader("X-Internal-Service"); svc != "" {
			c.Set("user_id", "service:"+svc)
			c.Set("user_role", "internal")
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or malformed authorization header"})
			c.Abort()
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(jwtSecret), nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		if sub, ok := claims["sub"].(string); ok {
			c.Set("user_id", sub)
		}
		if role, ok := claims["role"].(string); ok {
			c.Set("user_role", role)
		}
		if tenant, ok := claims["tenant_id"].(string); ok && c.GetString("tenant_id") == "" {
			c.Set("tenant_id", tenant)
		}
		c.Next()
	}
}

// GetUserID returns the authenticated user id
func GetUserID(c *gin.Context) string {
	return c.GetString("user_id")
}

// GetUserRole returns the authenticated user's role
func GetUserRole(c *gin.Context) string {
	return c.GetString("user_role")
}
