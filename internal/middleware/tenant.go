package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// TenantMiddleware extracts the tenant from the X-Tenant-ID header and makes
// it available to handlers. Requests without a tenant are rejected except on
// health and documentation paths.
func TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isExemptPath(c.Request.URL.Path) {
			c.Next()
			return
		}

		tenantID := c.GetHeader("X-Tenant-ID")
		if tenantID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "X-Tenant-ID header is required"})
			c.Abort()
			return
		}

		c.Set("tenant_id", tenantID)
		c.Next()
	}
}

func isExemptPath(path string) bool {
	return path == "/health" ||
		path == "/ready" ||
		strings.HasPrefix(path, "/swagger")
}

// GetTenantID returns the tenant set by TenantMiddleware
func GetTenantID(c *gin.Context) string {
	return c.GetString("tenant_id")
}
