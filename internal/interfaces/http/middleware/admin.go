package middleware

import (
	"errors"
	"net/http"

	"github.com/briefly/metering/internal/infrastructure/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AdminKeyHeader carries the operator API key for administrative endpoints
const AdminKeyHeader = "X-Admin-Key"

// AdminAuthMiddleware protects administrative endpoints with the operator
// API key. Admin routes bypass tenant JWT auth entirely; they act across
// tenants and are never exposed to end users.
func AdminAuthMiddleware(verifier *auth.AdminKeyVerifier, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		if verifier == nil || !verifier.Enabled() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "ERR_UNAVAILABLE",
					"message": "Administrative API is not configured",
				},
			})
			return
		}

		presented := c.GetHeader(AdminKeyHeader)
		if presented == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "ERR_UNAUTHORIZED",
					"message": "Admin API key required",
				},
			})
			return
		}

		if err := verifier.Verify(presented); err != nil {
			if errors.Is(err, auth.ErrAdminKeyNotConfigured) {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"success": false,
					"error": gin.H{
						"code":    "ERR_UNAVAILABLE",
						"message": "Administrative API is not configured",
					},
				})
				return
			}

			logger.Warn("Admin API key rejected",
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "ERR_UNAUTHORIZED",
					"message": "Invalid admin API key",
				},
			})
			return
		}

		c.Next()
	}
}
