package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ScopeConfig holds configuration for scope middleware
type ScopeConfig struct {
	// Logger for middleware logging
	Logger *zap.Logger
	// OnDenied is called when a scope check fails (optional)
	OnDenied func(c *gin.Context, requiredScopes []string)
}

// RequireScope creates middleware that requires a specific token scope.
// A token with no scopes at all is unrestricted and passes every check.
func RequireScope(scope string) gin.HandlerFunc {
	return RequireAnyScope(scope)
}

// RequireScopeWithConfig creates middleware with custom config
func RequireScopeWithConfig(scope string, cfg ScopeConfig) gin.HandlerFunc {
	return RequireAnyScopeWithConfig(cfg, scope)
}

// RequireAnyScope creates middleware that requires any of the specified scopes
func RequireAnyScope(scopes ...string) gin.HandlerFunc {
	return RequireAnyScopeWithConfig(ScopeConfig{}, scopes...)
}

// RequireAnyScopeWithConfig creates middleware that requires any of the specified scopes with custom config
func RequireAnyScopeWithConfig(cfg ScopeConfig, scopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetJWTClaims(c)
		if claims == nil {
			handleScopeDenied(c, cfg, scopes, "No authentication claims found")
			return
		}

		allowed := false
		for _, scope := range scopes {
			if claims.AllowsScope(scope) {
				allowed = true
				break
			}
		}
		if !allowed {
			handleScopeDenied(c, cfg, scopes, "Token lacks required scope")
			return
		}

		if cfg.Logger != nil {
			cfg.Logger.Debug("Scope check passed",
				zap.String("tenant_id", claims.TenantID),
				zap.Strings("required_any", scopes),
				zap.Strings("token_scopes", claims.Scopes),
			)
		}

		c.Next()
	}
}

// RequireAllScopes creates middleware that requires all of the specified scopes
func RequireAllScopes(scopes ...string) gin.HandlerFunc {
	return RequireAllScopesWithConfig(ScopeConfig{}, scopes...)
}

// RequireAllScopesWithConfig creates middleware that requires all scopes with custom config
func RequireAllScopesWithConfig(cfg ScopeConfig, scopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetJWTClaims(c)
		if claims == nil {
			handleScopeDenied(c, cfg, scopes, "No authentication claims found")
			return
		}

		for _, scope := range scopes {
			if !claims.AllowsScope(scope) {
				handleScopeDenied(c, cfg, scopes, "Token lacks one or more required scopes")
				return
			}
		}

		if cfg.Logger != nil {
			cfg.Logger.Debug("All scopes check passed",
				zap.String("tenant_id", claims.TenantID),
				zap.Strings("required_all", scopes),
				zap.Strings("token_scopes", claims.Scopes),
			)
		}

		c.Next()
	}
}

// handleScopeDenied handles scope denied scenarios
func handleScopeDenied(c *gin.Context, cfg ScopeConfig, requiredScopes []string, reason string) {
	if cfg.OnDenied != nil {
		cfg.OnDenied(c, requiredScopes)
		return
	}

	if cfg.Logger != nil {
		claims := GetJWTClaims(c)
		tenantID := ""
		tokenScopes := []string{}
		if claims != nil {
			tenantID = claims.TenantID
			tokenScopes = claims.Scopes
		}

		cfg.Logger.Warn("Scope denied",
			zap.String("reason", reason),
			zap.String("tenant_id", tenantID),
			zap.Strings("required_scopes", requiredScopes),
			zap.Strings("token_scopes", tokenScopes),
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
		)
	}

	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
		"success": false,
		"error": gin.H{
			"code":    "ERR_FORBIDDEN",
			"message": "Access denied: insufficient token scope",
		},
	})
}

// HasTokenScope is a helper function to check a scope in handlers
// Returns true if the token allows the specified scope
func HasTokenScope(c *gin.Context, scope string) bool {
	claims := GetJWTClaims(c)
	if claims == nil {
		return false
	}
	return claims.AllowsScope(scope)
}

// MustHaveScope aborts the request if the token doesn't allow the scope
// Returns true if the scope is allowed, false if aborted
func MustHaveScope(c *gin.Context, scope string) bool {
	if !HasTokenScope(c, scope) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "ERR_FORBIDDEN",
				"message": "Access denied: insufficient token scope",
			},
		})
		return false
	}
	return true
}
