package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agricore/module-orchestrator/internal/auth"
)

// RequireScope rejects requests whose token does not grant the scope.
func RequireScope(required auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		scopes, ok := c.Get(CtxScopes)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "no scopes present"})
			return
		}
		scopeList, ok := scopes.([]string)
		if !ok || !auth.HasScope(scopeList, required) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "insufficient permissions",
				"scope": string(required),
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects requests whose token does not carry the role. Module
// mutations require super-admin on top of their scope.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(CtxRole) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "insufficient role",
				"role":  role,
			})
			return
		}
		c.Next()
	}
}
