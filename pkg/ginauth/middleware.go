// Package ginauth adapts the AgentAuth token guard to gin handler chains.
package ginauth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agentauth/backend/pkg/sdk"
)

// ClaimsKey is where verified claims land in the gin context.
const ClaimsKey = "agentauth_claims"

// RequireToken aborts requests without a valid, sufficiently scored
// capability token.
//
//	r := gin.New()
//	r.Use(ginauth.RequireToken(sdk.NewGuard(secret, nil)))
func RequireToken(guard *sdk.Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing capability token"})
			return
		}

		claims, err := guard.Verify(strings.TrimSpace(auth[len(prefix):]))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid capability token"})
			return
		}
		if err := guard.Authorize(claims); err != nil {
			status := http.StatusForbidden
			if !errors.Is(err, sdk.ErrScoreTooLow) {
				status = http.StatusUnauthorized
			}
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
			return
		}

		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// ClaimsFrom returns the claims stored by RequireToken, if present.
func ClaimsFrom(c *gin.Context) (*sdk.Claims, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*sdk.Claims)
	return claims, ok
}
