package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyOperator is the gin context key holding the validated claims.
const ContextKeyOperator = "operator_claims"

// Middleware validates the bearer token on protected routes. WebSocket
// clients cannot set headers from the browser, so a `token` query parameter
// is accepted as a fallback.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   ErrUnauthorized.Code,
				"message": "missing authorization",
			})
			return
		}

		claims, err := m.Validate(tokenString)
		if err != nil {
			authErr, ok := err.(AuthError)
			if !ok {
				authErr = ErrInvalidToken
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   authErr.Code,
				"message": authErr.Message,
			})
			return
		}

		c.Set(ContextKeyOperator, claims)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// OperatorClaims extracts the validated claims from the gin context.
func OperatorClaims(c *gin.Context) *Claims {
	if claims, exists := c.Get(ContextKeyOperator); exists {
		if typed, ok := claims.(*Claims); ok {
			return typed
		}
	}
	return nil
}
