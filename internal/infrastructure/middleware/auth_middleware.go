package middleware

import (
	"strings"

	"callcore/internal/core/services"
	"callcore/pkg/errors"

	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

// AuthMiddleware validates the bearer token and stores its claims on the
// gin context.
func AuthMiddleware(tokens services.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortWith(c, errors.NewUnauthorizedError("authorization header required"))
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			abortWith(c, errors.NewUnauthorizedError("invalid authorization header format"))
			return
		}

		claims, err := tokens.ValidateToken(parts[1])
		if err != nil {
			abortWith(c, errors.NewUnauthorizedError(err.Error()))
			return
		}

		c.Set(claimsKey, claims)
		c.Set("subject", claims.Subject)
		c.Next()
	}
}

// RequireRole rejects requests whose claims carry another role. It must run
// after AuthMiddleware.
func RequireRole(role services.TokenRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			abortWith(c, errors.NewUnauthorizedError("authentication required"))
			return
		}
		if claims.Role != role {
			abortWith(c, errors.NewForbiddenError("insufficient permissions"))
			return
		}
		c.Next()
	}
}

func ClaimsFrom(c *gin.Context) (*services.RoomClaims, bool) {
	v, exists := c.Get(claimsKey)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*services.RoomClaims)
	return claims, ok
}

// abortWith stops the chain with the same body shape ErrorHandlerMiddleware
// produces.
func abortWith(c *gin.Context, appErr *errors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}
