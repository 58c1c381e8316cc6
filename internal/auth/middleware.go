package auth

import (
	"net/http"
	"slices"
	"strings"

	"github.com/KevinKickass/SorterBridge/internal/types"
	"github.com/gin-gonic/gin"
)

const (
	permissionsKey = "permissions"
	usernameKey    = "username"
	roleKey        = "role"
)

// AuthMiddleware validates bearer tokens. With authentication disabled
// every request gets admin permissions.
func (a *AuthService) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.enabled {
			c.Set(permissionsKey, roleToPermissions("admin"))
			c.Set(usernameKey, "anonymous")
			c.Set(roleKey, "admin")
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("AUTH_401", "missing authorization header", nil))
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("AUTH_401", "invalid authorization header format", nil))
			return
		}

		claims, permissions, err := a.ValidateToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("AUTH_401", "invalid or expired token", nil))
			return
		}

		c.Set(permissionsKey, permissions)
		c.Set(usernameKey, claims.Username)
		c.Set(roleKey, claims.Role)
		c.Next()
	}
}

// RequirePermission checks if user has required permission
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !slices.Contains(Permissions(c), required) {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse("AUTH_403", "insufficient permissions", gin.H{"required": string(required)}))
			return
		}

		c.Next()
	}
}

// Permissions extracts the permissions set by AuthMiddleware.
func Permissions(c *gin.Context) []Permission {
	if perms, ok := c.Get(permissionsKey); ok {
		if p, ok := perms.([]Permission); ok {
			return p
		}
	}
	return nil
}

// Username returns the authenticated operator, if any.
func Username(c *gin.Context) string {
	return c.GetString(usernameKey)
}
