package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/SorterBridge/internal/auth"
	"github.com/KevinKickass/SorterBridge/internal/types"
	"github.com/gin-gonic/gin"
)

// Login request/response types
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"` // seconds
	Role        string `json:"role"`
}

// POST /api/v1/auth/login
func (s *Server) login(c *gin.Context) {
	if !s.authService.Enabled() {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("AUTH_404", "Authentication is disabled", nil))
		return
	}

	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("AUTH_400", "Invalid request body", err.Error()))
		return
	}

	result, err := s.authService.Login(req.Username, req.Password, c.ClientIP())
	if err != nil {
		if errors.Is(err, auth.ErrAccountLocked) {
			c.JSON(http.StatusTooManyRequests, types.NewErrorResponse("AUTH_429", "Account locked", err.Error()))
			return
		}
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse("AUTH_401", "Invalid credentials", nil))
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		AccessToken: result.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   result.ExpiresIn,
		Role:        result.Role,
	})
}

// GET /api/v1/auth/me
func (s *Server) getCurrentUser(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"username":    auth.Username(c),
		"permissions": auth.Permissions(c),
	})
}
