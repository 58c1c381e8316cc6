package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/SorterBridge/internal/auth"
	"github.com/KevinKickass/SorterBridge/internal/bridge"
	"github.com/KevinKickass/SorterBridge/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// POST /api/v1/controller/cleaning-mode
func (s *Server) setCleaningMode(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("CONTROLLER_400", "Invalid request body", err.Error()))
		return
	}

	if err := s.lm.SetCleaningMode(*req.Enabled); err != nil {
		switch {
		case errors.Is(err, bridge.ErrCleaningModeUnavailable):
			c.JSON(http.StatusNotImplemented, types.NewErrorResponse("CONTROLLER_501", "Cleaning mode not configured", err.Error()))
		case errors.Is(err, bridge.ErrNotRunning), errors.Is(err, bridge.ErrCommandQueueFull):
			c.JSON(http.StatusConflict, types.NewErrorResponse("CONTROLLER_409", "Command not accepted", err.Error()))
		default:
			c.JSON(http.StatusInternalServerError, types.NewErrorResponse("CONTROLLER_500", "Command failed", err.Error()))
		}
		return
	}

	s.logger.Info("Cleaning mode requested",
		zap.Bool("enabled", *req.Enabled),
		zap.String("by", auth.Username(c)))

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Command accepted",
		"enabled": *req.Enabled,
	})
}
