package rest

import (
	"net/http"

	"github.com/KevinKickass/SorterBridge/internal/types"
	"github.com/gin-gonic/gin"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.Status())
}

// GET /api/v1/config
func (s *Server) getConfig(c *gin.Context) {
	out, err := s.lm.Config().YAML()
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("CONFIG_500", "Failed to render config", err.Error()))
		return
	}
	c.Data(http.StatusOK, "application/yaml; charset=utf-8", out)
}
