package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/KevinKickass/SorterBridge/internal/auth"
	"github.com/KevinKickass/SorterBridge/internal/interfaces"
	"github.com/KevinKickass/SorterBridge/internal/storage"
	"github.com/KevinKickass/SorterBridge/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// channelParam parses :channel and writes the error response itself.
func (s *Server) channelParam(c *gin.Context) (types.Channel, bool) {
	n, err := strconv.Atoi(c.Param("channel"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("QUEUE_400", "Invalid channel", err.Error()))
		return 0, false
	}
	return types.Channel(n), true
}

func (s *Server) channelError(c *gin.Context, err error) {
	if errors.Is(err, types.ErrUnknownChannel) {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("QUEUE_404", "Unknown channel", err.Error()))
		return
	}
	c.JSON(http.StatusInternalServerError, types.NewErrorResponse("QUEUE_500", "Queue operation failed", err.Error()))
}

// GET /api/v1/queues
func (s *Server) listQueues(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"queues": s.lm.Scheduler().Snapshot(),
	})
}

// GET /api/v1/queues/:channel
func (s *Server) getQueue(c *gin.Context) {
	ch, ok := s.channelParam(c)
	if !ok {
		return
	}

	snap, err := s.lm.Scheduler().SnapshotChannel(ch)
	if err != nil {
		s.channelError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// POST /api/v1/queues/:channel/clear
func (s *Server) clearQueue(c *gin.Context) {
	ch, ok := s.channelParam(c)
	if !ok {
		return
	}

	removed, err := s.lm.Scheduler().Clear(ch)
	if err != nil {
		s.channelError(c, err)
		return
	}

	s.logger.Info("Queue cleared",
		zap.Int("channel", int(ch)),
		zap.Int("removed", removed),
		zap.String("by", auth.Username(c)))

	c.JSON(http.StatusOK, gin.H{
		"channel": ch,
		"removed": removed,
	})
}

// POST /api/v1/queues/clear
func (s *Server) clearAllQueues(c *gin.Context) {
	removed := s.lm.Scheduler().ClearAll()

	s.logger.Info("All queues cleared",
		zap.Int("removed", removed),
		zap.String("by", auth.Username(c)))

	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// POST /api/v1/channels/:channel/block
func (s *Server) blockChannel(c *gin.Context) {
	s.setBlocked(c, true)
}

// POST /api/v1/channels/:channel/unblock
func (s *Server) unblockChannel(c *gin.Context) {
	s.setBlocked(c, false)
}

func (s *Server) setBlocked(c *gin.Context, blocked bool) {
	ch, ok := s.channelParam(c)
	if !ok {
		return
	}

	if err := s.lm.Scheduler().SetBlocked(ch, blocked); err != nil {
		s.channelError(c, err)
		return
	}

	s.logger.Info("Channel blocking changed",
		zap.Int("channel", int(ch)),
		zap.Bool("blocked", blocked),
		zap.String("by", auth.Username(c)))

	c.JSON(http.StatusOK, gin.H{
		"channel": ch,
		"blocked": blocked,
	})
}

// GET /api/v1/stats
func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.Scheduler().Stats())
}

// GET /api/v1/releases?limit=N&channel=C&kind=K
func (s *Server) listReleases(c *gin.Context) {
	var filter storage.ReleaseFilter

	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("RELEASES_400", "Invalid limit", v))
			return
		}
		filter.Limit = limit
	}
	if v := c.Query("channel"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("RELEASES_400", "Invalid channel", v))
			return
		}
		ch := types.Channel(n)
		filter.Channel = &ch
	}
	if v := c.Query("kind"); v != "" {
		kind := types.ReleaseEventKind(v)
		switch kind {
		case types.ReleaseEventClassified, types.ReleaseEventDispatched, types.ReleaseEventRejected:
		default:
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("RELEASES_400", "Invalid kind", v))
			return
		}
		filter.Kind = kind
	}

	records, err := s.lm.RecentReleases(c.Request.Context(), filter)
	if err != nil {
		if errors.Is(err, interfaces.ErrJournalDisabled) {
			c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("RELEASES_503", "Release journal disabled", nil))
			return
		}
		s.logger.Error("Failed to query release journal", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("RELEASES_500", "Failed to query release journal", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"releases": records,
		"count":    len(records),
	})
}
