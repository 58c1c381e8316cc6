package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/KevinKickass/SorterBridge/internal/api/websocket"
	"github.com/KevinKickass/SorterBridge/internal/auth"
	"github.com/KevinKickass/SorterBridge/internal/config"
	"github.com/KevinKickass/SorterBridge/internal/interfaces"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
	metrics     http.Handler
	metricsPath string
}

// NewServer builds the HTTP API. metrics may be nil, then no metrics
// route is registered.
func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService, metrics http.Handler) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
		metrics:     metrics,
		metricsPath: cfg.Metrics.Path,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	s.logger.Info("Starting REST API server", zap.String("address", ln.Addr().String()))
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)
	if s.metrics != nil && s.metricsPath != "" {
		s.router.GET(s.metricsPath, gin.WrapH(s.metrics))
	}

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// ==================== AUTH (PUBLIC) ====================
		v1.POST("/auth/login", s.login)

		// ==================== AUTHENTICATED ====================
		api := v1.Group("")
		api.Use(s.authService.AuthMiddleware())
		{
			api.GET("/auth/me", s.getCurrentUser)

			// Read: Operator+
			api.GET("/system/status", auth.RequirePermission(auth.PermOperator), s.getSystemStatus)
			api.GET("/queues", auth.RequirePermission(auth.PermOperator), s.listQueues)
			api.GET("/queues/:channel", auth.RequirePermission(auth.PermOperator), s.getQueue)
			api.GET("/stats", auth.RequirePermission(auth.PermOperator), s.getStats)
			api.GET("/releases", auth.RequirePermission(auth.PermOperator), s.listReleases)

			// Control: Technician+
			api.POST("/queues/clear", auth.RequirePermission(auth.PermTechnician), s.clearAllQueues)
			api.POST("/queues/:channel/clear", auth.RequirePermission(auth.PermTechnician), s.clearQueue)
			api.POST("/channels/:channel/block", auth.RequirePermission(auth.PermTechnician), s.blockChannel)
			api.POST("/channels/:channel/unblock", auth.RequirePermission(auth.PermTechnician), s.unblockChannel)
			api.POST("/controller/cleaning-mode", auth.RequirePermission(auth.PermTechnician), s.setCleaningMode)

			// Admin only
			api.GET("/config", auth.RequirePermission(auth.PermAdmin), s.getConfig)
		}

		// ==================== WEBSOCKET (PUBLIC - Auth via first message) ====================
		v1.GET("/ws/live", s.wsLiveConnection)
		v1.GET("/ws/status", s.authService.AuthMiddleware(), auth.RequirePermission(auth.PermOperator), s.wsStatus)
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.ClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"state":     s.lm.Status().State,
		"timestamp": time.Now().Unix(),
	})
}
