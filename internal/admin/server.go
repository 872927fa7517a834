package admin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/telemetry-relay/internal/coordinator"
	"github.com/NikhilSetiya/telemetry-relay/internal/syncer"
	"github.com/NikhilSetiya/telemetry-relay/pkg/config"
	"github.com/NikhilSetiya/telemetry-relay/pkg/logging"
	"github.com/NikhilSetiya/telemetry-relay/pkg/metrics"
)

// Server exposes the read-only introspection API: health, aggregated
// stats, failover history, and the Prometheus scrape endpoint.
type Server struct {
	server    *http.Server
	coord     *coordinator.Coordinator
	syncs     *syncer.Manager
	metrics   *metrics.Metrics
	logger    *logging.Logger
	version   string
	startTime time.Time
}

// NewServer builds the admin HTTP server and its routes
func NewServer(cfg config.AdminConfig, coord *coordinator.Coordinator, syncs *syncer.Manager, m *metrics.Metrics, version string) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		coord:     coord,
		syncs:     syncs,
		metrics:   m,
		logger:    logging.GetLogger(),
		version:   version,
		startTime: time.Now(),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(m.GinMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(m.Handler()))

	v1 := router.Group("/v1")
	{
		v1.GET("/stats", s.handleStats)
		v1.POST("/stats/reset", s.handleStatsReset)
		v1.GET("/health/regions", s.handleRegions)
		v1.GET("/health/failovers", s.handleFailovers)
		v1.POST("/sync", s.handleSync)
		v1.GET("/sync/stats", s.handleSyncStats)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Start blocks serving HTTP until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Admin server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK
	if s.coord.Mode() == coordinator.ModeEmergency {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status,
		"version":   s.version,
		"mode":      string(s.coord.Mode()),
		"uptime":    time.Since(s.startTime).String(),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.Stats())
}

func (s *Server) handleStatsReset(c *gin.Context) {
	s.coord.ResetStats()
	s.syncs.ResetStats()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) handleRegions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"regions": s.coord.Stats().Health})
}

func (s *Server) handleFailovers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"failovers": s.coord.Stats().Failovers})
}

// handleSync triggers an immediate drain pass, bypassing the background
// cadence. Intended for operational use after a known outage ends.
func (s *Server) handleSync(c *gin.Context) {
	result, err := s.syncs.Sync(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":  err.Error(),
			"result": result,
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleSyncStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.syncs.Stats())
}
