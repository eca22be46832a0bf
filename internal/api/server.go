package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"futures-momentum-bot/internal/database"
	"futures-momentum-bot/internal/position"
	"futures-momentum-bot/internal/signal"
	"futures-momentum-bot/internal/venue"
)

// Server exposes read-only HTTP endpoints over the engine's state.
// It never mutates anything; all trading happens on the engine's ticks.
type Server struct {
	router   *gin.Engine
	srv      *http.Server
	manager  *position.Manager
	pipeline *signal.Pipeline
	gateway  *venue.Gateway
	repo     *database.Repository // nil when history persistence is off
	started  time.Time
	log      zerolog.Logger
}

// NewServer builds the router. repo may be nil.
func NewServer(addr string, manager *position.Manager, pipeline *signal.Pipeline, gateway *venue.Gateway, repo *database.Repository, debug bool, log zerolog.Logger) *Server {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8088"}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:   router,
		manager:  manager,
		pipeline: pipeline,
		gateway:  gateway,
		repo:     repo,
		started:  time.Now(),
		log:      log.With().Str("component", "api").Logger(),
	}

	api := router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/positions", s.handlePositions)
		api.GET("/decisions", s.handleDecisions)
		api.GET("/stats", s.handleStats)
		api.GET("/gateway", s.handleGateway)
		api.GET("/trades", s.handleTrades)
	}
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Start serves until Shutdown. Blocks; run it on its own goroutine.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("api server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ==================== HANDLERS ====================

func (s *Server) handleStatus(c *gin.Context) {
	lastScan := s.pipeline.LastScan()
	status := gin.H{
		"uptime":         time.Since(s.started).String(),
		"pipeline_ready": s.pipeline.Ready(),
		"open_positions": len(s.manager.GetOpenPositions()),
	}
	if lastScan != nil {
		status["last_scan"] = gin.H{
			"scan_id":  lastScan.ScanID,
			"started":  lastScan.StartTime,
			"duration": lastScan.Duration.String(),
			"scanned":  lastScan.SymbolsScanned,
			"buys":     len(lastScan.Buys),
		}
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.manager.GetOpenPositions()})
}

func (s *Server) handleDecisions(c *gin.Context) {
	lastScan := s.pipeline.LastScan()
	if lastScan == nil {
		c.JSON(http.StatusOK, gin.H{"decisions": []signal.Decision{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scan_id":   lastScan.ScanID,
		"decisions": lastScan.Decisions,
		"stats":     lastScan.Stats,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	stats := gin.H{"outcomes": s.manager.Stats()}
	if lastScan := s.pipeline.LastScan(); lastScan != nil {
		stats["tiers"] = lastScan.Stats
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleGateway(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"queue_depth": s.gateway.QueueDepth(),
		"counters":    s.gateway.Stats(),
	})
}

func (s *Server) handleTrades(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusOK, gin.H{"trades": []database.Trade{}, "persistence": "disabled"})
		return
	}
	trades, err := s.repo.RecentTrades(c.Request.Context(), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}
