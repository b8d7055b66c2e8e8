package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"chart-feed/src/feed"
	"chart-feed/src/logger"
	"chart-feed/src/models"

	"github.com/gin-gonic/gin"
)

// -----------------------------------------------------------------------------
// ChartGateway
//
// HTTP + websocket front for chart consumers. REST serves bounded
// history ranges; the websocket endpoint speaks the chart client
// protocol (subscribe/unsubscribe commands, bar snapshots back).
// -----------------------------------------------------------------------------

type ChartGateway struct {
	Config *models.MConfig
	Logger *logger.Logger
	Feed   *feed.Manager
	engine *gin.Engine

	// WebSocket clients
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	shutdown   chan struct{}
	stopOnce   sync.Once

	countMutex  sync.RWMutex
	clientCount int
}

// -----------------------------------------------------------------------------
// Constructor
// -----------------------------------------------------------------------------

func NewChartGateway(cfg *models.MConfig, feedMgr *feed.Manager, log *logger.Logger) *ChartGateway {
	// Set Gin mode
	if cfg.LogLevel != "DEBUG" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &ChartGateway{
		Config:     cfg,
		Logger:     log,
		Feed:       feedMgr,
		engine:     gin.Default(),
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		shutdown:   make(chan struct{}),
	}

	// Add CORS Middleware
	s.engine.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if strings.HasPrefix(origin, "http://127.0.0.1:") || strings.HasPrefix(origin, "http://localhost:") {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	s.setupRoutes()
	return s
}

// -----------------------------------------------------------------------------
// Route Setup
// -----------------------------------------------------------------------------

func (s *ChartGateway) setupRoutes() {
	// REST API endpoints
	s.engine.GET("/api/health", s.getHealth)
	s.engine.GET("/api/config", s.getConfig)
	s.engine.GET("/api/history/:entityId", s.getHistory)

	// WebSocket endpoint
	s.engine.GET("/ws", s.handleWebSocket)
}

// -----------------------------------------------------------------------------
// Server Lifecycle
// -----------------------------------------------------------------------------

func (s *ChartGateway) Start() error {
	addr := fmt.Sprintf("%s:%d", s.Config.Host, s.Config.Port)
	s.Logger.Info("Starting chart gateway on %s", addr)

	go s.runHub()

	return s.engine.Run(addr)
}

// -----------------------------------------------------------------------------

// Stop ends the hub loop. The register/unregister channels stay open:
// a client disconnecting mid-shutdown selects on the shutdown channel
// instead of panicking on a closed one.
func (s *ChartGateway) Stop() error {
	s.stopOnce.Do(func() { close(s.shutdown) })
	return nil
}

// -----------------------------------------------------------------------------
// Route Handlers
// -----------------------------------------------------------------------------

func (s *ChartGateway) getHealth(c *gin.Context) {
	s.countMutex.RLock()
	connections := s.clientCount
	s.countMutex.RUnlock()

	c.JSON(200, gin.H{
		"status":      "ok",
		"connections": connections,
	})
}

// -----------------------------------------------------------------------------

func (s *ChartGateway) getConfig(c *gin.Context) {
	c.JSON(200, gin.H{
		"resolutions": s.Config.Resolutions,
		"markets":     []string{"0", "1", "2", "3", feed.SpotSeriesKey},
	})
}

// -----------------------------------------------------------------------------

// getHistory serves one bounded history range over REST.
// Query params: moderatorId, market, resolution, from, to (RFC3339).
func (s *ChartGateway) getHistory(c *gin.Context) {
	entityID := c.Param("entityId")
	moderatorID := c.Query("moderatorId")
	resolution := c.DefaultQuery("resolution", "1m")

	market, err := ParseMarket(c.DefaultQuery("market", "0"))
	if err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	from, err := parseTimeParam(c.Query("from"), time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		c.JSON(400, gin.H{"error": fmt.Sprintf("invalid from: %v", err)})
		return
	}
	to, err := parseTimeParam(c.Query("to"), time.Now().UTC())
	if err != nil {
		c.JSON(400, gin.H{"error": fmt.Sprintf("invalid to: %v", err)})
		return
	}

	session := s.Feed.Session(moderatorID, models.MMarketKey{EntityID: entityID, Market: market})
	bars, err := session.FetchHistory(resolution, from, to)
	if err == nil {
		c.JSON(200, gin.H{"bars": bars})
		return
	}

	// Offline serving: fall back to the persisted tail of the series
	if stored, serr := session.RecentStoredBars(resolution, s.Config.Feed.SnapshotBars); serr == nil {
		c.JSON(200, gin.H{"bars": stored, "source": "store"})
		return
	}

	if errors.Is(err, feed.ErrNoData) {
		// Distinct from failure: the range simply has nothing in it
		c.JSON(200, gin.H{"bars": []models.MBar{}, "no_data": true})
		return
	}

	s.Logger.Warning("History fetch failed for %s: %v", entityID, err)
	c.JSON(502, gin.H{"error": "history source unavailable"})
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// ParseMarket maps a wire market string to its index ("spot" is the
// reference-price sentinel).
func ParseMarket(s string) (int, error) {
	if s == feed.SpotSeriesKey {
		return models.SpotMarket, nil
	}
	idx, err := strconv.Atoi(s)
	if err != nil || idx < 0 || idx > 3 {
		return 0, fmt.Errorf("invalid market: %q", s)
	}
	return idx, nil
}

// -----------------------------------------------------------------------------

func parseTimeParam(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339, raw)
}
