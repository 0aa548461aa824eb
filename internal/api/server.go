// Package api serves the operator dashboard: a thin gin surface over the
// runtime plus a websocket feed of bus events. The dashboard reads state
// and triggers the three operator resets; it never places orders.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"autonomous-trading-engine/internal/auth"
	"autonomous-trading-engine/internal/bot"
	"autonomous-trading-engine/internal/events"
	"autonomous-trading-engine/internal/journal"
	"autonomous-trading-engine/internal/metrics"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Engine is the slice of the runtime the dashboard consumes.
type Engine interface {
	Status() bot.Status
	Uptime() time.Duration
	ResetSafeMode(operator string) bool
	ResetDrawdown(operator string)
	ResetSupervisor(operator string)
}

// Config holds dashboard server settings.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	ProductionMode bool
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg    Config
	logger zerolog.Logger
	router *gin.Engine
	httpd  *http.Server

	engine Engine
	store  journal.Store
	auth   *auth.Manager
	mset   *metrics.Set
	hub    *Hub
}

// NewServer wires the routes and subscribes the websocket hub to the bus.
func NewServer(cfg Config, engine Engine, store journal.Store, manager *auth.Manager, bus *events.Bus, mset *metrics.Set, logger zerolog.Logger) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	// Crypto pair symbols arrive percent-encoded (BTC%2FUSD); route on the
	// raw path so the slash survives into the :symbol parameter.
	router.UseRawPath = true
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8090"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	s := &Server{
		cfg:    cfg,
		logger: logger.With().Str("component", "api").Logger(),
		router: router,
		engine: engine,
		store:  store,
		auth:   manager,
		mset:   mset,
		hub:    NewHub(logger),
	}

	if bus != nil {
		bus.SubscribeAll(s.hub.BroadcastEvent)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.mset.Registry, promhttp.HandlerOpts{})))

	s.router.POST("/api/login", s.handleLogin)

	api := s.router.Group("/api")
	api.Use(auth.Middleware(s.auth))
	{
		api.GET("/status", s.handleStatus)
		api.GET("/positions", s.handlePositions)
		api.GET("/trades/recent", s.handleRecentTrades)
		api.GET("/stats/:symbol", s.handleSymbolStats)

		api.POST("/safemode/reset", s.handleSafeModeReset)
		api.POST("/drawdown/reset", s.handleDrawdownReset)
		api.POST("/supervisor/reset", s.handleSupervisorReset)
	}

	// Browsers cannot set headers on websocket upgrades, so the middleware's
	// query-token fallback carries the JWT here.
	s.router.GET("/ws", auth.Middleware(s.auth), s.handleWebSocket)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the websocket hub and blocks serving HTTP until the listener
// fails or Shutdown is called. The hub stops when ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpd = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.hub.Run(ctx)

	s.logger.Info().Str("addr", addr).Msg("dashboard server listening")
	if err := s.httpd.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("dashboard server shutting down")
	if s.httpd == nil {
		return nil
	}
	return s.httpd.Shutdown(ctx)
}

// requestLogger emits one structured line per request at debug level so
// dashboard polling does not flood production logs.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client", c.ClientIP()).
			Msg("http request")
	}
}
