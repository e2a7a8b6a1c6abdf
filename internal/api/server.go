package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/proxytransport/internal/config"
	"github.com/energizer-project/proxytransport/internal/db"
	"github.com/energizer-project/proxytransport/internal/monitor"
	intnet "github.com/energizer-project/proxytransport/internal/network"
	"github.com/energizer-project/proxytransport/internal/session"
)

// Version is reported by the health endpoint.
var Version = "dev"

// Transport is the part of the transport the API reads and controls.
type Transport interface {
	Sessions() []*session.Session
	Disconnect(id string, reason session.Reason) bool
	PoolEntries() []intnet.PoolEntry
}

// DumpStore lists stored buffer dumps.
type DumpStore interface {
	List(server string, limit int) ([]db.Dump, error)
	Get(id string) (*db.Dump, error)
	Count() (int, error)
}

// LatencySource reports aggregated per-server latency.
type LatencySource interface {
	All() []monitor.ServerStats
}

// Deps are the components the API serves. Dumps, Latency and Gatherer
// may be nil; their routes then report the feature as disabled.
type Deps struct {
	Transport Transport
	Dumps     DumpStore
	Latency   LatencySource
	Gatherer  prometheus.Gatherer
}

// Server is the admin REST API.
type Server struct {
	cfg     config.APIConfig
	deps    Deps
	started time.Time

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates an API server. The router is built immediately so it
// can be exercised without listening.
func NewServer(cfg config.APIConfig, debug bool, deps Deps) *Server {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{cfg: cfg, deps: deps, started: time.Now()}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured port and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if s.cfg.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load API TLS certificate: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	// SO_REUSEADDR lets a restarted process rebind immediately.
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Bool("tls", s.cfg.TLSEnabled).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if s.cfg.TLSEnabled {
		err = s.httpServer.Serve(tls.NewListener(ln, s.httpServer.TLSConfig))
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", APIKeyHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	router.Use(IPWhitelist(s.cfg.IPWhitelist))
	router.Use(NewRateLimiter(s.cfg.RateLimitRPS).Middleware())

	// Unauthenticated
	router.GET("/api/health", s.handleHealth)
	if s.deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	protected := router.Group("/api")
	protected.Use(RequireAPIKey(s.cfg.APIKey))
	{
		protected.GET("/sessions", s.handleListSessions)
		protected.GET("/sessions/:id", s.handleGetSession)
		protected.DELETE("/sessions/:id", s.handleDisconnectSession)
		protected.GET("/pool", s.handlePool)
		protected.GET("/latency", s.handleLatency)
		protected.GET("/dumps", s.handleListDumps)
		protected.GET("/dumps/:id", s.handleGetDump)
		protected.GET("/system", s.handleSystem)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}
