// Package api serves the memguard diagnostics and operations HTTP API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"memguard/internal/cluster"
	"memguard/internal/coordinator"
	"memguard/internal/logging"
)

// Cluster is the gossip surface the API exposes
type Cluster interface {
	Peers() []cluster.PeerPressure
	RequestClusterCleanup(ctx context.Context) (string, error)
}

// Config holds listener settings
type Config struct {
	NodeID   string
	BindAddr string
	Port     int
}

// Option configures optional collaborators
type Option func(*Server)

// WithCluster enables the peer and cluster cleanup endpoints
func WithCluster(c Cluster) Option {
	return func(s *Server) { s.cluster = c }
}

// WithActivityTracker marks API requests as activity for idle detection
func WithActivityTracker(a *coordinator.ActivityTracker) Option {
	return func(s *Server) { s.activity = a }
}

// Server is the gin-backed HTTP API
type Server struct {
	cfg      Config
	coord    *coordinator.Coordinator
	cluster  Cluster
	activity *coordinator.ActivityTracker

	router     *gin.Engine
	httpServer *http.Server
	registry   *prometheus.Registry
	events     *eventStream
	startTime  time.Time
}

// NewServer builds the router; nothing listens until Start
func NewServer(cfg Config, coord *coordinator.Coordinator, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:       cfg,
		coord:     coord,
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry.MustRegister(
		coordinator.NewCollector(coord),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.events = newEventStream(coord)

	router := gin.New()
	router.Use(gin.Recovery(), logging.GinMiddleware())
	if s.activity != nil {
		router.Use(s.trackActivity())
	}
	s.router = router
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/v1")
	{
		v1.GET("/metrics", s.getMetrics)
		v1.GET("/services", s.getServices)
		v1.GET("/caches", s.getCaches)
		v1.GET("/recommendations", s.getRecommendations)
		v1.GET("/pressure", s.getPressure)
		v1.GET("/passes", s.getPasses)
		v1.POST("/cleanup", s.forceCleanup)
		v1.POST("/lifecycle/:signal", s.lifecycleSignal)
		v1.GET("/peers", s.getPeers)
		v1.POST("/cluster/cleanup", s.clusterCleanup)
		v1.GET("/events", s.events.handle)
	}
}

// trackActivity wraps every request except the long-lived event stream
func (s *Server) trackActivity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/v1/events" {
			c.Next()
			return
		}
		end := s.activity.Begin()
		defer end()
		c.Next()
	}
}

// Handler exposes the router, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the configured listen address
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.BindAddr, strconv.Itoa(s.cfg.Port))
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Addr(), err)
	}

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(context.Background(), logging.ComponentHTTP, logging.ActionStart, "HTTP server failed", err)
		}
	}()

	logging.Info(context.Background(), logging.ComponentHTTP, logging.ActionStart, "HTTP API listening", map[string]interface{}{
		"addr": ln.Addr().String(),
	})
	return nil
}

// Stop closes event streams and shuts the listener down
func (s *Server) Stop(ctx context.Context) error {
	s.events.close()
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	logging.Info(ctx, logging.ComponentHTTP, logging.ActionStop, "HTTP API stopped")
	return nil
}
