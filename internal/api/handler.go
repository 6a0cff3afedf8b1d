package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"signal-trader/internal/events"
	"signal-trader/internal/monitor"
	"signal-trader/internal/signal"
	"signal-trader/pkg/db"
)

// SignalQueue accepts signals for the lifecycle worker without waiting for
// queue space. A full queue fails with order.ErrQueueFull.
type SignalQueue interface {
	TrySubmit(text, messageID string) (bool, error)
	TryEnqueue(sig signal.Signal) error
	Pending() int
}

// Server wires HTTP endpoints around the order store and event bus.
type Server struct {
	Router   *gin.Engine
	Bus      *events.Bus
	DB       *db.Database
	Signals  SignalQueue
	Metrics  *monitor.Metrics
	Gatherer prometheus.Gatherer
	Auth     AuthConfig
	Meta     SystemMeta

	limiter *ipLimiter

	mu      sync.Mutex
	httpSrv *http.Server
}

// AuthConfig configures operator login.
type AuthConfig struct {
	JWTSecret         string
	AdminPasswordHash string // bcrypt; empty disables login
	TokenTTL          time.Duration
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	Broker     string
	DryRun     bool
	InstanceID string
	Telegram   bool
	Version    string
}

func NewServer(bus *events.Bus, database *db.Database, signals SignalQueue, metrics *monitor.Metrics, gatherer prometheus.Gatherer, auth AuthConfig, meta SystemMeta) *Server {
	r := gin.New()

	s := &Server{
		Router:   r,
		Bus:      bus,
		DB:       database,
		Signals:  signals,
		Metrics:  metrics,
		Gatherer: gatherer,
		Auth:     auth,
		Meta:     meta,
		limiter:  newIPLimiter(20, 50),
	}
	if s.Gatherer == nil {
		s.Gatherer = prometheus.DefaultGatherer
	}
	if s.Auth.TokenTTL <= 0 {
		s.Auth.TokenTTL = 24 * time.Hour
	}

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(s.limiter.middleware())
	r.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})))
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	api.Use(TimeoutMiddleware(30 * time.Second))
	{
		api.GET("/system/status", s.getSystemStatus)
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.Auth.JWTSecret))
		{
			protected.GET("/stats", s.getStats)
			protected.GET("/orders", s.getOrders)
			protected.GET("/orders/pending", s.getPendingOrders)
			protected.GET("/orders/:id", s.getOrder)
			protected.GET("/orders/source/:source_id", s.getOrderBySource)
			protected.GET("/orders/source/:source_id/events", s.getSourceEvents)
			protected.POST("/signals", s.submitSignal)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.DB.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
