// Package server assembles the broadcastd service: dispatcher, restriction
// engine, and the diagnostic HTTP/WebSocket surface.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	api "github.com/appruntime/broadcastd/internal/api/http"
	"github.com/appruntime/broadcastd/internal/api/middleware"
	"github.com/appruntime/broadcastd/internal/api/ws"
	"github.com/appruntime/broadcastd/internal/domain/broadcast"
	"github.com/appruntime/broadcastd/internal/domain/restriction"
	"github.com/appruntime/broadcastd/internal/infrastructure/config"
	"github.com/appruntime/broadcastd/internal/infrastructure/logging"
	"github.com/appruntime/broadcastd/internal/infrastructure/monitoring"
)

// Server wraps the HTTP server and the core scheduling subsystems.
type Server struct {
	router     *gin.Engine
	dispatcher *broadcast.Dispatcher
	engine     *restriction.Engine
	authority  *restriction.MemoryAuthority
	hub        *ws.Hub
	logger     *logging.Logger
	config     *config.Config
	metrics    *monitoring.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a new server instance.
func NewServer(cfg *config.Config) (*Server, error) {
	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger = logging.NewDefault()
	}

	logger.Info("Initializing broadcastd",
		zap.String("port", cfg.Server.Port),
		zap.Duration("delay_normal", cfg.Dispatch.DelayNormal),
		zap.Duration("delay_cached", cfg.Dispatch.DelayCached),
		zap.Int("max_pending", cfg.Dispatch.MaxPending),
	)

	metrics := monitoring.NewMetrics()

	constants := broadcast.Constants{
		DelayNormal:          cfg.Dispatch.DelayNormal,
		DelayCached:          cfg.Dispatch.DelayCached,
		DelayUrgent:          cfg.Dispatch.DelayUrgent,
		MaxConsecutiveUrgent: cfg.Dispatch.MaxConsecutiveUrgent,
		MaxConsecutiveNormal: cfg.Dispatch.MaxConsecutiveNormal,
		MaxPending:           cfg.Dispatch.MaxPending,
		BlockedCeiling:       cfg.Dispatch.BlockedCeiling,
	}

	// Standalone delivery target: real deployments plug the process
	// transport in here.
	deliverer := broadcast.DelivererFunc(func(ctx context.Context, item *broadcast.Item) error {
		logger.Debug("delivering broadcast",
			zap.String("action", item.Record.Action),
			zap.String("receiver", item.Receiver().ID),
			zap.String("process", item.Receiver().ProcessName),
		)
		return nil
	})

	dispatcher := broadcast.NewDispatcher(constants, deliverer, logger).WithMetrics(metrics)

	authority := restriction.NewMemoryAuthority()
	engine := restriction.NewEngine(cfg.Restriction, restriction.Authorities{
		Buckets:     authority,
		Hibernation: authority,
		Policy:      authority,
		Packages:    authority,
		Prompter:    restriction.LogPrompter{Logger: logger},
	}, nil, logger).WithMetrics(metrics)

	hub := ws.NewHub(logger)
	engine.AddListener(hub.Publish)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.GlobalRateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := api.NewHandlers(dispatcher, engine, authority)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.GET("/queues", handlers.ListQueues)
		v1.GET("/queues/:uid", handlers.GetUIDQueues)
		v1.GET("/restrictions", handlers.ListRestrictions)
		v1.GET("/restrictions/:uid", handlers.GetUIDRestrictions)
		v1.POST("/broadcasts", handlers.EnqueueBroadcast)
		v1.PUT("/processes/flags", handlers.SetProcessFlags)
		v1.POST("/uids/:uid/state", handlers.SetUIDState)
		v1.POST("/buckets", handlers.SetBucket)
	}

	router.GET("/stream", hub.HandleConnection)

	logger.Info("Server initialized successfully")

	return &Server{
		router:     router,
		dispatcher: dispatcher,
		engine:     engine,
		authority:  authority,
		hub:        hub,
		logger:     logger,
		config:     cfg,
		metrics:    metrics,
	}, nil
}

// Run starts the background subsystems and the HTTP server.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		if err := s.dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("dispatcher stopped", zap.Error(err))
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := s.engine.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("restriction engine stopped", zap.Error(err))
		}
	}()
	go func() {
		defer s.wg.Done()
		s.watchdog(ctx)
	}()

	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// watchdog periodically runs the dispatcher health check and refreshes the
// uptime gauge. A wedged ordered chain is a logic bug somewhere in the
// pipeline, reported loudly rather than retried.
func (s *Server) watchdog(ctx context.Context) {
	interval := s.config.Dispatch.HealthInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.UpdateUptime()
			if err := s.dispatcher.CheckHealth(); err != nil {
				s.logger.Error("dispatch health check failed", zap.Error(err))
			}
		}
	}
}

// Close gracefully shuts down the background subsystems.
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	_ = s.logger.Sync()
	s.logger.Info("Server shutdown complete")
	return nil
}
