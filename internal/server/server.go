package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hookwise/entitled/internal/config"
	eventdomain "github.com/hookwise/entitled/internal/event/domain"
	"github.com/hookwise/entitled/internal/observability"
	obsmiddleware "github.com/hookwise/entitled/internal/observability/logger"
	obsmetrics "github.com/hookwise/entitled/internal/observability/metrics"
	obstracing "github.com/hookwise/entitled/internal/observability/tracing"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type ServerParams struct {
	fx.In

	Engine   *gin.Engine
	Log      *zap.Logger
	Cfg      config.Config
	EventSvc eventdomain.Service
}

type Server struct {
	engine   *gin.Engine
	log      *zap.Logger
	cfg      config.Config
	eventSvc eventdomain.Service
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:   p.Engine,
		log:      p.Log.Named("http.server"),
		cfg:      p.Cfg,
		eventSvc: p.EventSvc,
	}
}

// RegisterAPIRoutes mounts the webhook ingest and admin surfaces.
func (s *Server) RegisterAPIRoutes() {
	s.engine.POST("/webhooks/payment", s.HandlePaymentWebhook)
	s.engine.POST("/webhooks/payment/:tenant_id", s.HandlePaymentWebhook)

	admin := s.engine.Group("/admin")
	admin.POST("/events/:id/retry", s.HandleRetryEvent)
	admin.GET("/events/failed", s.HandleListFailedEvents)
}

func RunHTTP(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
