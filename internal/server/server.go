package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	apikeydomain "github.com/smallbiznis/meterline/internal/apikey/domain"
	"github.com/smallbiznis/meterline/internal/cache"
	"github.com/smallbiznis/meterline/internal/config"
	invoicedomain "github.com/smallbiznis/meterline/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	"github.com/smallbiznis/meterline/internal/ratelimit"
	subscriptionservice "github.com/smallbiznis/meterline/internal/subscription/service"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"github.com/smallbiznis/meterline/internal/usage/snapshot"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServerParam struct {
	fx.In

	Engine      *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	DB          *gorm.DB
	Cache       *cache.Cache
	APIKeySvc   apikeydomain.Service
	Limiter     *ratelimit.Limiter
	UsageSvc    usagedomain.Service
	InvoiceSvc  invoicedomain.Service
	Snapshots   *snapshot.Builder
	SubSvc      *subscriptionservice.Service
	Metrics     *obsmetrics.Metrics     `optional:"true"`
	HTTPMetrics *obsmetrics.HTTPMetrics `optional:"true"`
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	log    *zap.Logger
	db     *gorm.DB
	cache  *cache.Cache

	apikeysvc  apikeydomain.Service
	limiter    *ratelimit.Limiter
	usagesvc   usagedomain.Service
	invoicesvc invoicedomain.Service
	snapshots  *snapshot.Builder
	subsvc     *subscriptionservice.Service
	metrics    *obsmetrics.Metrics
}

func NewServer(p ServerParam) *Server {
	return &Server{
		engine:     p.Engine,
		cfg:        p.Cfg,
		log:        p.Log.Named("server"),
		db:         p.DB,
		cache:      p.Cache,
		apikeysvc:  p.APIKeySvc,
		limiter:    p.Limiter,
		usagesvc:   p.UsageSvc,
		invoicesvc: p.InvoiceSvc,
		snapshots:  p.Snapshots,
		subsvc:     p.SubSvc,
		metrics:    p.Metrics,
	}
}

type EngineParam struct {
	fx.In

	Cfg         config.Config
	HTTPMetrics *obsmetrics.HTTPMetrics `optional:"true"`
}

func NewEngine(p EngineParam) *gin.Engine {
	if p.Cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	if p.HTTPMetrics != nil {
		r.Use(obsmetrics.GinMiddleware(p.HTTPMetrics))
	}
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// RegisterRoutes mounts the public ingest API, the internal scheduled
// operations, and the PSP webhook.
func (s *Server) RegisterRoutes() {
	api := s.engine.Group("/api/v1")
	api.Use(s.RequestTimeout(), s.APIKeyRequired(), s.RateLimited())
	{
		api.POST("/events", RequireScope(apikeydomain.ScopeEventsWrite), s.IngestEvents)
		api.GET("/events", RequireScope(apikeydomain.ScopeUsageRead), s.ListEvents)
		api.GET("/usage", RequireScope(apikeydomain.ScopeUsageRead), s.Usage)
	}

	internal := s.engine.Group("/internal")
	internal.Use(s.OperatorRequired())
	{
		internal.POST("/snapshots", s.BuildSnapshots)
		internal.POST("/invoices", s.BuildInvoice)
	}

	s.engine.POST("/webhooks/psp", s.PSPWebhook)
}

func run(lc fx.Lifecycle, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:    s.cfg.HTTPAddr,
		Handler: s.engine,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			s.RegisterRoutes()
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", s.cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(run),
)
