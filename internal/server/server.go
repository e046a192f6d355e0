// Package server exposes the operational HTTP surface: billing run
// invocation, document reads, health and metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mprovost129/ez360pm/internal/config"
	documentdomain "github.com/mprovost129/ez360pm/internal/document/domain"
	recurringdomain "github.com/mprovost129/ez360pm/internal/recurring/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log    *zap.Logger
	Engine recurringdomain.Engine
	DocSvc documentdomain.Service
}

type Server struct {
	log    *zap.Logger
	engine recurringdomain.Engine
	docSvc documentdomain.Service
}

func NewServer(p Params, r *gin.Engine) *Server {
	s := &Server{
		log:    p.Log.Named("server"),
		engine: p.Engine,
		docSvc: p.DocSvc,
	}
	s.registerRoutes(r)
	return s
}

func (s *Server) registerRoutes(r *gin.Engine) {
	v1 := r.Group("/v1")
	v1.POST("/billing-runs", s.CreateBillingRun)
	v1.GET("/documents", s.ListDocuments)
	v1.GET("/documents/:id", s.GetDocument)
}

func registerGin() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)
