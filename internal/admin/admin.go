// Package admin serves the operator HTTP surface: health, readiness, a status
// document and Prometheus metrics.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/tdcore/internal/buildinfo"
	"github.com/danmuck/tdcore/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

// Options configures a Server. Ready and Status are optional.
type Options struct {
	ID          string
	Addr        string
	CORSOrigins []string

	// Ready returns nil once the node can take traffic.
	Ready  func() error
	Status func() any
}

type Server struct {
	ID      string
	Addr    string
	Started time.Time

	router *gin.Engine
	ready  func() error
	status func() any
}

func New(opts Options) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(opts.ID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", observability.RequestIDHeader},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:      opts.ID,
		Addr:    opts.Addr,
		Started: time.Now(),
		router:  r,
		ready:   opts.Ready,
		status:  opts.Status,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Started).String(),
			"node":    s.ID,
			"version": buildinfo.Version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		if s.ready != nil {
			if err := s.ready(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready": false,
					"error": err.Error(),
					"node":  s.ID,
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"uptime": time.Since(s.Started).String(),
			"node":   s.ID,
		})
	})

	s.router.GET("/status", func(c *gin.Context) {
		var status any
		if s.status != nil {
			status = s.status()
		}
		c.JSON(http.StatusOK, gin.H{
			"node":     s.ID,
			"build":    buildinfo.String(),
			"artifact": buildinfo.Artifact,
			"status":   status,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Serve listens on Addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("node", s.ID).Str("addr", s.Addr).Msg("admin: listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
