// Package api is the HTTP surface the kiosk UI drives. The UI owns the
// camera and the face detector; it starts a session for the identity the
// user selected, then posts frames with their detector metadata and polls
// (or streams) the outcome.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/storage"
	"github.com/MrCodeEU/facegate/pkg/verify"
)

// maxFrameBytes bounds a frame upload, base64 overhead included.
const maxFrameBytes = 8 << 20

// Options configures the server.
type Options struct {
	Listen      string
	CORSOrigins []string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Version string
}

// Server wires the orchestrator and the identity store to HTTP.
type Server struct {
	orch   *verify.Orchestrator
	store  storage.Store
	opts   Options
	router *gin.Engine
}

// New builds the router.
func New(orch *verify.Orchestrator, store storage.Store, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		orch:   orch,
		store:  store,
		opts:   opts,
		router: gin.New(),
	}

	s.router.Use(gin.Recovery(), requestLogger())
	if len(opts.CORSOrigins) > 0 {
		s.router.Use(cors.New(cors.Config{
			AllowOrigins:  opts.CORSOrigins,
			AllowMethods:  []string{"GET", "POST", "DELETE"},
			AllowHeaders:  []string{"Origin", "Content-Type"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.health)
	if s.opts.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}

	v1 := s.router.Group("/v1")
	{
		v1.POST("/sessions", s.startSession)
		v1.GET("/session", s.getSession)
		v1.DELETE("/session", s.stopSession)
		v1.POST("/session/frames", s.submitFrame)
		v1.POST("/session/reset", s.resetSession)
		v1.GET("/session/events", s.streamSession)

		v1.GET("/identities", s.listIdentities)
		v1.POST("/identities", s.createIdentity)
		v1.GET("/identities/:key", s.getIdentity)
		v1.DELETE("/identities/:key", s.deleteIdentity)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": c.Request.Method + " " + c.Request.URL.Path + " does not exist"})
	})
}

// Handler returns the router for mounting or testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Component("api").Infof("HTTP API listening on %s", s.opts.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logging.Component("api").Info("Shutting down HTTP API")
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Component("api").WithFields(logging.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("HTTP request")
	}
}

func (s *Server) health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status":  "ok",
		"version": s.opts.Version,
		"model":   "loaded",
	}
	if !s.orch.Ready() {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["model"] = "unavailable"
	}
	if active := s.orch.Active(); active != nil {
		body["session"] = active.ID()
	}
	c.JSON(status, body)
}
