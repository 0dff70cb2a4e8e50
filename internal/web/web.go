package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"upschedule/internal/config"
	"upschedule/internal/gcal"
	"upschedule/internal/jobs"
	appLog "upschedule/internal/log"
	"upschedule/internal/metrics"
	"upschedule/internal/quota"
	"upschedule/internal/semester"
)

const (
	ownerHeader     = "X-User-ID"
	shutdownTimeout = 10 * time.Second

	// tokenHeader carries the Google token when Authorization is taken by
	// basic auth.
	tokenHeader = "X-Google-Token"
)

// Deps are the services the HTTP API fronts.
type Deps struct {
	Jobs      *jobs.Manager
	Ledger    *quota.Ledger
	Calendar  *gcal.Service
	Semesters semester.Config
}

// Server exposes uploads, job results, ICS export and calendar sync over
// HTTP.
type Server struct {
	cfg    *config.Config
	deps   Deps
	loc    *time.Location
	engine *gin.Engine
	now    func() time.Time
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		loc:    cfg.Location(),
		engine: gin.New(),
		now:    time.Now,
	}
	s.engine.MaxMultipartMemory = cfg.Upload.MaxBytes + 1<<20
	s.engine.Use(gin.Recovery(), s.observe)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+cfg.Listen)
		s.engine.Use(s.basicAuth)
	}
	s.registerRoutes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on cfg.Listen until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := s.engine.Group("/api")
	{
		api.GET("/semester", s.handleSemester)
		api.GET("/storage", s.handleStorage)

		api.POST("/upload", s.handleUpload)
		api.GET("/jobs/:id", s.handleJob)
		api.GET("/jobs/:id/ics", s.handleJobICS)
		api.GET("/jobs/:id/occurrences", s.handleOccurrences)
		api.POST("/generate/ics", s.handleGenerateICS)

		api.GET("/calendars", s.handleListCalendars)
		api.POST("/calendars", s.handleCreateCalendar)
		api.POST("/calendars/:id/events", s.handleAddEvents)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte("OK"))
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuth guards everything except /health.
func (s *Server) basicAuth(c *gin.Context) {
	if c.Request.URL.Path == "/health" {
		c.Next()
		return
	}
	u, p, ok := c.Request.BasicAuth()
	if !ok || !secureCompare(u, s.cfg.BasicAuth.Username) || !secureCompare(p, s.cfg.BasicAuth.Password) {
		c.Header("WWW-Authenticate", `Basic realm="UP Schedule", charset="UTF-8"`)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	c.Next()
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// observe records request metrics and logs failed requests.
func (s *Server) observe(c *gin.Context) {
	start := time.Now()
	c.Next()

	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	status := c.Writer.Status()
	metrics.RecordRequest(c.Request.Method, route, strconv.Itoa(status), time.Since(start))
	if status >= http.StatusInternalServerError {
		appLog.Warn("request failed", "method", c.Request.Method, "route", route, "status", status)
	} else {
		appLog.Debug("request", "method", c.Request.Method, "route", route, "status", status, "duration_ms", time.Since(start).Milliseconds())
	}
}

func owner(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(ownerHeader))
}

func googleToken(c *gin.Context) string {
	if t := strings.TrimSpace(c.GetHeader(tokenHeader)); t != "" {
		return t
	}
	h := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}
