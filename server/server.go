// Package server exposes the pool over HTTP and WebSocket. The REST surface
// covers agent management, task dispatch, scaling and reporting; /metrics
// serves the Prometheus text exposition; /api/ws pushes status, alert and
// scaling events to connected clients.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hupe1980/agentpool/core"
	"github.com/hupe1980/agentpool/logging"
	"github.com/hupe1980/agentpool/monitor"
	"github.com/hupe1980/agentpool/orchestrator"
)

// Options configures the HTTP server.
type Options struct {
	Addr   string
	Logger logging.Logger
	// Gatherer backs the /metrics endpoint. Defaults to
	// prometheus.DefaultGatherer; pass the registry the monitor registers on.
	Gatherer prometheus.Gatherer
	// AllowOrigins is the CORS allow list. Empty allows all origins.
	AllowOrigins []string
}

// Server is the HTTP/WebSocket front end over an orchestrator.
type Server struct {
	opts    Options
	logger  logging.Logger
	orch    *orchestrator.Orchestrator
	hub     *hub
	engine  *gin.Engine
	httpSrv *http.Server
	started time.Time
}

// New builds the server and its route table. Call Start to begin serving.
func New(orch *orchestrator.Orchestrator, optFns ...func(o *Options)) *Server {
	opts := Options{
		Addr:     ":8080",
		Gatherer: prometheus.DefaultGatherer,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	logger := logging.OrNoOp(opts.Logger).With("component", "server")

	s := &Server{
		opts:   opts,
		logger: logger,
		orch:   orch,
		hub:    newHub(orch, logger),
	}
	s.engine = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if len(s.opts.AllowOrigins) > 0 {
		corsCfg.AllowOrigins = s.opts.AllowOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	r.Use(cors.New(corsCfg))

	api := r.Group("/api")
	{
		api.POST("/agents", s.handleCreateAgents)
		api.GET("/agents", s.handleListAgents)
		api.POST("/agents/:id/tasks", s.handleDispatchTask)
		api.PUT("/scale", s.handleScale)
		api.GET("/report", s.handleReport)
		api.GET("/health", s.handleHealth)
		api.GET("/ws", s.hub.handleUpgrade)
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))

	return r
}

// Handler exposes the route table, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Start binds the listen address and serves until Stop. A bind failure is
// returned immediately; serve errors after a successful bind are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.opts.Addr, err)
	}
	s.started = time.Now()
	s.httpSrv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.hub.run()

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve failed", "error", err)
		}
	}()

	s.logger.Info("listening", "addr", ln.Addr().String())
	return nil
}

// Stop drains in-flight requests and closes all websocket clients.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.stop()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

type createAgentsRequest struct {
	Class string `json:"class" binding:"required"`
	Count int    `json:"count"`
}

func (s *Server) handleCreateAgents(c *gin.Context) {
	var req createAgentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}

	class := core.AgentClass(req.Class)
	ids, err := s.orch.CreateAgents(c.Request.Context(), class, req.Count)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"ids":       ids,
		"requested": req.Count,
		"created":   len(ids),
	})
}

func (s *Server) handleListAgents(c *gin.Context) {
	agents := s.orch.Pool().All()
	out := make([]any, 0, len(agents))
	for _, ag := range agents {
		out = append(out, ag.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{"agents": out, "count": len(out)})
}

type taskRequest struct {
	Category string `json:"category" binding:"required"`
	Payload  any    `json:"payload"`
	Complex  bool   `json:"complex"`
}

func (s *Server) handleDispatchTask(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	category := core.TaskCategory(req.Category)
	if !category.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown task category %q", req.Category)})
		return
	}

	task := core.NewTask(category, req.Payload)
	task.Complex = req.Complex

	result, err := s.orch.DispatchTask(c.Request.Context(), c.Param("id"), task)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, core.ErrNoEligibleEngines):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

type scaleRequest struct {
	Standard *int `json:"standard" binding:"required"`
	Enhanced *int `json:"enhanced" binding:"required"`
}

func (s *Server) handleScale(c *gin.Context) {
	var req scaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	deltas, err := s.orch.ScaleAgents(c.Request.Context(), *req.Standard, *req.Enhanced)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"standard": deltas[core.ClassStandard],
		"enhanced": deltas[core.ClassEnhanced],
	})
}

func (s *Server) handleReport(c *gin.Context) {
	minLevel := monitor.LevelInfo
	if raw := c.Query("level"); raw != "" {
		parsed, err := monitor.ParseLevel(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		minLevel = parsed
	}

	report := s.orch.Report()
	if minLevel > monitor.LevelInfo {
		filtered := report.RecentAlerts[:0]
		for _, a := range report.RecentAlerts {
			if a.Level >= minLevel {
				filtered = append(filtered, a)
			}
		}
		report.RecentAlerts = filtered
	}

	c.JSON(http.StatusOK, report)
}

func (s *Server) handleHealth(c *gin.Context) {
	status := s.orch.Status()
	resp := gin.H{
		"status":  "ok",
		"agents":  status.TotalAgents,
		"engines": status.TotalEngines,
	}
	if !s.started.IsZero() {
		resp["uptime_seconds"] = int(time.Since(s.started).Seconds())
	}
	c.JSON(http.StatusOK, resp)
}
