// Package server exposes the router over HTTP: tool listing, tool
// invocation, service status and Prometheus metrics. The envelope is the
// HTTP payload for calls, success or failure alike, so clients parse one
// shape.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"toolhub/internal/config"
	"toolhub/internal/envelope"
	"toolhub/internal/localsvc"
	"toolhub/internal/router"
	"toolhub/internal/shared/logging"
	"toolhub/internal/tool"
)

type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	router     *router.Router
	local      *localsvc.Registry
	logger     logging.Logger
	startTime  time.Time
}

func New(cfg config.HTTPConfig, rt *router.Router, local *localsvc.Registry, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	if len(cfg.AllowOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = cfg.AllowOrigins
		corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
		engine.Use(cors.New(corsConfig))
	}

	s := &Server{
		engine:    engine,
		router:    rt,
		local:     local,
		logger:    logging.OrNop(logger),
		startTime: time.Now(),
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/v1")
	v1.GET("/tools", s.handleListTools)
	v1.POST("/tools/call", s.handleCallTool)
	v1.GET("/services", s.handleServices)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleListTools(c *gin.Context) {
	tools, err := s.router.AvailableTools(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tools": tools, "count": len(tools)})
}

// callRequest accepts either the full tool-call shape or the name and
// arguments directly.
type callRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Args     any    `json:"arguments"`
	Function *struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func (s *Server) handleCallTool(c *gin.Context) {
	var req callRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest,
			envelope.Failure(nil, envelope.CodeInvalidRequest, fmt.Sprintf("invalid request body: %v", err), nil))
		return
	}

	call, err := req.toCall()
	if err != nil {
		c.JSON(http.StatusBadRequest,
			envelope.Failure(req.ID, envelope.CodeInvalidRequest, err.Error(), nil))
		return
	}

	env := s.router.ExecuteToolCall(c.Request.Context(), call)
	c.JSON(http.StatusOK, env)
}

func (r *callRequest) toCall() (tool.Call, error) {
	id := r.ID
	if id == "" {
		id = tool.NewCallID()
	}
	if r.Function != nil {
		if r.Function.Name == "" {
			return tool.Call{}, errors.New("function.name is required")
		}
		return tool.Call{
			ID:   id,
			Type: "function",
			Function: tool.CallFunction{
				Name:      r.Function.Name,
				Arguments: r.Function.Arguments,
			},
		}, nil
	}
	if r.Name == "" {
		return tool.Call{}, errors.New("name is required")
	}
	call, err := tool.NewCall(r.Name, r.Args)
	if err != nil {
		return tool.Call{}, err
	}
	call.ID = id
	return call, nil
}

func (s *Server) handleServices(c *gin.Context) {
	services := gin.H{}
	if s.local != nil {
		for id, state := range s.local.Status() {
			services[id] = string(state)
		}
	}
	c.JSON(http.StatusOK, gin.H{"services": services})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP facade listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}
