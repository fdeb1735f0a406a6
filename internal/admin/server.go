// Package admin serves a small read-only HTTP surface for inspecting the
// running proxy: backend status, the aggregated catalog, loaded chains, and
// recent chain runs.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"toolmux/internal/async"
	"toolmux/internal/catalog"
	"toolmux/internal/chain"
	"toolmux/internal/directory"
	"toolmux/internal/logging"
)

// APIResponse is the uniform JSON envelope for every admin endpoint.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type backendView struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Uptime     string `json:"uptime,omitempty"`
	Reconnects int    `json:"reconnects"`
	LastError  string `json:"lastError,omitempty"`
	Pooled     bool   `json:"pooled"`
	PoolSize   int    `json:"poolSize,omitempty"`
	PoolInUse  int    `json:"poolInUse,omitempty"`
}

type toolView struct {
	Name        string `json:"name"`
	Owner       string `json:"owner"`
	Description string `json:"description,omitempty"`
}

type chainView struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Steps       int    `json:"steps"`
}

// Server exposes the admin API over HTTP.
type Server struct {
	directory  *directory.Directory
	catalog    *catalog.Catalog
	executor   *chain.Executor
	history    *chain.History
	httpServer *http.Server
	logger     logging.Logger
	startTime  time.Time
}

// NewServer builds the admin server. executor and history may be nil when no
// chains are loaded.
func NewServer(addr string, dir *directory.Directory, cat *catalog.Catalog, exec *chain.Executor, history *chain.History, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		directory: dir,
		catalog:   cat,
		executor:  exec,
		history:   history,
		logger:    logging.OrNop(logger),
		startTime: time.Now(),
	}

	engine.GET("/healthz", s.handleHealth)
	api := engine.Group("/api")
	{
		api.GET("/backends", s.handleBackends)
		api.GET("/tools", s.handleTools)
		api.GET("/chains", s.handleChains)
		api.GET("/chains/history", s.handleChainHistory)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	async.Go(s.logger, "admin.listener", func() {
		s.logger.Info("Admin API listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed: %v", err)
		}
	})
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, APIResponse{
		Success: true,
		Data: gin.H{
			"status": "ok",
			"uptime": time.Since(s.startTime).String(),
		},
	})
}

func (s *Server) handleBackends(c *gin.Context) {
	backends := s.directory.Backends()
	out := make([]backendView, 0, len(backends))
	for _, b := range backends {
		view := backendView{
			Name:       b.Spec.Name,
			Status:     string(b.Status()),
			Reconnects: b.Reconnects(),
			Pooled:     b.Spec.UseConnectionPool,
		}
		if b.Status() == directory.StatusRunning {
			view.Uptime = b.Uptime().String()
		}
		if err := b.LastError(); err != nil {
			view.LastError = err.Error()
		}
		if stats, ok := b.PoolStats(); ok {
			view.PoolSize = stats.Size
			view.PoolInUse = stats.InUse
		}
		out = append(out, view)
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: out})
}

func (s *Server) handleTools(c *gin.Context) {
	entries := s.catalog.List()
	out := make([]toolView, 0, len(entries))
	for _, e := range entries {
		out = append(out, toolView{
			Name:        e.FinalName,
			Owner:       e.Owner,
			Description: e.Description,
		})
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: out})
}

func (s *Server) handleChains(c *gin.Context) {
	if s.executor == nil {
		c.JSON(http.StatusOK, APIResponse{Success: true, Data: []chainView{}})
		return
	}
	defs := s.executor.Definitions()
	out := make([]chainView, 0, len(defs))
	for _, def := range defs {
		out = append(out, chainView{
			Name:        def.Name,
			Description: def.Description,
			Steps:       len(def.Steps),
		})
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: out})
}

func (s *Server) handleChainHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusOK, APIResponse{Success: true, Data: []any{}})
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: s.history.Recent()})
}

// Addr returns the configured listen address, for logs and tests.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
