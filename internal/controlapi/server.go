// Package controlapi exposes the task engine over HTTP: a gin router
// guarded by a shared-secret token, REST endpoints for every
// taskmanager command, and a websocket broadcast of task snapshots on
// every material state change.
package controlapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"tachyon-export/internal/model"
	"tachyon-export/internal/taskmanager"
)

const tokenHeader = "X-Tachyon-Token"

// Server is the control plane's HTTP surface.
type Server struct {
	logger  *slog.Logger
	tasks   *taskmanager.Manager
	token   string
	httpSrv *http.Server

	subsMu sync.Mutex
	subs   map[*websocket.Conn]chan []byte
}

// New builds a Server; token authenticates every request via the
// X-Tachyon-Token header.
func New(logger *slog.Logger, tasks *taskmanager.Manager, token string) *Server {
	return &Server{
		logger: logger,
		tasks:  tasks,
		token:  token,
		subs:   make(map[*websocket.Conn]chan []byte),
	}
}

// Broadcast pushes a task's current snapshot to every connected
// websocket subscriber; intended as the taskmanager Notify callback.
func (s *Server) Broadcast(task *model.Task) {
	blob, err := json.Marshal(task)
	if err != nil {
		return
	}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- blob:
		default:
			// slow subscriber: drop rather than block the notifier
		}
	}
}

// Start launches the HTTP server in the background; call Stop for a
// graceful shutdown.
func (s *Server) Start(addr string) {
	router := gin.New()
	router.Use(gin.Recovery(), s.corsMiddleware())

	api := router.Group("/api/v1")
	api.Use(s.authMiddleware())
	{
		api.GET("/tasks", s.listTasks)
		api.POST("/tasks", s.createTask)
		api.GET("/tasks/:id", s.getTask)
		api.POST("/tasks/:id/start", s.startTask)
		api.POST("/tasks/:id/pause", s.pauseTask)
		api.POST("/tasks/:id/resume", s.resumeTask)
		api.POST("/tasks/:id/cancel", s.cancelTask)
		api.POST("/tasks/:id/verify", s.verifyTask)
		api.GET("/tasks/:id/queue", s.getQueue)
		api.POST("/tasks/:id/items/:itemID/pause", s.pauseItem)
		api.POST("/tasks/:id/items/:itemID/resume", s.resumeItem)
		api.POST("/tasks/:id/items/:itemID/retry", s.retryItem)
		api.POST("/tasks/:id/items/:itemID/cancel", s.cancelItem)
		api.POST("/tasks/:id/retry_all_failed", s.retryAllFailed)
		api.POST("/tasks/:id/concurrency", s.adjustConcurrency)
	}
	router.GET("/ws", s.handleWebsocket)

	s.httpSrv = &http.Server{Addr: addr, Handler: router}
	go func() {
		s.logger.Info("control api: listening", "addr", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control api: server failed", "error", err)
		}
	}()
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", fmt.Sprintf("Content-Type, %s", tokenHeader))
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(tokenHeader) != s.token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleWebsocket(c *gin.Context) {
	if c.Query("token") != s.token {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("control api: websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ch := make(chan []byte, 32)
	s.subsMu.Lock()
	s.subs[conn] = ch
	s.subsMu.Unlock()
	defer func() {
		s.subsMu.Lock()
		delete(s.subs, conn)
		s.subsMu.Unlock()
	}()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case blob := <-ch:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, blob)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
