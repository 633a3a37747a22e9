// Package api exposes the thread-tree service over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/tangenthq/tangent/internal/api/auth"
	"github.com/tangenthq/tangent/internal/assembler"
	"github.com/tangenthq/tangent/internal/thread"
)

// Server represents the API server
type Server struct {
	echo      *echo.Echo
	port      int
	service   *thread.Service
	assembler *assembler.Assembler
	tokens    *auth.TokenService
}

// NewServer creates a new API server
func NewServer(port int, service *thread.Service, asm *assembler.Assembler, tokens *auth.TokenService) *Server {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server := &Server{
		echo:      e,
		port:      port,
		service:   service,
		assembler: asm,
		tokens:    tokens,
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	// API v1 group, bearer auth required throughout
	v1 := s.echo.Group("/api/v1", auth.RequireAuth(s.tokens))

	v1.POST("/conversations", s.createConversation)
	v1.GET("/conversations", s.listConversations)
	v1.GET("/conversations/:id", s.getConversation)
	v1.PATCH("/conversations/:id", s.renameConversation)
	v1.DELETE("/conversations/:id", s.deleteConversation)
	v1.GET("/conversations/:id/tangents", s.getTangentSnapshot)

	v1.POST("/threads/:id/fork", s.forkThread)
	v1.POST("/threads/:id/merge", s.mergeThread)
	v1.POST("/threads/:id/archive", s.archiveThread)
	v1.POST("/threads/:id/close", s.archiveThread)
	v1.POST("/threads/:id/branch", s.branchThread)
	v1.GET("/threads/:id/messages", s.listThreadMessages)
	v1.POST("/threads/:id/messages", s.appendThreadMessage)
	v1.GET("/threads/:id/merge-events", s.listThreadMergeEvents)
	v1.GET("/threads/:id/context", s.buildThreadContext)
}

// Start begins the API server and blocks until an interrupt arrives.
func (s *Server) Start() error {
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
			s.echo.Logger.Fatal("shutting down the server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying echo instance for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
