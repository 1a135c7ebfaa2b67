// Package api is the HTTP admin interface of a running endpoint.
package api

import (
	"context"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/luma/msrpd/session"
)

// DialFunc connects a session created through the API to its remote end.
type DialFunc func(ctx context.Context, s *session.Session) error

type Options struct {
	Stack *session.Stack

	// Listener is given to sessions created through the API.
	Listener session.Listener

	// Dial is used when a session is created with "dial": true. Nil disables
	// dialing.
	Dial DialFunc

	DebugHTTP bool
	Log       *zap.Logger
}

func NewRouter(opts Options) *gin.Engine {
	router := setupRouter(opts.DebugHTTP, opts.Log)

	h := &Handler{
		stack:    opts.Stack,
		listener: opts.Listener,
		dial:     opts.Dial,
		log:      opts.Log,
	}

	// Ping test
	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	router.GET("/sessions", h.ListSessions)
	router.POST("/sessions", h.CreateSession)
	router.GET("/sessions/:id", h.GetSession)
	router.DELETE("/sessions/:id", h.CloseSession)
	router.POST("/sessions/:id/messages", h.SendMessage)
	router.DELETE("/sessions/:id/messages/:messageID", h.AbortMessage)

	router.GET("/messages/:id", h.GetProgress)

	return router
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - RFC3339 with UTC time format.
	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}
