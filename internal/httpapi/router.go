// Package httpapi wires the HTTP surface: routes, middleware, fallbacks.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"wikichat/internal/httpapi/handlers"
	"wikichat/internal/httpapi/middleware"
)

// Options tunes the router beyond its handler set.
type Options struct {
	// ServiceName names spans when tracing is on.
	ServiceName string
	Tracing     bool
}

func NewRouter(h *handlers.Handler, log *zap.Logger, opts Options) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true

	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(log))
	r.Use(middleware.AccessLog(log))
	if opts.Tracing {
		r.Use(otelgin.Middleware(opts.ServiceName))
	}

	r.NoRoute(func(c *gin.Context) {
		jsonError(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		jsonError(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.POST("/chat", h.Chat)
	v1.GET("/chat/history", h.History)
	v1.DELETE("/chat/history", h.ClearHistory)
	v1.POST("/chat/async", h.ChatAsync)
	v1.GET("/chat/jobs/:job_id", h.Job)
	v1.GET("/health", h.Health)
	v1.GET("/debug/knowledge", h.DebugKnowledge)

	return r
}

func jsonError(c *gin.Context, httpStatus, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}
