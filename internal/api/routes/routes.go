package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/threadline/internal/api/handlers"
	"github.com/yoockh/threadline/internal/api/middleware"
	"github.com/yoockh/threadline/internal/client"
)

type Deps struct {
	Threads     *handlers.ThreadHandler
	Completions *handlers.CompletionHandler
	Credentials *handlers.CredentialHandler
	Exports     *handlers.ExportHandler
	WS          *handlers.WSHandler

	Selector *client.Selector
	// Direct serves the internal surface; it never forwards again.
	Direct client.DomainClient

	JWT           middleware.JWTConfig
	InternalToken string
	Limiter       *middleware.RateLimiter
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	// Public surface: user JWT, rate limited, client chosen per request
	pub := r.Group("/v1")
	pub.Use(middleware.JWTAuth(d.JWT))
	if d.Limiter != nil {
		pub.Use(d.Limiter.Middleware())
	}
	pub.Use(middleware.ClientMode(d.Selector))

	registerDomain(pub, d)
	pub.PUT("/credentials/:provider", d.Credentials.Save)
	pub.POST("/threads/:thread_id/export", d.Exports.Enqueue)

	ws := r.Group("/ws")
	ws.Use(middleware.JWTAuth(d.JWT), middleware.ClientMode(d.Selector))
	ws.GET("/threads/:thread_id", d.WS.ThreadWS)

	// Internal surface: service token, always in-process
	internal := r.Group(client.InternalPrefix)
	internal.Use(
		middleware.InternalAuth(d.InternalToken),
		middleware.RequireRole("service"),
		middleware.UseClient(d.Direct, client.ModeDirect),
	)
	registerDomain(internal, d)
}

func registerDomain(g *gin.RouterGroup, d Deps) {
	g.POST("/threads", d.Threads.Create)
	g.GET("/threads", d.Threads.List)
	g.GET("/threads/:thread_id", d.Threads.Get)
	g.PATCH("/threads/:thread_id", d.Threads.Update)
	g.DELETE("/threads/:thread_id", d.Threads.Delete)
	g.POST("/threads/:thread_id/messages", d.Threads.AddMessage)
	g.PATCH("/threads/:thread_id/messages/:message_id", d.Threads.UpdateMessage)
	g.POST("/threads/:thread_id/completions", d.Completions.Complete)
	g.POST("/threads/:thread_id/completions/stream", d.Completions.Stream)
	g.DELETE("/threads/:thread_id/generation", d.Completions.Cancel)
}
