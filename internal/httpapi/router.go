package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mistralthing/server/internal/common"
	"github.com/mistralthing/server/internal/httpapi/handlers"
	"github.com/mistralthing/server/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler, jwtSecret string) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	// auth
	r.POST("/users", h.CreateUser)
	r.POST("/login", h.Login)
	r.POST("/auth/login-code", h.SendLoginCode)
	r.POST("/auth/verify", h.VerifyLoginCode)

	// browser preflight for the cross-origin streaming call
	r.OPTIONS("/chat-stream", h.ChatStreamPreflight)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(jwtSecret))
	authGroup.GET("/me", h.Me)

	// threads + messages (JWT required)
	authGroup.POST("/threads", h.CreateThread)
	authGroup.GET("/threads", h.ListThreads)
	authGroup.GET("/threads/:thread_id/messages", h.ListThreadMessages)
	authGroup.DELETE("/threads/:thread_id", h.DeleteThread)
	authGroup.POST("/messages", h.SendMessage)

	// streaming pipeline
	authGroup.POST("/chat-stream", h.ChatStream)
	authGroup.GET("/streams/:stream_id", h.GetStreamBody)
	authGroup.GET("/streams/:stream_id/subscribe", h.SubscribeStream)

	// settings + model catalog
	authGroup.GET("/models", h.ListModels)
	authGroup.GET("/settings", h.GetSettings)
	authGroup.PUT("/settings", h.UpdateSettings)

	return r
}
