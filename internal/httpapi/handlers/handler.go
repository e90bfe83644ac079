package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/mistralthing/server/internal/chat"
	"github.com/mistralthing/server/internal/common"
	"github.com/mistralthing/server/internal/config"
	"github.com/mistralthing/server/internal/email"
	"github.com/mistralthing/server/internal/httpapi/middleware"
	"github.com/mistralthing/server/internal/store/redisstore"
	"github.com/mistralthing/server/internal/stream"
)

// Handler holds request-scoped dependencies. Everything is constructed
// in main and injected; no package-level clients.
type Handler struct {
	DB          *gorm.DB
	Cfg         config.Config
	Redis       *redisstore.Store
	SMTPSetting email.SMTPConfig
	ChatSvc     *chat.Service
	Streams     *stream.Store
	Broker      *stream.Broker
}

func NewHandler(db *gorm.DB, cfg config.Config, rds *redisstore.Store, svc *chat.Service, streams *stream.Store, broker *stream.Broker) *Handler {
	return &Handler{
		DB:    db,
		Cfg:   cfg,
		Redis: rds,
		SMTPSetting: email.SMTPConfig{
			Host: cfg.SMTPHost,
			Port: cfg.SMTPPort,
			User: cfg.SMTPUser,
			Pass: cfg.SMTPPass,
			From: cfg.SMTPFrom,
		},
		ChatSvc: svc,
		Streams: streams,
		Broker:  broker,
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func ok(c *gin.Context, data any) {
	common.OK(c, data)
}

func fail(c *gin.Context, httpStatus int, code int, msg string) {
	common.Fail(c, httpStatus, code, msg)
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// failForChatErr maps service errors to the envelope convention:
// missing rows are 404, foreign threads are 403.
func failForChatErr(c *gin.Context, err error, notFoundMsg string) {
	switch err {
	case gorm.ErrRecordNotFound:
		fail(c, http.StatusNotFound, 40004, notFoundMsg)
	case chat.ErrNotOwner:
		fail(c, http.StatusForbidden, 40301, "forbidden")
	default:
		fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
