package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/mistralthing/server/internal/chat"
)

func (h *Handler) GetSettings(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	set, err := h.ChatSvc.GetSettings(c.Request.Context(), uid)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50003, "failed to load settings")
		return
	}
	ok(c, set)
}

type updateSettingsReq struct {
	ModelID      string   `json:"model_id"`
	Nickname     string   `json:"nickname"`
	Biography    string   `json:"biography"`
	Instructions string   `json:"instructions"`
	PinnedModels []string `json:"pinned_models"`
	Theme        string   `json:"theme"`
	Mode         string   `json:"mode"`
}

func (h *Handler) UpdateSettings(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req updateSettingsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	set := &chat.Settings{
		UserID:       uid,
		ModelID:      req.ModelID,
		Nickname:     req.Nickname,
		Biography:    req.Biography,
		Instructions: req.Instructions,
		PinnedModels: req.PinnedModels,
		Theme:        req.Theme,
		Mode:         req.Mode,
	}
	if err := h.ChatSvc.UpdateSettings(c.Request.Context(), set); err != nil {
		if err == gorm.ErrRecordNotFound {
			fail(c, http.StatusBadRequest, 10006, "unknown model id")
			return
		}
		fail(c, http.StatusInternalServerError, 50004, "failed to save settings")
		return
	}
	ok(c, set)
}

func (h *Handler) ListModels(c *gin.Context) {
	models, err := h.ChatSvc.ListModels(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, 50005, "failed to list models")
		return
	}
	ok(c, gin.H{"models": models})
}
