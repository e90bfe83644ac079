package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func (h *Handler) CreateThread(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	th, err := h.ChatSvc.CreateThread(c.Request.Context(), uid)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "failed to create thread")
		return
	}
	ok(c, gin.H{"thread_id": th.ThreadID, "status": th.Status})
}

func (h *Handler) ListThreads(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	threads, err := h.ChatSvc.ListThreads(c.Request.Context(), uid, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50002, "failed to list threads")
		return
	}
	ok(c, gin.H{"threads": threads})
}

func (h *Handler) ListThreadMessages(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	threadID := c.Param("thread_id")
	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, threadID)
	if err != nil {
		failForChatErr(c, err, "thread not found")
		return
	}
	ok(c, gin.H{"messages": msgs})
}

func (h *Handler) DeleteThread(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	threadID := c.Param("thread_id")
	if err := h.ChatSvc.DeleteThread(c.Request.Context(), uid, threadID); err != nil {
		failForChatErr(c, err, "thread not found")
		return
	}
	ok(c, gin.H{"deleted": true})
}
