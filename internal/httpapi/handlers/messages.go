package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type sendMessageReq struct {
	ThreadID string `json:"thread_id" binding:"required"`
	Message  string `json:"message" binding:"required"`
}

// SendMessage records a user prompt and allocates the assistant
// placeholder plus its stream record. The client follows up with one
// POST /chat-stream carrying the returned ids.
func (h *Handler) SendMessage(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	receipt, err := h.ChatSvc.SendPrompt(c.Request.Context(), uid, req.ThreadID, req.Message)
	if err != nil {
		failForChatErr(c, err, "thread not found")
		return
	}
	ok(c, receipt)
}
