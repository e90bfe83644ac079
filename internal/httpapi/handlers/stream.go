package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mistralthing/server/internal/chat"
	"github.com/mistralthing/server/internal/stream"
)

// The browser may call the streaming endpoints from a different origin
// than the main API, so they answer with permissive CORS headers.
func streamCORS(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Vary", "Origin")
}

func (h *Handler) ChatStreamPreflight(c *gin.Context) {
	streamCORS(c)
	c.Header("Access-Control-Allow-Methods", "POST, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
	c.Status(http.StatusNoContent)
}

type chatStreamReq struct {
	StreamID  string `json:"stream_id" binding:"required"`
	MessageID string `json:"message_id" binding:"required"`
	ThreadID  string `json:"thread_id" binding:"required"`
}

// ChatStream is the single writer path into a stream record. It claims
// the stream, pulls provider deltas into the durable store and mirrors
// the same bytes onto this response. A client disconnect stops the echo
// but never the generation: the store still reaches a terminal state and
// other subscribers still see the full result.
func (h *Handler) ChatStream(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req chatStreamReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	streamCORS(c)

	run, err := h.ChatSvc.BeginStream(c.Request.Context(), uid, req.ThreadID, req.MessageID, req.StreamID)
	if err != nil {
		switch err {
		case chat.ErrStreamMismatch:
			fail(c, http.StatusBadRequest, 10005, "stream does not match message")
		case stream.ErrAlreadyClaimed:
			fail(c, http.StatusConflict, 40901, "stream already started")
		default:
			failForChatErr(c, err, "stream not found")
		}
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)
	reqCtx := c.Request.Context()
	sink := func(delta string) {
		if reqCtx.Err() != nil {
			return // client gone; generation keeps running
		}
		_, _ = io.WriteString(c.Writer, delta)
		if canFlush {
			flusher.Flush()
		}
	}

	// detached: cancellation of the client's view must not cancel generation
	genCtx := context.WithoutCancel(reqCtx)
	out, err := h.ChatSvc.RunStream(genCtx, run, sink)
	if err != nil {
		log.Printf("stream finished with error stream_id=%s status=%s err=%v", req.StreamID, out.Status, err)
	}
}

// GetStreamBody is the idempotent snapshot read; valid while streaming
// and after completion.
func (h *Handler) GetStreamBody(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	streamCORS(c)

	streamID := c.Param("stream_id")
	body, err := h.ChatSvc.GetStreamBody(c.Request.Context(), uid, streamID)
	if err != nil {
		failForChatErr(c, err, "stream not found")
		return
	}
	ok(c, gin.H{"text": body.Text, "status": body.Status})
}

// SubscribeStream is the resumable live view: an SSE feed that replays
// the current durable snapshot, then pushes each appended delta, then a
// terminal event. Reconnecting clients simply re-subscribe; every read
// observes a prefix of the final body.
func (h *Handler) SubscribeStream(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	streamID := c.Param("stream_id")

	// ownership check before anything is subscribed or written
	if _, err := h.ChatSvc.GetStreamBody(c.Request.Context(), uid, streamID); err != nil {
		failForChatErr(c, err, "stream not found")
		return
	}

	streamCORS(c)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)
	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
		} else {
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, string(b))
		}
		if canFlush {
			flusher.Flush()
		}
	}

	// subscribe first, then read the snapshot: an event published while
	// the row is read is either covered by the snapshot (filtered via
	// offsets below) or still waiting in the channel
	events, cancel := h.Broker.Subscribe(streamID)
	defer cancel()

	snapshot, err := h.Streams.GetBody(c.Request.Context(), streamID)
	if err != nil {
		writeJSON("error", gin.H{"message": "stream read failed"})
		return
	}

	writeJSON("snapshot", gin.H{"text": snapshot.Text, "status": snapshot.Status})
	if snapshot.Status.Terminal() {
		writeJSON("end", gin.H{"status": snapshot.Status})
		return
	}
	cur := len(snapshot.Text)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	reqCtx := c.Request.Context()
	for {
		select {
		case evt := <-events:
			if evt.Terminal {
				// flush whatever the snapshot view is still missing
				if body, err := h.Streams.GetBody(reqCtx, streamID); err == nil && len(body.Text) > cur {
					writeJSON("chunk", gin.H{"delta": body.Text[cur:]})
				}
				writeJSON("end", gin.H{"status": evt.Status})
				return
			}
			if evt.Len <= cur {
				continue // already covered by the snapshot
			}
			if evt.Len-len(evt.Delta) > cur {
				// dropped events; resync from the durable row
				body, err := h.Streams.GetBody(reqCtx, streamID)
				if err != nil {
					continue
				}
				if len(body.Text) > cur {
					writeJSON("chunk", gin.H{"delta": body.Text[cur:]})
					cur = len(body.Text)
				}
				continue
			}
			writeJSON("chunk", gin.H{"delta": evt.Delta})
			cur = evt.Len

		case <-ticker.C:
			// liveness ping; also covers a terminal event published in
			// the subscribe/snapshot race window
			body, err := h.Streams.GetBody(reqCtx, streamID)
			if err == nil && body.Status.Terminal() {
				if len(body.Text) > cur {
					writeJSON("chunk", gin.H{"delta": body.Text[cur:]})
				}
				writeJSON("end", gin.H{"status": body.Status})
				return
			}
			writeJSON("ping", gin.H{"ts": time.Now().Unix()})

		case <-reqCtx.Done():
			return
		}
	}
}
