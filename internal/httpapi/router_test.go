package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/mistralthing/server/internal/ai"
	"github.com/mistralthing/server/internal/auth"
	"github.com/mistralthing/server/internal/chat"
	"github.com/mistralthing/server/internal/config"
	"github.com/mistralthing/server/internal/httpapi/handlers"
	"github.com/mistralthing/server/internal/models"
	"github.com/mistralthing/server/internal/stream"
)

type scriptedProvider struct {
	deltas []string
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	_ = ctx
	_ = messages
	return "A scripted title", nil
}

func (p *scriptedProvider) StreamChat(ctx context.Context, messages []ai.Message) (<-chan string, <-chan error) {
	_ = ctx
	_ = messages
	chunks := make(chan string, len(p.deltas))
	errs := make(chan error, 1)
	go func() {
		for _, d := range p.deltas {
			chunks <- d
		}
		close(chunks)
		close(errs)
	}()
	return chunks, errs
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T, deltas []string) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.User{},
		&chat.Thread{}, &chat.Message{}, &chat.Settings{},
		&chat.ModelInfo{}, &chat.TitleJob{},
		&stream.Record{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		_ = model
		return &scriptedProvider{deltas: deltas}, nil
	})

	streams := stream.NewStore(db)
	broker := stream.NewBroker()
	engine := stream.NewEngine(streams, broker, 2*time.Second)
	svc := chat.NewService(chat.NewRepo(db), reg, streams, engine, nil, "fake", "default-model", 20)

	cfg := config.Config{JWTSecret: "router-test-secret"}
	h := handlers.NewHandler(db, cfg, nil, svc, streams, broker)
	return NewRouter(h, cfg.JWTSecret), cfg.JWTSecret
}

func bearerToken(t *testing.T, secret string, uid uint64) string {
	t.Helper()
	token, err := auth.SignJWT(uid, secret, time.Hour)
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return "Bearer " + token
}

func doJSON(t *testing.T, r *gin.Engine, method, path, authz string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, w.Body.String())
	}
	if env.Code != 0 {
		t.Fatalf("expected code 0, got %d (%s)", env.Code, env.Message)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
}

func TestChatStreamFlow(t *testing.T) {
	r, secret := newTestServer(t, []string{"Hi", " there", "!"})
	owner := bearerToken(t, secret, 1)

	// threads and messages require a token
	if w := doJSON(t, r, http.MethodPost, "/threads", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", w.Code)
	}

	var created struct {
		ThreadID string `json:"thread_id"`
	}
	w := doJSON(t, r, http.MethodPost, "/threads", owner, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("create thread: %d %s", w.Code, w.Body.String())
	}
	decodeData(t, w, &created)
	if created.ThreadID == "" {
		t.Fatal("empty thread id")
	}

	var receipt chat.PromptReceipt
	w = doJSON(t, r, http.MethodPost, "/messages", owner, gin.H{
		"thread_id": created.ThreadID,
		"message":   "Hello",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("send message: %d %s", w.Code, w.Body.String())
	}
	decodeData(t, w, &receipt)
	if receipt.StreamID == "" || receipt.AssistantMessageID == "" {
		t.Fatalf("incomplete receipt: %+v", receipt)
	}

	dispatch := gin.H{
		"stream_id":  receipt.StreamID,
		"message_id": receipt.AssistantMessageID,
		"thread_id":  created.ThreadID,
	}
	w = doJSON(t, r, http.MethodPost, "/chat-stream", owner, dispatch)
	if w.Code != http.StatusOK {
		t.Fatalf("chat-stream: %d %s", w.Code, w.Body.String())
	}
	if got := w.Body.String(); got != "Hi there!" {
		t.Fatalf("streamed body: %q", got)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header on stream response")
	}
	if w.Header().Get("Vary") != "Origin" {
		t.Fatal("missing Vary header on stream response")
	}

	// second dispatch of the same stream is rejected
	if w := doJSON(t, r, http.MethodPost, "/chat-stream", owner, dispatch); w.Code != http.StatusConflict {
		t.Fatalf("duplicate dispatch: expected 409, got %d %s", w.Code, w.Body.String())
	}

	var body struct {
		Text   string `json:"text"`
		Status string `json:"status"`
	}
	w = doJSON(t, r, http.MethodGet, "/streams/"+receipt.StreamID, owner, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get stream body: %d %s", w.Code, w.Body.String())
	}
	decodeData(t, w, &body)
	if body.Text != "Hi there!" || body.Status != "done" {
		t.Fatalf("snapshot: text=%q status=%q", body.Text, body.Status)
	}

	// someone else's token cannot read the stream
	stranger := bearerToken(t, secret, 2)
	if w := doJSON(t, r, http.MethodGet, "/streams/"+receipt.StreamID, stranger, nil); w.Code != http.StatusForbidden {
		t.Fatalf("foreign read: expected 403, got %d %s", w.Code, w.Body.String())
	}

	// the assistant message now carries the full reply
	var listed struct {
		Messages []chat.Message `json:"messages"`
	}
	w = doJSON(t, r, http.MethodGet, "/threads/"+created.ThreadID+"/messages", owner, nil)
	decodeData(t, w, &listed)
	if len(listed.Messages) != 2 || listed.Messages[1].Content != "Hi there!" {
		t.Fatalf("thread messages after stream: %+v", listed.Messages)
	}
}

func TestSubscribeReplaysFinishedStream(t *testing.T) {
	r, secret := newTestServer(t, []string{"Hi", " there", "!"})
	owner := bearerToken(t, secret, 1)

	var created struct {
		ThreadID string `json:"thread_id"`
	}
	decodeData(t, doJSON(t, r, http.MethodPost, "/threads", owner, nil), &created)

	var receipt chat.PromptReceipt
	decodeData(t, doJSON(t, r, http.MethodPost, "/messages", owner, gin.H{
		"thread_id": created.ThreadID,
		"message":   "Hello",
	}), &receipt)

	if w := doJSON(t, r, http.MethodPost, "/chat-stream", owner, gin.H{
		"stream_id":  receipt.StreamID,
		"message_id": receipt.AssistantMessageID,
		"thread_id":  created.ThreadID,
	}); w.Code != http.StatusOK {
		t.Fatalf("chat-stream: %d %s", w.Code, w.Body.String())
	}

	// a subscriber joining after completion gets the snapshot and the end
	// event right away, not on the next ticker pass
	w := doJSON(t, r, http.MethodGet, "/streams/"+receipt.StreamID+"/subscribe", owner, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("subscribe: %d %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("subscribe content type: %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "event: snapshot") || !strings.Contains(body, "Hi there!") {
		t.Fatalf("replay missing snapshot: %q", body)
	}
	if !strings.Contains(body, "event: end") || !strings.Contains(body, `"status":"done"`) {
		t.Fatalf("replay missing end event: %q", body)
	}

	stranger := bearerToken(t, secret, 2)
	if w := doJSON(t, r, http.MethodGet, "/streams/"+receipt.StreamID+"/subscribe", stranger, nil); w.Code != http.StatusForbidden {
		t.Fatalf("foreign subscribe: expected 403, got %d", w.Code)
	}
}

func TestChatStreamPreflight(t *testing.T) {
	r, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/chat-stream", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight: expected 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("preflight missing allow-origin")
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Fatal("preflight missing allow-methods")
	}
}

func TestStreamDispatchValidation(t *testing.T) {
	r, secret := newTestServer(t, []string{"x"})
	owner := bearerToken(t, secret, 1)

	var created struct {
		ThreadID string `json:"thread_id"`
	}
	decodeData(t, doJSON(t, r, http.MethodPost, "/threads", owner, nil), &created)

	var receipt chat.PromptReceipt
	decodeData(t, doJSON(t, r, http.MethodPost, "/messages", owner, gin.H{
		"thread_id": created.ThreadID,
		"message":   "Hello",
	}), &receipt)

	// stream id paired with the wrong message
	w := doJSON(t, r, http.MethodPost, "/chat-stream", owner, gin.H{
		"stream_id":  receipt.StreamID,
		"message_id": receipt.UserMessageID,
		"thread_id":  created.ThreadID,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("mismatched triple: expected 400, got %d %s", w.Code, w.Body.String())
	}

	// missing fields fail binding
	w = doJSON(t, r, http.MethodPost, "/chat-stream", owner, gin.H{"stream_id": receipt.StreamID})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing fields: expected 400, got %d", w.Code)
	}
}
