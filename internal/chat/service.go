package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"gorm.io/gorm"

	"github.com/mistralthing/server/internal/ai"
	"github.com/mistralthing/server/internal/common"
	"github.com/mistralthing/server/internal/stream"
)

var (
	// ErrNotOwner means the thread exists but belongs to someone else.
	ErrNotOwner = errors.New("chat: not thread owner")
	// ErrStreamMismatch means the stream/message/thread triple does not line up.
	ErrStreamMismatch = errors.New("chat: stream does not belong to message")
	// ErrNoStreaming means the resolved provider cannot stream.
	ErrNoStreaming = errors.New("chat: provider does not support streaming")
)

// TitleQueue publishes title-generation jobs; nil disables the feature.
type TitleQueue interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Service struct {
	repo              *Repo
	registry          *ai.Registry
	streams           *stream.Store
	engine            *stream.Engine
	titles            TitleQueue
	providerName      string
	defaultModel      string
	contextWindowSize int
}

func NewService(repo *Repo, registry *ai.Registry, streams *stream.Store, engine *stream.Engine, titles TitleQueue, providerName, defaultModel string, contextWindowSize int) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	if providerName == "" {
		providerName = "mistral"
	}
	if defaultModel == "" {
		defaultModel = "mistral-small-latest"
	}
	return &Service{
		repo:              repo,
		registry:          registry,
		streams:           streams,
		engine:            engine,
		titles:            titles,
		providerName:      providerName,
		defaultModel:      defaultModel,
		contextWindowSize: contextWindowSize,
	}
}

func (s *Service) ownedThread(ctx context.Context, userID uint64, threadID string) (*Thread, error) {
	th, err := s.repo.GetThreadByThreadID(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if th.UserID != userID {
		return nil, ErrNotOwner
	}
	return th, nil
}

func (s *Service) CreateThread(ctx context.Context, userID uint64) (*Thread, error) {
	tid, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	th := &Thread{
		ThreadID: tid,
		UserID:   userID,
		Status:   ThreadReady,
	}
	if err := s.repo.CreateThread(ctx, th); err != nil {
		return nil, err
	}
	return th, nil
}

func (s *Service) ListThreads(ctx context.Context, userID uint64, limit int) ([]Thread, error) {
	return s.repo.ListThreads(ctx, userID, limit)
}

func (s *Service) ListMessages(ctx context.Context, userID uint64, threadID string) ([]Message, error) {
	if _, err := s.ownedThread(ctx, userID, threadID); err != nil {
		return nil, err
	}
	return s.repo.ListThreadMessagesAsc(ctx, threadID)
}

// DeleteThread removes the thread and all its messages in one
// transaction.
func (s *Service) DeleteThread(ctx context.Context, userID uint64, threadID string) error {
	if _, err := s.ownedThread(ctx, userID, threadID); err != nil {
		return err
	}
	return s.repo.DeleteThreadCascade(ctx, threadID)
}

// PromptReceipt is what the client needs to start and follow a turn.
type PromptReceipt struct {
	ThreadID           string `json:"thread_id"`
	UserMessageID      string `json:"user_message_id"`
	AssistantMessageID string `json:"assistant_message_id"`
	StreamID           string `json:"stream_id"`
}

// SendPrompt records the user turn and sets up the assistant turn: an
// empty placeholder message linked to a fresh pending stream record.
// The thread moves to submitted until the streaming endpoint takes over.
func (s *Service) SendPrompt(ctx context.Context, userID uint64, threadID, content string) (*PromptReceipt, error) {
	if _, err := s.ownedThread(ctx, userID, threadID); err != nil {
		return nil, err
	}

	firstPrompt := false
	if n, err := s.repo.CountMessages(ctx, threadID, "user"); err != nil {
		log.Printf("message count failed thread_id=%s err=%v", threadID, err)
	} else if n == 0 {
		firstPrompt = true
	}

	userMsgID, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	if err := s.repo.InsertMessage(ctx, &Message{
		MessageID: userMsgID,
		ThreadID:  threadID,
		UserID:    userID,
		Role:      "user",
		Content:   content,
	}); err != nil {
		return nil, err
	}

	streamID, err := s.streams.Create(ctx)
	if err != nil {
		return nil, err
	}

	asstMsgID, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	if err := s.repo.InsertMessage(ctx, &Message{
		MessageID: asstMsgID,
		ThreadID:  threadID,
		UserID:    userID,
		Role:      "assistant",
		Content:   "",
		StreamID:  &streamID,
	}); err != nil {
		return nil, err
	}

	if err := s.repo.UpdateThreadStatus(ctx, threadID, ThreadSubmitted); err != nil {
		return nil, err
	}

	if firstPrompt && s.titles != nil {
		s.enqueueTitleJob(ctx, userID, threadID, content)
	}

	return &PromptReceipt{
		ThreadID:           threadID,
		UserMessageID:      userMsgID,
		AssistantMessageID: asstMsgID,
		StreamID:           streamID,
	}, nil
}

func (s *Service) enqueueTitleJob(ctx context.Context, userID uint64, threadID, prompt string) {
	jobID, err := common.NewULID()
	if err != nil {
		log.Printf("title job id failed thread_id=%s err=%v", threadID, err)
		return
	}
	key := "title:" + threadID
	job := &TitleJob{
		ID:             jobID,
		UserID:         userID,
		ThreadID:       threadID,
		Prompt:         prompt,
		IdempotencyKey: &key,
		Status:         JobQueued,
	}
	job, created, err := s.repo.CreateJobOrGetExisting(ctx, job)
	if err != nil {
		log.Printf("title job create failed thread_id=%s err=%v", threadID, err)
		return
	}
	if !created {
		return
	}
	if err := s.titles.PublishJob(ctx, job.ID); err != nil {
		log.Printf("title job publish failed job_id=%s err=%v", job.ID, err)
	}
}

func buildSystemPrompt(set *Settings) string {
	var b strings.Builder
	b.WriteString("You are a helpful assistant in a chat application.")
	if set == nil {
		return b.String()
	}
	if set.Nickname != "" {
		fmt.Fprintf(&b, " Address the user as %s.", set.Nickname)
	}
	if set.Biography != "" {
		b.WriteString("\nAbout the user: ")
		b.WriteString(set.Biography)
	}
	if set.Instructions != "" {
		b.WriteString("\nAdditional instructions: ")
		b.WriteString(set.Instructions)
	}
	return b.String()
}

func (s *Service) resolveModel(ctx context.Context, userID uint64) string {
	set, err := s.repo.GetSettings(ctx, userID)
	if err != nil || set.ModelID == "" {
		return s.defaultModel
	}
	if _, err := s.repo.GetModelByModelID(ctx, set.ModelID); err != nil {
		// selection points at a retired id; fall back rather than fail
		return s.defaultModel
	}
	return set.ModelID
}

// StreamRun carries everything a single claimed generation needs.
type StreamRun struct {
	StreamID  string
	ThreadID  string
	MessageID string

	token    string
	msgs     []ai.Message
	provider ai.StreamProvider
}

// Context returns the assembled conversation turns (for tests and logs).
func (r *StreamRun) Context() []ai.Message { return r.msgs }

// BeginStream validates the {thread, message, stream} triple, assembles
// the conversation context, resolves the model and claims the stream.
// On the thread's first assistant turn exactly one system turn, built
// from the user's settings, is prepended; later turns get none.
func (s *Service) BeginStream(ctx context.Context, userID uint64, threadID, messageID, streamID string) (*StreamRun, error) {
	if _, err := s.ownedThread(ctx, userID, threadID); err != nil {
		return nil, err
	}

	msg, err := s.repo.GetMessageByMessageID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ThreadID != threadID || msg.Role != "assistant" ||
		msg.StreamID == nil || *msg.StreamID != streamID {
		return nil, ErrStreamMismatch
	}

	// newest window only; +1 because the placeholder itself is in there
	recent, err := s.repo.ListRecentMessagesDesc(ctx, threadID, s.contextWindowSize+1)
	if err != nil {
		return nil, err
	}
	turns := make([]ai.Message, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		if m.MessageID == messageID {
			continue
		}
		if m.Role == "assistant" && m.Content == "" {
			// in-flight or failed placeholder; nothing to say yet
			continue
		}
		turns = append(turns, ai.Message{Role: m.Role, Content: m.Content})
	}

	// the system turn is built once per thread: any prior assistant row
	// counts, including one whose stream ended in error or timeout
	priorAssistant, err := s.repo.HasPriorAssistant(ctx, threadID, messageID)
	if err != nil {
		return nil, err
	}
	if !priorAssistant {
		set, _ := s.repo.GetSettings(ctx, userID)
		turns = append([]ai.Message{{Role: "system", Content: buildSystemPrompt(set)}}, turns...)
	}

	model := s.resolveModel(ctx, userID)
	provider, err := s.registry.Get(ctx, s.providerName, model)
	if err != nil {
		return nil, err
	}
	sp, ok := provider.(ai.StreamProvider)
	if !ok {
		return nil, ErrNoStreaming
	}

	// claim last so validation failures never burn the single claim
	token, err := s.streams.Claim(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateThreadStatus(ctx, threadID, ThreadStreaming); err != nil {
		return nil, err
	}

	return &StreamRun{
		StreamID:  streamID,
		ThreadID:  threadID,
		MessageID: messageID,
		token:     token,
		msgs:      turns,
		provider:  sp,
	}, nil
}

// RunStream drives the claimed generation to a terminal state and does
// the finalize bookkeeping: on done the body is written into the message
// exactly once; on any terminal outcome the thread returns to ready.
func (s *Service) RunStream(ctx context.Context, run *StreamRun, sink func(delta string)) (stream.Outcome, error) {
	out, err := s.engine.Run(ctx, run.StreamID, run.token, run.provider, run.msgs, sink)

	if out.Status == stream.StatusDone {
		if werr := s.repo.SetMessageContentOnce(ctx, run.MessageID, out.Body); werr != nil {
			log.Printf("finalize content write failed message_id=%s err=%v", run.MessageID, werr)
		}
	}
	if terr := s.repo.UpdateThreadStatus(ctx, run.ThreadID, ThreadReady); terr != nil {
		log.Printf("thread status reset failed thread_id=%s err=%v", run.ThreadID, terr)
	}
	return out, err
}

// GetStreamBody is the authorized read-side query: the caller must own
// the thread whose message references this stream.
func (s *Service) GetStreamBody(ctx context.Context, userID uint64, streamID string) (stream.Body, error) {
	msg, err := s.repo.GetMessageByStreamID(ctx, streamID)
	if err != nil {
		return stream.Body{}, err
	}
	th, err := s.repo.GetThreadByThreadID(ctx, msg.ThreadID)
	if err != nil {
		return stream.Body{}, err
	}
	if th.UserID != userID {
		return stream.Body{}, ErrNotOwner
	}
	return s.streams.GetBody(ctx, streamID)
}

// RecoverThread resets the owning thread after the watchdog expired a
// stream whose writer died before finalize.
func (s *Service) RecoverThread(ctx context.Context, streamID string) {
	msg, err := s.repo.GetMessageByStreamID(ctx, streamID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("recover lookup failed stream_id=%s err=%v", streamID, err)
		}
		return
	}
	th, err := s.repo.GetThreadByThreadID(ctx, msg.ThreadID)
	if err != nil {
		return
	}
	if th.Status == ThreadReady {
		return
	}
	if err := s.repo.UpdateThreadStatus(ctx, th.ThreadID, ThreadReady); err != nil {
		log.Printf("recover thread failed thread_id=%s err=%v", th.ThreadID, err)
	}
}

// GenerateThreadTitle is the worker entry point for one title job.
func (s *Service) GenerateThreadTitle(ctx context.Context, jobID string) error {
	_ = s.repo.UpdateJobStatusRunning(ctx, jobID)

	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}

	provider, err := s.registry.Get(ctx, s.providerName, s.defaultModel)
	if err != nil {
		_ = s.repo.MarkJobFailed(ctx, jobID, err.Error())
		return err
	}

	title, err := provider.Chat(ctx, []ai.Message{
		{Role: "system", Content: "Reply with a short title (at most 6 words) for a conversation that starts with the following message. Reply with the title only."},
		{Role: "user", Content: j.Prompt},
	})
	if err != nil {
		_ = s.repo.MarkJobFailed(ctx, jobID, err.Error())
		return err
	}

	title = strings.Trim(strings.TrimSpace(title), `"`)
	if len(title) > 80 {
		title = title[:80]
	}
	if err := s.repo.SetThreadTitle(ctx, j.ThreadID, title); err != nil {
		_ = s.repo.MarkJobFailed(ctx, jobID, err.Error())
		return err
	}
	return s.repo.MarkJobSucceeded(ctx, jobID)
}

// settings + models passthrough

func (s *Service) GetSettings(ctx context.Context, userID uint64) (*Settings, error) {
	set, err := s.repo.GetSettings(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Settings{UserID: userID, ModelID: s.defaultModel, Theme: "system", Mode: "chat"}, nil
	}
	return set, err
}

func (s *Service) UpdateSettings(ctx context.Context, set *Settings) error {
	if set.ModelID != "" {
		if _, err := s.repo.GetModelByModelID(ctx, set.ModelID); err != nil {
			return err
		}
	}
	return s.repo.UpsertSettings(ctx, set)
}

func (s *Service) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return s.repo.ListModels(ctx)
}
