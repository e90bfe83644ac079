package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// threads

func (r *Repo) CreateThread(ctx context.Context, t *Thread) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *Repo) GetThreadByThreadID(ctx context.Context, threadID string) (*Thread, error) {
	var t Thread
	if err := r.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ListThreads returns the user's threads, most recently touched first.
func (r *Repo) ListThreads(ctx context.Context, userID uint64, limit int) ([]Thread, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var ts []Thread
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&ts).Error; err != nil {
		return nil, err
	}
	return ts, nil
}

func (r *Repo) UpdateThreadStatus(ctx context.Context, threadID string, status ThreadStatus) error {
	return r.db.WithContext(ctx).Model(&Thread{}).
		Where("thread_id = ?", threadID).
		Updates(map[string]any{
			"status":     status,
			"updated_at": time.Now(),
		}).Error
}

func (r *Repo) SetThreadTitle(ctx context.Context, threadID, title string) error {
	return r.db.WithContext(ctx).Model(&Thread{}).
		Where("thread_id = ?", threadID).
		Update("title", title).Error
}

// DeleteThreadCascade removes the thread and all of its messages as one
// logical operation; no orphaned message survives.
func (r *Repo) DeleteThreadCascade(ctx context.Context, threadID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("thread_id = ?", threadID).Delete(&Message{}).Error; err != nil {
			return err
		}
		res := tx.Where("thread_id = ?", threadID).Delete(&Thread{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// messages

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *Repo) GetMessageByMessageID(ctx context.Context, messageID string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessageByStreamID resolves the weak back-relation from a stream
// record to the message that references it.
func (r *Repo) GetMessageByStreamID(ctx context.Context, streamID string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Where("stream_id = ?", streamID).
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListThreadMessagesAsc returns all messages of a thread in ascending
// chronological order (insertion order).
func (r *Repo) ListThreadMessagesAsc(ctx context.Context, threadID string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListRecentMessagesDesc returns the most recent messages in DESC id order (newest -> oldest).
func (r *Repo) ListRecentMessagesDesc(ctx context.Context, threadID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// HasPriorAssistant reports whether the thread carries any assistant
// message other than the given placeholder, regardless of whether its
// stream ever produced content.
func (r *Repo) HasPriorAssistant(ctx context.Context, threadID, excludeMessageID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Message{}).
		Where("thread_id = ? AND role = ? AND message_id <> ?", threadID, "assistant", excludeMessageID).
		Count(&n).Error
	return n > 0, err
}

func (r *Repo) CountMessages(ctx context.Context, threadID, role string) (int64, error) {
	var n int64
	q := r.db.WithContext(ctx).Model(&Message{}).Where("thread_id = ?", threadID)
	if role != "" {
		q = q.Where("role = ?", role)
	}
	if err := q.Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// SetMessageContentOnce writes the finalized body into an assistant
// placeholder. The empty-content guard makes a duplicate finalize a
// no-op, so content is only ever written once.
func (r *Repo) SetMessageContentOnce(ctx context.Context, messageID, content string) error {
	return r.db.WithContext(ctx).Model(&Message{}).
		Where("message_id = ? AND role = ? AND content = ?", messageID, "assistant", "").
		Update("content", content).Error
}

// settings

func (r *Repo) GetSettings(ctx context.Context, userID uint64) (*Settings, error) {
	var s Settings
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repo) UpsertSettings(ctx context.Context, s *Settings) error {
	var existing Settings
	err := r.db.WithContext(ctx).Where("user_id = ?", s.UserID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.db.WithContext(ctx).Create(s).Error
	}
	if err != nil {
		return err
	}
	s.ID = existing.ID
	s.CreatedAt = existing.CreatedAt
	return r.db.WithContext(ctx).Save(s).Error
}

// models

func (r *Repo) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var ms []ModelInfo
	if err := r.db.WithContext(ctx).Order("model_id ASC").Find(&ms).Error; err != nil {
		return nil, err
	}
	return ms, nil
}

func (r *Repo) GetModelByModelID(ctx context.Context, modelID string) (*ModelInfo, error) {
	var m ModelInfo
	if err := r.db.WithContext(ctx).
		Where("model_id = ?", modelID).
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// title jobs

func (r *Repo) GetJobByID(ctx context.Context, id string) (*TitleJob, error) {
	var j TitleJob
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&TitleJob{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning).Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&TitleJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": JobSucceeded,
			"error":  nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&TitleJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": JobFailed,
			"error":  errMsg,
		}).Error
}

func (r *Repo) GetJobByUserAndIdempotencyKey(ctx context.Context, userID uint64, key string) (*TitleJob, error) {
	var job TitleJob
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting tries to create a job, but if (user_id, idempotency_key)
// already exists, it returns the existing job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *TitleJob) (*TitleJob, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobByUserAndIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}

	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
