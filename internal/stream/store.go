package stream

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/mistralthing/server/internal/common"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether the status freezes the record.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusTimeout
}

var (
	ErrFinalized      = errors.New("stream: record is finalized")
	ErrNotWriter      = errors.New("stream: caller does not hold the write token")
	ErrAlreadyClaimed = errors.New("stream: record already claimed by a writer")
	ErrBadOutcome     = errors.New("stream: finalize outcome must be terminal")
)

// Record is the durable stream row. Body is append-only until a terminal
// status is reached; WriteToken is the optimistic single-writer guard.
type Record struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	StreamID    string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"stream_id"`
	Status      Status    `gorm:"type:varchar(16);index;not null" json:"status"`
	Body        string    `gorm:"type:longtext" json:"body"`
	WriteToken  *string   `gorm:"type:varchar(26)" json:"-"`
	LastChunkAt time.Time `gorm:"index" json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Record) TableName() string { return "stream_records" }

// Body is the read-side snapshot: current text plus status.
type Body struct {
	Text   string `json:"text"`
	Status Status `json:"status"`
}

// Store persists stream records. It is a dumb trusted layer;
// authorization is enforced by callers.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create allocates a new pending record with an empty body and returns its id.
func (s *Store) Create(ctx context.Context) (string, error) {
	id, err := common.NewULID()
	if err != nil {
		return "", err
	}
	rec := &Record{
		StreamID:    id,
		Status:      StatusPending,
		Body:        "",
		LastChunkAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return "", err
	}
	return id, nil
}

// GetBody returns the current accumulated text and status. Never blocks;
// valid before, during and after streaming.
func (s *Store) GetBody(ctx context.Context, streamID string) (Body, error) {
	var rec Record
	if err := s.db.WithContext(ctx).
		Where("stream_id = ?", streamID).
		First(&rec).Error; err != nil {
		return Body{}, err
	}
	return Body{Text: rec.Body, Status: rec.Status}, nil
}

// Claim mints a write token onto a pending, unclaimed record. A second
// claim for the same stream fails, so a duplicate dispatch of the
// streaming endpoint can never produce two writers.
func (s *Store) Claim(ctx context.Context, streamID string) (string, error) {
	token, err := common.NewULID()
	if err != nil {
		return "", err
	}

	res := s.db.WithContext(ctx).Model(&Record{}).
		Where("stream_id = ? AND status = ? AND write_token IS NULL", streamID, StatusPending).
		Update("write_token", token)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 1 {
		return token, nil
	}

	// Distinguish missing from already-claimed.
	var rec Record
	if err := s.db.WithContext(ctx).Where("stream_id = ?", streamID).First(&rec).Error; err != nil {
		return "", err
	}
	return "", ErrAlreadyClaimed
}

// Append atomically concatenates delta onto the body and advances
// pending -> streaming on the first call. Appends against a terminal
// record or with a stale token change nothing.
func (s *Store) Append(ctx context.Context, streamID, token, delta string) error {
	if delta == "" {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec Record
		if err := tx.Where("stream_id = ?", streamID).First(&rec).Error; err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return ErrFinalized
		}
		if rec.WriteToken == nil || *rec.WriteToken != token {
			return ErrNotWriter
		}

		res := tx.Model(&Record{}).
			Where("stream_id = ? AND status IN ? AND write_token = ?",
				streamID, []Status{StatusPending, StatusStreaming}, token).
			Updates(map[string]any{
				"body":          rec.Body + delta,
				"status":        StatusStreaming,
				"last_chunk_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrFinalized
		}
		return nil
	})
}

// Finalize transitions the record to a terminal status; the body is
// immutable afterwards. Requires the write token.
func (s *Store) Finalize(ctx context.Context, streamID, token string, outcome Status) error {
	if !outcome.Terminal() {
		return ErrBadOutcome
	}
	res := s.db.WithContext(ctx).Model(&Record{}).
		Where("stream_id = ? AND status IN ? AND write_token = ?",
			streamID, []Status{StatusPending, StatusStreaming}, token).
		Update("status", outcome)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var rec Record
		if err := s.db.WithContext(ctx).Where("stream_id = ?", streamID).First(&rec).Error; err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return ErrFinalized
		}
		return ErrNotWriter
	}
	return nil
}

// ExpireIdle finalizes every non-terminal record whose last append is
// older than the threshold as timeout and returns the affected stream
// ids. The writer is presumed dead, so no token is required.
func (s *Store) ExpireIdle(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-olderThan)

	var stale []Record
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND last_chunk_at < ?",
			[]Status{StatusPending, StatusStreaming}, cutoff).
		Find(&stale).Error; err != nil {
		return nil, err
	}

	expired := make([]string, 0, len(stale))
	for _, rec := range stale {
		res := s.db.WithContext(ctx).Model(&Record{}).
			Where("stream_id = ? AND status IN ? AND last_chunk_at < ?",
				rec.StreamID, []Status{StatusPending, StatusStreaming}, cutoff).
			Update("status", StatusTimeout)
		if res.Error != nil {
			return expired, res.Error
		}
		if res.RowsAffected == 1 {
			expired = append(expired, rec.StreamID)
		}
	}
	return expired, nil
}
