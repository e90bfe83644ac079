package chat

import "time"

type ThreadStatus string

const (
	ThreadReady     ThreadStatus = "ready"
	ThreadSubmitted ThreadStatus = "submitted"
	ThreadStreaming ThreadStatus = "streaming"
)

type Thread struct {
	ID        uint64       `gorm:"primaryKey;autoIncrement" json:"-"`
	ThreadID  string       `gorm:"type:varchar(26);uniqueIndex;not null" json:"thread_id"`
	UserID    uint64       `gorm:"index;not null" json:"-"`
	Title     string       `gorm:"type:varchar(255)" json:"title"`
	Status    ThreadStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func (Thread) TableName() string { return "threads" }

// Message content is empty while an assistant turn is in flight; the
// linked stream record carries the live body until finalize writes it
// back here exactly once.
type Message struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	MessageID string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"message_id"`
	ThreadID  string    `gorm:"type:varchar(26);index;not null" json:"thread_id"`
	UserID    uint64    `gorm:"index;not null" json:"-"`
	Role      string    `gorm:"type:varchar(16);index;not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	StreamID  *string   `gorm:"type:varchar(26);index" json:"stream_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Message) TableName() string { return "messages" }

type Settings struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID       uint64    `gorm:"uniqueIndex;not null" json:"-"`
	ModelID      string    `gorm:"type:varchar(64)" json:"model_id"`
	Nickname     string    `gorm:"type:varchar(64)" json:"nickname"`
	Biography    string    `gorm:"type:text" json:"biography"`
	Instructions string    `gorm:"type:text" json:"instructions"`
	PinnedModels []string  `gorm:"serializer:json;type:text" json:"pinned_models"`
	Theme        string    `gorm:"type:varchar(16)" json:"theme"`
	Mode         string    `gorm:"type:varchar(16)" json:"mode"`
	CreatedAt    time.Time `json:"-"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Settings) TableName() string { return "settings" }

// ModelInfo is the explicit capability table; nothing is inferred from
// model id strings.
type ModelInfo struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement" json:"-"`
	ModelID     string `gorm:"type:varchar(64);uniqueIndex;not null" json:"model_id"`
	Name        string `gorm:"type:varchar(64);not null" json:"name"`
	Description string `gorm:"type:varchar(255)" json:"description"`
	Vision      bool   `json:"vision"`
	Tools       bool   `json:"tools"`
	Reasoning   bool   `json:"reasoning"`
	Fast        bool   `json:"fast"`
}

func (ModelInfo) TableName() string { return "model_infos" }
