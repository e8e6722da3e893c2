package chat

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Thread is a bounded span of messages between one user and the assistant.
// Only its counters and timestamps change after creation.
type Thread struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID uuid.UUID `gorm:"type:uuid;not null;index:idx_thread_user_activity,priority:1" json:"user_id"`

	Title string `gorm:"column:title" json:"title,omitempty"`

	MessageCount   int64     `gorm:"column:message_count;not null;default:0" json:"message_count"`
	NextSeq        int64     `gorm:"column:next_seq;not null;default:0" json:"-"`
	LastActivityAt time.Time `gorm:"column:last_activity_at;not null;index:idx_thread_user_activity,priority:2" json:"last_activity_at"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Thread) TableName() string { return "chat_thread" }

func (t *Thread) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.LastActivityAt.IsZero() {
		t.LastActivityAt = time.Now().UTC()
	}
	return nil
}
