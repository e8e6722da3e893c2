package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message kinds. Anything other than KindText is a widget payload the
// client renders from Payload.
const (
	KindText             = "text"
	KindEventCards       = "event_cards"
	KindDraftPreview     = "draft_preview"
	KindClarifyForm      = "clarify_form"
	KindMatchCard        = "match_card"
	KindPreferencePicker = "preference_picker"
)

const (
	MessageStatusComplete    = "complete"
	MessageStatusInterrupted = "interrupted"
)

type Message struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ThreadID uuid.UUID `gorm:"type:uuid;not null;index:idx_message_thread_seq,priority:1" json:"thread_id"`
	UserID   uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	Seq      int64     `gorm:"column:seq;not null;index:idx_message_thread_seq,priority:2" json:"seq"`

	Role    string         `gorm:"column:role;not null" json:"role"`
	Kind    string         `gorm:"column:kind;not null;default:'text'" json:"kind"`
	Content string         `gorm:"column:content;type:text;not null" json:"content"`
	Payload datatypes.JSON `gorm:"column:payload" json:"payload,omitempty"`
	Status  string         `gorm:"column:status;not null;default:'complete'" json:"status"`

	// EntityID links the message to the activity being discussed.
	EntityID *uuid.UUID `gorm:"type:uuid;column:entity_id" json:"entity_id,omitempty"`

	// Embedding is back-filled asynchronously; NULL until then.
	Embedding datatypes.JSON `gorm:"column:embedding" json:"-"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
}

func (Message) TableName() string { return "chat_message" }

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Kind == "" {
		m.Kind = KindText
	}
	if m.Status == "" {
		m.Status = MessageStatusComplete
	}
	return nil
}

// Vector decodes the stored embedding. It returns nil when absent or malformed.
func (m *Message) Vector() []float32 {
	if len(m.Embedding) == 0 {
		return nil
	}
	var out []float32
	if err := json.Unmarshal(m.Embedding, &out); err != nil {
		return nil
	}
	return out
}

// EncodeVector is the storage form of an embedding.
func EncodeVector(vec []float32) (datatypes.JSON, error) {
	b, err := json.Marshal(vec)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// WidgetRef is the subset of a widget payload the referent enricher reads.
type WidgetRef struct {
	ActivityTitle string `json:"activity_title,omitempty"`
	LocationName  string `json:"location_name,omitempty"`
}
