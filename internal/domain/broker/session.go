package broker

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type State string

const (
	StateIdle           State = "idle"
	StateClarifying     State = "clarifying"
	StateIntentRecorded State = "intent_recorded"
	StateMatched        State = "matched"
	StateConfirmed      State = "confirmed"
	StateExpired        State = "expired"
	StateCancelled      State = "cancelled"
)

const (
	TriggerUtterance   = "utterance"
	TriggerEmptySearch = "empty_search"
)

// Option is one selectable answer in a clarify question.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

type Question struct {
	Key      string   `json:"key"`
	Prompt   string   `json:"prompt"`
	Options  []Option `json:"options,omitempty"`
	Default  string   `json:"default,omitempty"`
	FreeText bool     `json:"free_text,omitempty"`
}

// ClarifyForm is the single structured round of questions asked before a
// PartnerIntent is recorded.
type ClarifyForm struct {
	SessionID uuid.UUID  `json:"session_id"`
	Category  string     `json:"category,omitempty"`
	Questions []Question `json:"questions"`
}

// Session persists one user's broker negotiation.
type Session struct {
	ID       uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID   uuid.UUID  `gorm:"type:uuid;not null;index" json:"user_id"`
	ThreadID *uuid.UUID `gorm:"type:uuid;index" json:"thread_id,omitempty"`

	State    State  `gorm:"column:state;type:varchar(32);not null;index" json:"state"`
	Trigger  string `gorm:"column:trigger" json:"trigger"`
	Category string `gorm:"column:category" json:"category,omitempty"`
	RawInput string `gorm:"column:raw_input;type:text" json:"raw_input"`

	Form datatypes.JSONType[ClarifyForm] `gorm:"column:form" json:"form"`

	PartnerIntentID *uuid.UUID `gorm:"type:uuid;index" json:"partner_intent_id,omitempty"`
	MatchID         *uuid.UUID `gorm:"type:uuid;index" json:"match_id,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`

	// Fresh is set on the value returned by the call that created the row.
	Fresh bool `gorm:"-" json:"-"`
}

func (Session) TableName() string { return "broker_session" }

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.State == "" {
		s.State = StateIdle
	}
	return nil
}
