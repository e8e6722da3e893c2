package broker

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	MatchPending   = "pending"
	MatchConfirmed = "confirmed"
	MatchExpired   = "expired"
)

type IntentMatch struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	IntentIDs datatypes.JSONSlice[uuid.UUID] `gorm:"column:intent_ids" json:"intent_ids"`
	UserIDs   datatypes.JSONSlice[uuid.UUID] `gorm:"column:user_ids" json:"user_ids"`
	Category  string                         `gorm:"column:category" json:"category"`
	Score     float64                        `gorm:"column:score;not null" json:"score"`

	// OrganizerID is the owner of the earliest intent in the group.
	OrganizerID uuid.UUID  `gorm:"type:uuid;not null;index" json:"organizer_id"`
	Deadline    time.Time  `gorm:"column:deadline;not null;index" json:"deadline"`
	Outcome     string     `gorm:"column:outcome;not null;default:'pending';index" json:"outcome"`
	ConfirmedAt *time.Time `gorm:"column:confirmed_at" json:"confirmed_at,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (IntentMatch) TableName() string { return "intent_match" }

func (m *IntentMatch) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Outcome == "" {
		m.Outcome = MatchPending
	}
	return nil
}

func (m *IntentMatch) HasUser(userID uuid.UUID) bool {
	for _, id := range m.UserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
