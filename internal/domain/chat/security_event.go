package chat

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SecurityEvent records a guardrail block.
type SecurityEvent struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    *uuid.UUID `gorm:"type:uuid;index" json:"user_id,omitempty"`
	Category  string     `gorm:"column:category;not null;index" json:"category"`
	RuleID    string     `gorm:"column:rule_id;not null" json:"rule_id"`
	Excerpt   string     `gorm:"column:excerpt" json:"excerpt"`
	CreatedAt time.Time  `gorm:"not null;index" json:"created_at"`
}

func (SecurityEvent) TableName() string { return "security_event" }

func (e *SecurityEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
