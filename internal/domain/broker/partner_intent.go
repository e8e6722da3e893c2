package broker

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	IntentActive    = "active"
	IntentMatched   = "matched"
	IntentExpired   = "expired"
	IntentCancelled = "cancelled"
)

// PartnerIntent is a structured "looking for company" record. It is only
// created once a clarification round has been answered.
type PartnerIntent struct {
	ID       uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID   uuid.UUID  `gorm:"type:uuid;not null;index" json:"user_id"`
	ThreadID *uuid.UUID `gorm:"type:uuid" json:"thread_id,omitempty"`

	Category       string   `gorm:"column:category;not null;index" json:"category"`
	LocationHint   string   `gorm:"column:location_hint" json:"location_hint,omitempty"`
	Lat            *float64 `gorm:"column:lat" json:"lat,omitempty"`
	Lng            *float64 `gorm:"column:lng" json:"lng,omitempty"`
	TimePreference string   `gorm:"column:time_preference" json:"time_preference"`
	CostSharing    string   `gorm:"column:cost_sharing" json:"cost_sharing"`

	Tags     datatypes.JSONSlice[string] `gorm:"column:tags" json:"tags"`
	RawInput string                      `gorm:"column:raw_input;type:text" json:"raw_input"`

	Status    string    `gorm:"column:status;not null;default:'active';index" json:"status"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index" json:"expires_at"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (PartnerIntent) TableName() string { return "partner_intent" }

func (p *PartnerIntent) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = IntentActive
	}
	return nil
}
