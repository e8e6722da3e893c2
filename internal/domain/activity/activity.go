package activity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	StatusDraft     = "draft"
	StatusPublished = "published"
	StatusCancelled = "cancelled"
)

// Activity is a meetup in the platform catalog, either an organizer's
// unpublished draft or a published event.
type Activity struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OrganizerID uuid.UUID `gorm:"type:uuid;not null;index" json:"organizer_id"`

	Title        string     `gorm:"column:title;not null" json:"title"`
	Category     string     `gorm:"column:category;index" json:"category"`
	LocationName string     `gorm:"column:location_name" json:"location_name,omitempty"`
	Lat          *float64   `gorm:"column:lat" json:"lat,omitempty"`
	Lng          *float64   `gorm:"column:lng" json:"lng,omitempty"`
	StartAt      *time.Time `gorm:"column:start_at;index" json:"start_at,omitempty"`
	Capacity     int        `gorm:"column:capacity;not null;default:0" json:"capacity"`
	Status       string     `gorm:"column:status;not null;default:'draft';index" json:"status"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Activity) TableName() string { return "activity" }

func (a *Activity) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = StatusDraft
	}
	return nil
}

// Registration is a user's sign-up for a published activity.
type Registration struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ActivityID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_registration_pair,priority:1" json:"activity_id"`
	UserID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_registration_pair,priority:2" json:"user_id"`
	Status     string    `gorm:"column:status;not null;default:'registered'" json:"status"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time `gorm:"not null" json:"updated_at"`
}

func (Registration) TableName() string { return "activity_registration" }

func (r *Registration) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
