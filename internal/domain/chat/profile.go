package chat

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
)

const (
	MaxFrequentLocations = 5
	MaxInterestVectors   = 3
)

type Preference struct {
	Category   string    `json:"category"`
	Value      string    `json:"value"`
	Sentiment  string    `json:"sentiment"`
	Confidence float64   `json:"confidence"`
	LastSeenAt time.Time `json:"last_seen_at"`
	Hits       int       `json:"hits"`
}

type FrequentLocation struct {
	Name       string    `json:"name"`
	Lat        float64   `json:"lat,omitempty"`
	Lng        float64   `json:"lng,omitempty"`
	Count      int       `json:"count"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// WorkingProfile is the assistant's structured memory of one user.
// At most one Preference exists per (category, value).
type WorkingProfile struct {
	UserID uuid.UUID `gorm:"type:uuid;primaryKey" json:"user_id"`

	Preferences       datatypes.JSONSlice[Preference]       `gorm:"column:preferences" json:"preferences"`
	FrequentLocations datatypes.JSONSlice[FrequentLocation] `gorm:"column:frequent_locations" json:"frequent_locations"`
	InterestVectors   datatypes.JSONSlice[[]float32]        `gorm:"column:interest_vectors" json:"-"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (WorkingProfile) TableName() string { return "working_profile" }

// EmptyProfile is what callers see for a user with no stored memory.
func EmptyProfile(userID uuid.UUID) *WorkingProfile {
	return &WorkingProfile{
		UserID:            userID,
		Preferences:       datatypes.JSONSlice[Preference]{},
		FrequentLocations: datatypes.JSONSlice[FrequentLocation]{},
	}
}
