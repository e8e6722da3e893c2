package domain

import (
	"github.com/google/uuid"

	"github.com/yungbote/huddle-backend/internal/domain/activity"
	"github.com/yungbote/huddle-backend/internal/domain/broker"
	"github.com/yungbote/huddle-backend/internal/domain/chat"
)

type (
	Thread           = chat.Thread
	Message          = chat.Message
	WorkingProfile   = chat.WorkingProfile
	Preference       = chat.Preference
	FrequentLocation = chat.FrequentLocation
	SecurityEvent    = chat.SecurityEvent

	PartnerIntent = broker.PartnerIntent
	IntentMatch   = broker.IntentMatch
	BrokerSession = broker.Session

	Activity     = activity.Activity
	Registration = activity.Registration
)

// Models lists every persisted type, in migration order.
func Models() []any {
	return []any{
		&Thread{},
		&Message{},
		&WorkingProfile{},
		&SecurityEvent{},
		&PartnerIntent{},
		&IntentMatch{},
		&BrokerSession{},
		&Activity{},
		&Registration{},
	}
}

func EmptyProfile(userID uuid.UUID) *WorkingProfile { return chat.EmptyProfile(userID) }
