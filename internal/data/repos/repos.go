package repos

import (
	"gorm.io/gorm"

	"github.com/yungbote/huddle-backend/internal/data/repos/activity"
	"github.com/yungbote/huddle-backend/internal/data/repos/broker"
	"github.com/yungbote/huddle-backend/internal/data/repos/chat"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

type ThreadRepo = chat.ThreadRepo
type MessageRepo = chat.MessageRepo
type ProfileRepo = chat.ProfileRepo
type SecurityEventRepo = chat.SecurityEventRepo

type PartnerIntentRepo = broker.PartnerIntentRepo
type IntentMatchRepo = broker.IntentMatchRepo
type BrokerSessionRepo = broker.SessionRepo

type ActivityRepo = activity.ActivityRepo
type RegistrationRepo = activity.RegistrationRepo

type Repos struct {
	Threads        ThreadRepo
	Messages       MessageRepo
	Profiles       ProfileRepo
	SecurityEvents SecurityEventRepo

	PartnerIntents PartnerIntentRepo
	Matches        IntentMatchRepo
	BrokerSessions BrokerSessionRepo

	Activities    ActivityRepo
	Registrations RegistrationRepo
}

func New(db *gorm.DB, log *logger.Logger) Repos {
	return Repos{
		Threads:        chat.NewThreadRepo(db, log),
		Messages:       chat.NewMessageRepo(db, log),
		Profiles:       chat.NewProfileRepo(db, log),
		SecurityEvents: chat.NewSecurityEventRepo(db, log),

		PartnerIntents: broker.NewPartnerIntentRepo(db, log),
		Matches:        broker.NewIntentMatchRepo(db, log),
		BrokerSessions: broker.NewSessionRepo(db, log),

		Activities:    activity.NewActivityRepo(db, log),
		Registrations: activity.NewRegistrationRepo(db, log),
	}
}
