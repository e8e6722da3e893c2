package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/huddle-backend/internal/data/repos"
	"github.com/yungbote/huddle-backend/internal/data/repos/testutil"
	"github.com/yungbote/huddle-backend/internal/platform/ctxutil"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

// fixture is a fresh database with every repo and core service wired.
// Tests must not hold a testutil.Tx here: services open their own
// transactions and SQLite runs on a single connection.
type fixture struct {
	db     *gorm.DB
	log    *logger.Logger
	repos  repos.Repos
	memory MemoryService
	broker BrokerService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	r := repos.New(db, log)
	return &fixture{
		db:     db,
		log:    log,
		repos:  r,
		memory: NewMemoryService(db, log, r.Threads, r.Messages, r.Profiles, DefaultSessionWindow),
		broker: NewBrokerService(db, log, r.BrokerSessions, r.PartnerIntents, r.Matches, BrokerConfig{}),
	}
}

func authed(userID uuid.UUID) context.Context {
	return ctxutil.WithRequestData(context.Background(), &ctxutil.RequestData{UserID: userID, ClientIP: "10.0.0.1"})
}

var t0 = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
