package activity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/huddle-backend/internal/domain"
	"github.com/yungbote/huddle-backend/internal/pkg/dbctx"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

const (
	RegistrationActive    = "registered"
	RegistrationCancelled = "cancelled"
)

type RegistrationRepo interface {
	Upsert(dbc dbctx.Context, activityID, userID uuid.UUID, status string) error
	ListActivitiesByUser(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.Activity, error)
}

type registrationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRegistrationRepo(db *gorm.DB, log *logger.Logger) RegistrationRepo {
	return &registrationRepo{db: db, log: log.With("repo", "RegistrationRepo")}
}

func (r *registrationRepo) Upsert(dbc dbctx.Context, activityID, userID uuid.UUID, status string) error {
	if activityID == uuid.Nil || userID == uuid.Nil {
		return fmt.Errorf("missing activity_id or user_id")
	}
	now := time.Now().UTC()
	row := &types.Registration{ActivityID: activityID, UserID: userID, Status: status, CreatedAt: now, UpdatedAt: now}
	return dbc.Conn(r.db).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "activity_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"status": status, "updated_at": now}),
	}).Create(row).Error
}

func (r *registrationRepo) ListActivitiesByUser(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.Activity, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var out []*types.Activity
	if err := dbc.Conn(r.db).
		Model(&types.Activity{}).
		Joins("JOIN activity_registration ON activity_registration.activity_id = activity.id").
		Where("activity_registration.user_id = ? AND activity_registration.status = ?", userID, RegistrationActive).
		Order("activity.start_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
