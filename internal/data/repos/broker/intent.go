package broker

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/huddle-backend/internal/domain"
	domainbroker "github.com/yungbote/huddle-backend/internal/domain/broker"
	"github.com/yungbote/huddle-backend/internal/pkg/dbctx"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

type PartnerIntentRepo interface {
	Create(dbc dbctx.Context, row *types.PartnerIntent) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PartnerIntent, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.PartnerIntent, error)
	// ListMatchable returns active, unexpired intents oldest first.
	ListMatchable(dbc dbctx.Context, now time.Time, limit int) ([]*types.PartnerIntent, error)
	// ListExpirable returns active intents whose ExpiresAt is before now.
	ListExpirable(dbc dbctx.Context, now time.Time, limit int) ([]*types.PartnerIntent, error)
	// SetStatus moves rows from one of fromStatuses to status and reports how many changed.
	SetStatus(dbc dbctx.Context, ids []uuid.UUID, status string, fromStatuses ...string) (int64, error)
}

type partnerIntentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPartnerIntentRepo(db *gorm.DB, log *logger.Logger) PartnerIntentRepo {
	return &partnerIntentRepo{db: db, log: log.With("repo", "PartnerIntentRepo")}
}

func (r *partnerIntentRepo) Create(dbc dbctx.Context, row *types.PartnerIntent) error {
	if row == nil {
		return fmt.Errorf("nil partner intent")
	}
	if row.UserID == uuid.Nil {
		return fmt.Errorf("missing user_id")
	}
	return dbc.Conn(r.db).Create(row).Error
}

func (r *partnerIntentRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PartnerIntent, error) {
	rows, err := r.GetByIDs(dbc, []uuid.UUID{id})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

func (r *partnerIntentRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.PartnerIntent, error) {
	if len(ids) == 0 {
		return []*types.PartnerIntent{}, nil
	}
	var out []*types.PartnerIntent
	if err := dbc.Conn(r.db).Where("id IN ?", ids).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *partnerIntentRepo) ListMatchable(dbc dbctx.Context, now time.Time, limit int) ([]*types.PartnerIntent, error) {
	if limit <= 0 || limit > 5000 {
		limit = 500
	}
	var out []*types.PartnerIntent
	if err := dbc.Conn(r.db).
		Where("status = ? AND expires_at > ?", domainbroker.IntentActive, now.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *partnerIntentRepo) ListExpirable(dbc dbctx.Context, now time.Time, limit int) ([]*types.PartnerIntent, error) {
	if limit <= 0 || limit > 5000 {
		limit = 500
	}
	var out []*types.PartnerIntent
	if err := dbc.Conn(r.db).
		Where("status = ? AND expires_at <= ?", domainbroker.IntentActive, now.UTC()).
		Order("expires_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *partnerIntentRepo) SetStatus(dbc dbctx.Context, ids []uuid.UUID, status string, fromStatuses ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	q := dbc.Conn(r.db).Model(&types.PartnerIntent{}).Where("id IN ?", ids)
	if len(fromStatuses) > 0 {
		q = q.Where("status IN ?", fromStatuses)
	}
	res := q.Updates(map[string]interface{}{"status": status, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}
