package broker

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/huddle-backend/internal/domain"
	domainbroker "github.com/yungbote/huddle-backend/internal/domain/broker"
	"github.com/yungbote/huddle-backend/internal/pkg/dbctx"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

type IntentMatchRepo interface {
	Create(dbc dbctx.Context, row *types.IntentMatch) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.IntentMatch, error)
	// LockByID requires dbc.Tx. The lock is a no-op on SQLite.
	LockByID(dbc dbctx.Context, id uuid.UUID) (*types.IntentMatch, error)
	ListPendingPastDeadline(dbc dbctx.Context, now time.Time, limit int) ([]*types.IntentMatch, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type intentMatchRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewIntentMatchRepo(db *gorm.DB, log *logger.Logger) IntentMatchRepo {
	return &intentMatchRepo{db: db, log: log.With("repo", "IntentMatchRepo")}
}

func (r *intentMatchRepo) Create(dbc dbctx.Context, row *types.IntentMatch) error {
	if row == nil {
		return fmt.Errorf("nil intent match")
	}
	return dbc.Conn(r.db).Create(row).Error
}

func (r *intentMatchRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.IntentMatch, error) {
	var out []*types.IntentMatch
	if err := dbc.Conn(r.db).Where("id = ?", id).Limit(1).Find(&out).Error; err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (r *intentMatchRepo) LockByID(dbc dbctx.Context, id uuid.UUID) (*types.IntentMatch, error) {
	if dbc.Tx == nil {
		return nil, fmt.Errorf("LockByID requires a transaction")
	}
	q := dbc.Conn(r.db).Where("id = ?", id).Limit(1)
	if dbc.Tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var out []*types.IntentMatch
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (r *intentMatchRepo) ListPendingPastDeadline(dbc dbctx.Context, now time.Time, limit int) ([]*types.IntentMatch, error) {
	if limit <= 0 || limit > 5000 {
		limit = 500
	}
	var out []*types.IntentMatch
	if err := dbc.Conn(r.db).
		Where("outcome = ? AND deadline <= ?", domainbroker.MatchPending, now.UTC()).
		Order("deadline ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *intentMatchRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing match_id")
	}
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now().UTC()
	return dbc.Conn(r.db).Model(&types.IntentMatch{}).Where("id = ?", id).Updates(updates).Error
}
