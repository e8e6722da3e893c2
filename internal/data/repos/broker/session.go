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

type SessionRepo interface {
	Create(dbc dbctx.Context, row *types.BrokerSession) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.BrokerSession, error)
	// LockByID requires dbc.Tx. The lock is a no-op on SQLite.
	LockByID(dbc dbctx.Context, id uuid.UUID) (*types.BrokerSession, error)
	// LatestOpen returns the user's newest session that has not reached a
	// terminal state, or nil.
	LatestOpen(dbc dbctx.Context, userID uuid.UUID) (*types.BrokerSession, error)
	ListByIntentIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.BrokerSession, error)
	ListByMatchID(dbc dbctx.Context, matchID uuid.UUID) ([]*types.BrokerSession, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type sessionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSessionRepo(db *gorm.DB, log *logger.Logger) SessionRepo {
	return &sessionRepo{db: db, log: log.With("repo", "BrokerSessionRepo")}
}

func (r *sessionRepo) Create(dbc dbctx.Context, row *types.BrokerSession) error {
	if row == nil {
		return fmt.Errorf("nil broker session")
	}
	return dbc.Conn(r.db).Create(row).Error
}

func (r *sessionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.BrokerSession, error) {
	var out []*types.BrokerSession
	if err := dbc.Conn(r.db).Where("id = ?", id).Limit(1).Find(&out).Error; err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (r *sessionRepo) LockByID(dbc dbctx.Context, id uuid.UUID) (*types.BrokerSession, error) {
	if dbc.Tx == nil {
		return nil, fmt.Errorf("LockByID requires a transaction")
	}
	q := dbc.Conn(r.db).Where("id = ?", id).Limit(1)
	if dbc.Tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var out []*types.BrokerSession
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (r *sessionRepo) LatestOpen(dbc dbctx.Context, userID uuid.UUID) (*types.BrokerSession, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("missing user_id")
	}
	open := []domainbroker.State{
		domainbroker.StateIdle,
		domainbroker.StateClarifying,
		domainbroker.StateIntentRecorded,
		domainbroker.StateMatched,
	}
	var out []*types.BrokerSession
	if err := dbc.Conn(r.db).
		Where("user_id = ? AND state IN ?", userID, open).
		Order("updated_at DESC").
		Limit(1).
		Find(&out).Error; err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (r *sessionRepo) ListByIntentIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.BrokerSession, error) {
	if len(ids) == 0 {
		return []*types.BrokerSession{}, nil
	}
	var out []*types.BrokerSession
	if err := dbc.Conn(r.db).Where("partner_intent_id IN ?", ids).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *sessionRepo) ListByMatchID(dbc dbctx.Context, matchID uuid.UUID) ([]*types.BrokerSession, error) {
	var out []*types.BrokerSession
	if err := dbc.Conn(r.db).Where("match_id = ?", matchID).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *sessionRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing session_id")
	}
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now().UTC()
	return dbc.Conn(r.db).Model(&types.BrokerSession{}).Where("id = ?", id).Updates(updates).Error
}
