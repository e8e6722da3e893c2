package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/huddle-backend/internal/domain"
	"github.com/yungbote/huddle-backend/internal/pkg/dbctx"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

type ThreadRepo interface {
	Create(dbc dbctx.Context, rows []*types.Thread) ([]*types.Thread, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Thread, error)
	// LatestActiveSince returns the user's most recently active thread whose
	// last activity is at or after since, or nil.
	LatestActiveSince(dbc dbctx.Context, userID uuid.UUID, since time.Time) (*types.Thread, error)
	ListByUser(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.Thread, error)
	// AllocateSeq reserves n sequence numbers, bumps the message counter and
	// touches LastActivityAt. It returns the first reserved seq.
	AllocateSeq(dbc dbctx.Context, id uuid.UUID, n int, at time.Time) (int64, error)
}

type threadRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewThreadRepo(db *gorm.DB, log *logger.Logger) ThreadRepo {
	return &threadRepo{db: db, log: log.With("repo", "ThreadRepo")}
}

func (r *threadRepo) Create(dbc dbctx.Context, rows []*types.Thread) ([]*types.Thread, error) {
	if len(rows) == 0 {
		return []*types.Thread{}, nil
	}
	if err := dbc.Conn(r.db).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *threadRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Thread, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing thread_id")
	}
	var out types.Thread
	err := dbc.Conn(r.db).Where("id = ?", id).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *threadRepo) LatestActiveSince(dbc dbctx.Context, userID uuid.UUID, since time.Time) (*types.Thread, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("missing user_id")
	}
	var out []*types.Thread
	if err := dbc.Conn(r.db).
		Model(&types.Thread{}).
		Where("user_id = ? AND last_activity_at >= ?", userID, since.UTC()).
		Order("last_activity_at DESC").
		Limit(1).
		Find(&out).Error; err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (r *threadRepo) ListByUser(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.Thread, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("missing user_id")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []*types.Thread
	if err := dbc.Conn(r.db).
		Model(&types.Thread{}).
		Where("user_id = ?", userID).
		Order("last_activity_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *threadRepo) AllocateSeq(dbc dbctx.Context, id uuid.UUID, n int, at time.Time) (int64, error) {
	if id == uuid.Nil {
		return 0, fmt.Errorf("missing thread_id")
	}
	if n <= 0 {
		n = 1
	}
	var first int64
	err := dbc.Conn(r.db).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&types.Thread{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"next_seq":         gorm.Expr("next_seq + ?", n),
				"message_count":    gorm.Expr("message_count + ?", n),
				"last_activity_at": at.UTC(),
				"updated_at":       time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("thread %s not found", id)
		}
		var next int64
		if err := tx.Model(&types.Thread{}).Select("next_seq").Where("id = ?", id).Scan(&next).Error; err != nil {
			return err
		}
		first = next - int64(n) + 1
		return nil
	})
	if err != nil {
		return 0, err
	}
	return first, nil
}
