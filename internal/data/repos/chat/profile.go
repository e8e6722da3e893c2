package chat

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

type ProfileRepo interface {
	// Get returns nil when the user has no stored profile.
	Get(dbc dbctx.Context, userID uuid.UUID) (*types.WorkingProfile, error)
	// Mutate loads (or starts) the user's profile inside a transaction, applies
	// fn and writes the result back. On Postgres the row is locked for the
	// duration so concurrent merges serialize.
	Mutate(dbc dbctx.Context, userID uuid.UUID, fn func(p *types.WorkingProfile) error) (*types.WorkingProfile, error)
}

type profileRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProfileRepo(db *gorm.DB, log *logger.Logger) ProfileRepo {
	return &profileRepo{db: db, log: log.With("repo", "ProfileRepo")}
}

func (r *profileRepo) Get(dbc dbctx.Context, userID uuid.UUID) (*types.WorkingProfile, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("missing user_id")
	}
	var out []*types.WorkingProfile
	if err := dbc.Conn(r.db).Where("user_id = ?", userID).Limit(1).Find(&out).Error; err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (r *profileRepo) Mutate(dbc dbctx.Context, userID uuid.UUID, fn func(p *types.WorkingProfile) error) (*types.WorkingProfile, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("missing user_id")
	}
	var result *types.WorkingProfile
	err := dbc.Conn(r.db).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("user_id = ?", userID).Limit(1)
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var rows []*types.WorkingProfile
		if err := q.Find(&rows).Error; err != nil {
			return err
		}
		exists := len(rows) > 0
		p := types.EmptyProfile(userID)
		if exists {
			p = rows[0]
		}
		if err := fn(p); err != nil {
			return err
		}
		p.UpdatedAt = time.Now().UTC()
		result = p
		if !exists {
			return tx.Create(p).Error
		}
		return tx.Model(&types.WorkingProfile{}).
			Where("user_id = ?", userID).
			Updates(map[string]interface{}{
				"preferences":        p.Preferences,
				"frequent_locations": p.FrequentLocations,
				"interest_vectors":   p.InterestVectors,
				"updated_at":         p.UpdatedAt,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
