package chat

import (
	"gorm.io/gorm"

	types "github.com/yungbote/huddle-backend/internal/domain"
	"github.com/yungbote/huddle-backend/internal/pkg/dbctx"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

type SecurityEventRepo interface {
	Create(dbc dbctx.Context, ev *types.SecurityEvent) error
}

type securityEventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSecurityEventRepo(db *gorm.DB, log *logger.Logger) SecurityEventRepo {
	return &securityEventRepo{db: db, log: log.With("repo", "SecurityEventRepo")}
}

func (r *securityEventRepo) Create(dbc dbctx.Context, ev *types.SecurityEvent) error {
	if ev == nil {
		return nil
	}
	return dbc.Conn(r.db).Create(ev).Error
}
