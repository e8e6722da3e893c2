package chat

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/huddle-backend/internal/domain"
	domainchat "github.com/yungbote/huddle-backend/internal/domain/chat"
	"github.com/yungbote/huddle-backend/internal/pkg/dbctx"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

type MessageRepo interface {
	Create(dbc dbctx.Context, rows []*types.Message) ([]*types.Message, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Message, error)
	// ListRecent returns the newest limit messages of a thread in ascending seq order.
	ListRecent(dbc dbctx.Context, threadID uuid.UUID, limit int) ([]*types.Message, error)
	ListBeforeSeq(dbc dbctx.Context, threadID uuid.UUID, beforeSeq int64, limit int) ([]*types.Message, error)
	// ListEmbeddedByUser returns the user's newest messages that carry an embedding.
	ListEmbeddedByUser(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.Message, error)
	ListMissingEmbedding(dbc dbctx.Context, limit int) ([]*types.Message, error)
	SetEmbedding(dbc dbctx.Context, id uuid.UUID, vec []float32) error
}

type messageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMessageRepo(db *gorm.DB, log *logger.Logger) MessageRepo {
	return &messageRepo{db: db, log: log.With("repo", "MessageRepo")}
}

func (r *messageRepo) Create(dbc dbctx.Context, rows []*types.Message) ([]*types.Message, error) {
	if len(rows) == 0 {
		return []*types.Message{}, nil
	}
	if err := dbc.Conn(r.db).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *messageRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Message, error) {
	var out []*types.Message
	if err := dbc.Conn(r.db).Where("id = ?", id).Limit(1).Find(&out).Error; err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (r *messageRepo) ListRecent(dbc dbctx.Context, threadID uuid.UUID, limit int) ([]*types.Message, error) {
	if threadID == uuid.Nil {
		return nil, fmt.Errorf("missing thread_id")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []*types.Message
	if err := dbc.Conn(r.db).
		Model(&types.Message{}).
		Where("thread_id = ?", threadID).
		Order("seq DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (r *messageRepo) ListBeforeSeq(dbc dbctx.Context, threadID uuid.UUID, beforeSeq int64, limit int) ([]*types.Message, error) {
	if threadID == uuid.Nil {
		return nil, fmt.Errorf("missing thread_id")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := dbc.Conn(r.db).Model(&types.Message{}).Where("thread_id = ?", threadID)
	if beforeSeq > 0 {
		q = q.Where("seq < ?", beforeSeq)
	}
	var out []*types.Message
	if err := q.Order("seq DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (r *messageRepo) ListEmbeddedByUser(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.Message, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("missing user_id")
	}
	if limit <= 0 || limit > 2000 {
		limit = 500
	}
	var out []*types.Message
	if err := dbc.Conn(r.db).
		Model(&types.Message{}).
		Where("user_id = ? AND embedding IS NOT NULL", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *messageRepo) ListMissingEmbedding(dbc dbctx.Context, limit int) ([]*types.Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []*types.Message
	if err := dbc.Conn(r.db).
		Model(&types.Message{}).
		Where("embedding IS NULL AND content <> ''").
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *messageRepo) SetEmbedding(dbc dbctx.Context, id uuid.UUID, vec []float32) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing message_id")
	}
	if len(vec) == 0 {
		return fmt.Errorf("empty embedding")
	}
	enc, err := domainchat.EncodeVector(vec)
	if err != nil {
		return err
	}
	return dbc.Conn(r.db).
		Model(&types.Message{}).
		Where("id = ?", id).
		Update("embedding", enc).Error
}

func reverse(out []*types.Message) {
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
}
