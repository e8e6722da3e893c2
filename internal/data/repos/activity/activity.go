package activity

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/huddle-backend/internal/domain"
	domainactivity "github.com/yungbote/huddle-backend/internal/domain/activity"
	"github.com/yungbote/huddle-backend/internal/pkg/dbctx"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

// SearchFilter narrows published activities. Zero values are ignored.
type SearchFilter struct {
	Category string
	Keyword  string
	After    time.Time
	Before   time.Time
	// Bounding box around a point; applied only when HasPoint.
	HasPoint bool
	Lat, Lng float64
	RadiusKm float64
	Limit    int
}

type ActivityRepo interface {
	Create(dbc dbctx.Context, row *types.Activity) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Activity, error)
	Search(dbc dbctx.Context, f SearchFilter) ([]*types.Activity, error)
	// LatestDraft returns the organizer's newest draft, or nil.
	LatestDraft(dbc dbctx.Context, organizerID uuid.UUID) (*types.Activity, error)
	ListByOrganizer(dbc dbctx.Context, organizerID uuid.UUID, limit int) ([]*types.Activity, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type activityRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewActivityRepo(db *gorm.DB, log *logger.Logger) ActivityRepo {
	return &activityRepo{db: db, log: log.With("repo", "ActivityRepo")}
}

func (r *activityRepo) Create(dbc dbctx.Context, row *types.Activity) error {
	if row == nil {
		return fmt.Errorf("nil activity")
	}
	if row.OrganizerID == uuid.Nil {
		return fmt.Errorf("missing organizer_id")
	}
	return dbc.Conn(r.db).Create(row).Error
}

func (r *activityRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Activity, error) {
	var out []*types.Activity
	if err := dbc.Conn(r.db).Where("id = ?", id).Limit(1).Find(&out).Error; err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (r *activityRepo) Search(dbc dbctx.Context, f SearchFilter) ([]*types.Activity, error) {
	if f.Limit <= 0 || f.Limit > 50 {
		f.Limit = 10
	}
	q := dbc.Conn(r.db).Model(&types.Activity{}).Where("status = ?", domainactivity.StatusPublished)
	if c := strings.TrimSpace(f.Category); c != "" {
		q = q.Where("category = ?", c)
	}
	if kw := strings.TrimSpace(f.Keyword); kw != "" {
		q = q.Where("title LIKE ?", "%"+kw+"%")
	}
	if !f.After.IsZero() {
		q = q.Where("start_at >= ?", f.After.UTC())
	}
	if !f.Before.IsZero() {
		q = q.Where("start_at <= ?", f.Before.UTC())
	}
	if f.HasPoint {
		radius := f.RadiusKm
		if radius <= 0 {
			radius = 5
		}
		dLat, dLng := boundingDelta(f.Lat, radius)
		q = q.Where("lat BETWEEN ? AND ? AND lng BETWEEN ? AND ?", f.Lat-dLat, f.Lat+dLat, f.Lng-dLng, f.Lng+dLng)
	}
	var out []*types.Activity
	if err := q.Order("start_at ASC").Limit(f.Limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *activityRepo) LatestDraft(dbc dbctx.Context, organizerID uuid.UUID) (*types.Activity, error) {
	var out []*types.Activity
	if err := dbc.Conn(r.db).
		Where("organizer_id = ? AND status = ?", organizerID, domainactivity.StatusDraft).
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

func (r *activityRepo) ListByOrganizer(dbc dbctx.Context, organizerID uuid.UUID, limit int) ([]*types.Activity, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var out []*types.Activity
	if err := dbc.Conn(r.db).
		Where("organizer_id = ? AND status <> ?", organizerID, domainactivity.StatusCancelled).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *activityRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing activity_id")
	}
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now().UTC()
	return dbc.Conn(r.db).Model(&types.Activity{}).Where("id = ?", id).Updates(updates).Error
}

// boundingDelta converts a radius into latitude/longitude half-widths.
func boundingDelta(lat, radiusKm float64) (float64, float64) {
	const kmPerDegree = 111.32
	dLat := radiusKm / kmPerDegree
	cos := math.Cos(lat * math.Pi / 180)
	if cos < 0.01 {
		cos = 0.01
	}
	return dLat, radiusKm / (kmPerDegree * cos)
}
