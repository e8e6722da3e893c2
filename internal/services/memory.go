package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/huddle-backend/internal/data/repos"
	types "github.com/yungbote/huddle-backend/internal/domain"
	domainchat "github.com/yungbote/huddle-backend/internal/domain/chat"
	"github.com/yungbote/huddle-backend/internal/modules/chat/extract"
	"github.com/yungbote/huddle-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/huddle-backend/internal/pkg/errors"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

const (
	DefaultSessionWindow = 24 * time.Hour
	DefaultHistoryLimit  = 20
	// recallScanLimit bounds how many embedded messages Recall compares against.
	recallScanLimit = 500
)

// MemoryService owns the short-term (thread) and long-term (working
// profile) memory of each user.
type MemoryService interface {
	// ResolveSession returns the user's newest thread active within the
	// session window, creating one when none qualifies.
	ResolveSession(dbc dbctx.Context, userID uuid.UUID, now time.Time) (*types.Thread, error)
	// GetOwnedThread returns ErrNotFound for a missing thread and
	// ErrForbidden for someone else's.
	GetOwnedThread(dbc dbctx.Context, userID, threadID uuid.UUID) (*types.Thread, error)
	// AppendMessages assigns consecutive seqs and stores rows in one transaction.
	AppendMessages(dbc dbctx.Context, threadID uuid.UUID, rows []*types.Message, at time.Time) ([]*types.Message, error)
	History(dbc dbctx.Context, threadID uuid.UUID, limit int) ([]*types.Message, error)
	ListMessages(dbc dbctx.Context, userID, threadID uuid.UUID, beforeSeq int64, limit int) ([]*types.Message, error)

	// GetProfile never returns nil for a valid user; a missing row is an empty profile.
	GetProfile(dbc dbctx.Context, userID uuid.UUID) (*types.WorkingProfile, error)
	MergeProfile(dbc dbctx.Context, userID uuid.UUID, ex extract.Extraction, now time.Time) (*types.WorkingProfile, error)
	PushInterestVector(dbc dbctx.Context, userID uuid.UUID, vec []float32) error
	// TopCategory is the user's strongest positive category, or "".
	TopCategory(ctx context.Context, userID uuid.UUID) (string, error)

	SetEmbedding(dbc dbctx.Context, messageID uuid.UUID, vec []float32) error
	// Recall ranks the user's embedded messages by cosine similarity to vec.
	Recall(ctx context.Context, vec []float32, userID uuid.UUID, limit int, threshold float64) ([]RecallHit, error)
}

type memoryService struct {
	db       *gorm.DB
	log      *logger.Logger
	threads  repos.ThreadRepo
	messages repos.MessageRepo
	profiles repos.ProfileRepo
	window   time.Duration
}

func NewMemoryService(
	db *gorm.DB,
	baseLog *logger.Logger,
	threads repos.ThreadRepo,
	messages repos.MessageRepo,
	profiles repos.ProfileRepo,
	window time.Duration,
) MemoryService {
	if window <= 0 {
		window = DefaultSessionWindow
	}
	return &memoryService{
		db:       db,
		log:      baseLog.With("service", "MemoryService"),
		threads:  threads,
		messages: messages,
		profiles: profiles,
		window:   window,
	}
}

func (s *memoryService) ResolveSession(dbc dbctx.Context, userID uuid.UUID, now time.Time) (*types.Thread, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.ErrUnauthorized
	}
	if now.IsZero() {
		now = time.Now()
	}
	th, err := s.threads.LatestActiveSince(dbc, userID, now.Add(-s.window))
	if err != nil {
		return nil, fmt.Errorf("lookup active thread: %w", err)
	}
	if th != nil {
		return th, nil
	}
	created, err := s.threads.Create(dbc, []*types.Thread{{
		UserID:         userID,
		LastActivityAt: now.UTC(),
	}})
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	s.log.Debug("Opened new chat thread", "user_id", userID, "thread_id", created[0].ID)
	return created[0], nil
}

func (s *memoryService) GetOwnedThread(dbc dbctx.Context, userID, threadID uuid.UUID) (*types.Thread, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.ErrUnauthorized
	}
	th, err := s.threads.GetByID(dbc, threadID)
	if err != nil {
		return nil, err
	}
	if th == nil {
		return nil, fmt.Errorf("thread %s: %w", threadID, pkgerrors.ErrNotFound)
	}
	if th.UserID != userID {
		return nil, fmt.Errorf("thread %s: %w", threadID, pkgerrors.ErrForbidden)
	}
	return th, nil
}

func (s *memoryService) AppendMessages(dbc dbctx.Context, threadID uuid.UUID, rows []*types.Message, at time.Time) ([]*types.Message, error) {
	if len(rows) == 0 {
		return []*types.Message{}, nil
	}
	if at.IsZero() {
		at = time.Now()
	}
	var out []*types.Message
	err := dbc.Conn(s.db).Transaction(func(tx *gorm.DB) error {
		inner := dbc.WithTx(tx)
		first, err := s.threads.AllocateSeq(inner, threadID, len(rows), at)
		if err != nil {
			return fmt.Errorf("allocate seq: %w", err)
		}
		for i, m := range rows {
			m.ThreadID = threadID
			m.Seq = first + int64(i)
			if m.CreatedAt.IsZero() {
				m.CreatedAt = at.UTC()
			}
		}
		created, err := s.messages.Create(inner, rows)
		if err != nil {
			return fmt.Errorf("create messages: %w", err)
		}
		out = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *memoryService) History(dbc dbctx.Context, threadID uuid.UUID, limit int) ([]*types.Message, error) {
	if threadID == uuid.Nil {
		return []*types.Message{}, nil
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return s.messages.ListRecent(dbc, threadID, limit)
}

func (s *memoryService) ListMessages(dbc dbctx.Context, userID, threadID uuid.UUID, beforeSeq int64, limit int) ([]*types.Message, error) {
	if _, err := s.GetOwnedThread(dbc, userID, threadID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if beforeSeq > 0 {
		return s.messages.ListBeforeSeq(dbc, threadID, beforeSeq, limit)
	}
	return s.messages.ListRecent(dbc, threadID, limit)
}

func (s *memoryService) GetProfile(dbc dbctx.Context, userID uuid.UUID) (*types.WorkingProfile, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.ErrUnauthorized
	}
	p, err := s.profiles.Get(dbc, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return types.EmptyProfile(userID), nil
	}
	return p, nil
}

func (s *memoryService) MergeProfile(dbc dbctx.Context, userID uuid.UUID, ex extract.Extraction, now time.Time) (*types.WorkingProfile, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.ErrUnauthorized
	}
	if ex.Empty() {
		return s.GetProfile(dbc, userID)
	}
	if now.IsZero() {
		now = time.Now()
	}
	return s.profiles.Mutate(dbc, userID, func(p *types.WorkingProfile) error {
		p.Preferences = MergePreferences(p.Preferences, ex.Preferences, now)
		p.FrequentLocations = MergeLocations(p.FrequentLocations, ex.Locations, now)
		return nil
	})
}

func (s *memoryService) PushInterestVector(dbc dbctx.Context, userID uuid.UUID, vec []float32) error {
	if userID == uuid.Nil || len(vec) == 0 {
		return nil
	}
	_, err := s.profiles.Mutate(dbc, userID, func(p *types.WorkingProfile) error {
		p.InterestVectors = append(p.InterestVectors, vec)
		if n := len(p.InterestVectors); n > domainchat.MaxInterestVectors {
			p.InterestVectors = p.InterestVectors[n-domainchat.MaxInterestVectors:]
		}
		return nil
	})
	return err
}

func (s *memoryService) TopCategory(ctx context.Context, userID uuid.UUID) (string, error) {
	if userID == uuid.Nil {
		return "", nil
	}
	p, err := s.profiles.Get(dbctx.Context{Ctx: ctx}, userID)
	if err != nil || p == nil {
		return "", err
	}
	return TopCategory(p), nil
}

func (s *memoryService) SetEmbedding(dbc dbctx.Context, messageID uuid.UUID, vec []float32) error {
	return s.messages.SetEmbedding(dbc, messageID, vec)
}

// TopCategory picks the positive preference seen most often, breaking ties
// on confidence and then name.
func TopCategory(p *types.WorkingProfile) string {
	if p == nil {
		return ""
	}
	var best *domainchat.Preference
	for i := range p.Preferences {
		c := &p.Preferences[i]
		if c.Sentiment != domainchat.SentimentPositive || strings.TrimSpace(c.Category) == "" {
			continue
		}
		switch {
		case best == nil,
			c.Hits > best.Hits,
			c.Hits == best.Hits && c.Confidence > best.Confidence,
			c.Hits == best.Hits && c.Confidence == best.Confidence && c.Category < best.Category:
			best = c
		}
	}
	if best == nil {
		return ""
	}
	return best.Category
}

func preferenceKey(p domainchat.Preference) string {
	return strings.ToLower(strings.TrimSpace(p.Category)) + "|" + strings.ToLower(strings.TrimSpace(p.Value))
}

// MergePreferences folds incoming into existing keyed by (category, value).
// A repeated key updates sentiment, bumps Hits and LastSeenAt, and keeps the
// higher confidence unless the sentiment flipped.
func MergePreferences(existing, incoming []domainchat.Preference, now time.Time) []domainchat.Preference {
	out := make([]domainchat.Preference, 0, len(existing)+len(incoming))
	index := make(map[string]int, len(existing)+len(incoming))
	for _, p := range existing {
		k := preferenceKey(p)
		if i, ok := index[k]; ok {
			out[i].Hits += max(p.Hits, 1)
			continue
		}
		index[k] = len(out)
		out = append(out, p)
	}
	for _, p := range incoming {
		if strings.TrimSpace(p.Category) == "" {
			continue
		}
		k := preferenceKey(p)
		if i, ok := index[k]; ok {
			cur := &out[i]
			if cur.Sentiment != p.Sentiment {
				cur.Sentiment = p.Sentiment
				cur.Confidence = p.Confidence
			} else if p.Confidence > cur.Confidence {
				cur.Confidence = p.Confidence
			}
			cur.Hits++
			cur.LastSeenAt = now.UTC()
			continue
		}
		p.Category = strings.TrimSpace(p.Category)
		p.Value = strings.TrimSpace(p.Value)
		p.Hits = 1
		p.LastSeenAt = now.UTC()
		index[k] = len(out)
		out = append(out, p)
	}
	return out
}

// MergeLocations bumps counts for known places and appends new ones, keeping
// at most MaxFrequentLocations. The least used, least recent entry goes first.
func MergeLocations(existing, incoming []domainchat.FrequentLocation, now time.Time) []domainchat.FrequentLocation {
	out := append([]domainchat.FrequentLocation(nil), existing...)
	for _, l := range incoming {
		name := strings.TrimSpace(l.Name)
		if name == "" {
			continue
		}
		found := false
		for i := range out {
			if strings.EqualFold(out[i].Name, name) {
				out[i].Count++
				out[i].LastSeenAt = now.UTC()
				if l.Lat != 0 || l.Lng != 0 {
					out[i].Lat, out[i].Lng = l.Lat, l.Lng
				}
				found = true
				break
			}
		}
		if found {
			continue
		}
		if len(out) >= domainchat.MaxFrequentLocations {
			sort.SliceStable(out, func(i, j int) bool {
				if out[i].Count != out[j].Count {
					return out[i].Count > out[j].Count
				}
				return out[i].LastSeenAt.After(out[j].LastSeenAt)
			})
			out = out[:domainchat.MaxFrequentLocations-1]
		}
		out = append(out, domainchat.FrequentLocation{
			Name:       name,
			Lat:        l.Lat,
			Lng:        l.Lng,
			Count:      1,
			LastSeenAt: now.UTC(),
		})
	}
	return out
}
