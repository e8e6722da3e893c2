package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yungbote/huddle-backend/internal/observability"
	pkgerrors "github.com/yungbote/huddle-backend/internal/pkg/errors"
	"github.com/yungbote/huddle-backend/internal/platform/ctxutil"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

const DefaultDailyQuota = 50

// QuotaStore atomically spends one unit of key's budget. It returns the
// units left, or ErrQuotaExceeded when nothing was left to spend.
type QuotaStore interface {
	Consume(ctx context.Context, key string, limit int, ttl time.Duration) (int, error)
}

type QuotaService interface {
	// Consume spends one AI call for the caller in ctx.
	Consume(ctx context.Context, now time.Time) (int, error)
}

type quotaService struct {
	log   *logger.Logger
	store QuotaStore
	limit int
	loc   *time.Location
}

func NewQuotaService(baseLog *logger.Logger, store QuotaStore, dailyLimit int, loc *time.Location) QuotaService {
	if dailyLimit <= 0 {
		dailyLimit = DefaultDailyQuota
	}
	if loc == nil {
		loc = time.UTC
	}
	return &quotaService{
		log:   baseLog.With("service", "QuotaService"),
		store: store,
		limit: dailyLimit,
		loc:   loc,
	}
}

func (s *quotaService) Consume(ctx context.Context, now time.Time) (int, error) {
	if now.IsZero() {
		now = time.Now()
	}
	key := QuotaKey(ctxutil.GetRequestData(ctx), now.In(s.loc))
	remaining, err := s.store.Consume(ctx, key, s.limit, 48*time.Hour)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrQuotaExceeded) {
			observability.Current().IncQuotaRejected()
			s.log.Info("AI quota exhausted", "key", key)
		}
		return 0, err
	}
	return remaining, nil
}

// QuotaKey is quota:ai:{user}:{yyyymmdd}; anonymous callers are keyed by IP.
func QuotaKey(rd *ctxutil.RequestData, day time.Time) string {
	who := "ip:unknown"
	switch {
	case rd.Authenticated():
		who = rd.UserID.String()
	case rd != nil && rd.ClientIP != "":
		who = "ip:" + rd.ClientIP
	}
	return fmt.Sprintf("quota:ai:%s:%s", who, day.Format("20060102"))
}

type quotaEntry struct {
	used      int
	expiresAt time.Time
}

// MemoryQuotaStore is the single-process QuotaStore used without Redis.
type MemoryQuotaStore struct {
	mu      sync.Mutex
	entries map[string]*quotaEntry
	now     func() time.Time
}

func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{entries: map[string]*quotaEntry{}, now: time.Now}
}

func (m *MemoryQuotaStore) Consume(_ context.Context, key string, limit int, ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.entries[key]
	if !ok || (!e.expiresAt.IsZero() && !now.Before(e.expiresAt)) {
		e = &quotaEntry{}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
		m.entries[key] = e
	}
	if e.used >= limit {
		return 0, pkgerrors.ErrQuotaExceeded
	}
	e.used++
	m.sweep(now)
	return limit - e.used, nil
}

// sweep drops expired keys once the map grows large.
func (m *MemoryQuotaStore) sweep(now time.Time) {
	if len(m.entries) < 4096 {
		return
	}
	for k, e := range m.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}
