package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	pkgerrors "github.com/yungbote/huddle-backend/internal/pkg/errors"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

// consumeScript spends one unit when the counter is below the limit. The TTL
// is set on first use only, so a day's key expires on its own.
// Returns the remaining units, or -1 when the budget was already spent.
var consumeScript = goredis.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
if used >= limit then
  return -1
end
used = redis.call("INCR", KEYS[1])
if used == 1 and tonumber(ARGV[2]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return limit - used
`)

// QuotaStore keeps per-key AI call counters in Redis so every replica
// shares one budget.
type QuotaStore struct {
	log *logger.Logger
	rdb goredis.Scripter
}

func NewQuotaStore(log *logger.Logger, rdb goredis.Scripter) *QuotaStore {
	return &QuotaStore{log: log.With("store", "RedisQuotaStore"), rdb: rdb}
}

func (s *QuotaStore) Consume(ctx context.Context, key string, limit int, ttl time.Duration) (int, error) {
	left, err := consumeScript.Run(ctx, s.rdb, []string{key}, limit, ttl.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("consume quota %s: %w", key, err)
	}
	if left < 0 {
		return 0, pkgerrors.ErrQuotaExceeded
	}
	return left, nil
}
