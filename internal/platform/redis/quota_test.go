package redis

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/yungbote/huddle-backend/internal/pkg/errors"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

func testStore(t *testing.T) (*QuotaStore, func(key string) time.Duration) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb, err := Connect(context.Background(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	ttl := func(key string) time.Duration {
		d, err := rdb.PTTL(context.Background(), key).Result()
		require.NoError(t, err)
		return d
	}
	return NewQuotaStore(logger.Nop(), rdb), ttl
}

func TestQuotaStoreConsume(t *testing.T) {
	s, ttl := testStore(t)
	ctx := context.Background()
	key := "quota:ai:test:" + uuid.NewString()

	left, err := s.Consume(ctx, key, 2, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, left)
	assert.Greater(t, ttl(key), 59*time.Minute)

	left, err = s.Consume(ctx, key, 2, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, left)

	_, err = s.Consume(ctx, key, 2, time.Hour)
	assert.ErrorIs(t, err, pkgerrors.ErrQuotaExceeded)
}

func TestQuotaStoreConcurrentSpendIsBounded(t *testing.T) {
	s, _ := testStore(t)
	key := "quota:ai:test:" + uuid.NewString()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, deny int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Consume(context.Background(), key, 3, time.Minute)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, pkgerrors.ErrQuotaExceeded):
				deny++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, ok)
	assert.Equal(t, 7, deny)
}

func TestConnectRequiresAddress(t *testing.T) {
	_, err := Connect(context.Background(), "  ")
	assert.Error(t, err)
}
