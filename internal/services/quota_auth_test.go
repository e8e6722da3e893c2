package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/huddle-backend/internal/data/repos/testutil"
	pkgerrors "github.com/yungbote/huddle-backend/internal/pkg/errors"
	"github.com/yungbote/huddle-backend/internal/platform/ctxutil"
)

func TestQuotaKey(t *testing.T) {
	day := time.Date(2026, 1, 5, 23, 0, 0, 0, time.UTC)
	user := uuid.MustParse("6f1c3a52-8d7e-4f0a-9b1c-2d3e4f5a6b7c")
	tests := []struct {
		name string
		rd   *ctxutil.RequestData
		want string
	}{
		{"user", &ctxutil.RequestData{UserID: user, ClientIP: "1.2.3.4"}, "quota:ai:6f1c3a52-8d7e-4f0a-9b1c-2d3e4f5a6b7c:20260105"},
		{"anonymous by ip", &ctxutil.RequestData{ClientIP: "1.2.3.4"}, "quota:ai:ip:1.2.3.4:20260105"},
		{"no request data", nil, "quota:ai:ip:unknown:20260105"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, QuotaKey(tt.rd, day))
		})
	}
}

func TestQuotaConcurrentLastUnit(t *testing.T) {
	svc := NewQuotaService(testutil.Logger(t), NewMemoryQuotaStore(), 1, time.UTC)
	ctx := authed(uuid.New())

	var (
		wg       sync.WaitGroup
		ok       atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Consume(ctx, t0)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, pkgerrors.ErrQuotaExceeded):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 2, rejected.Load())
}

func TestQuotaResetsNextDay(t *testing.T) {
	svc := NewQuotaService(testutil.Logger(t), NewMemoryQuotaStore(), 2, time.UTC)
	ctx := authed(uuid.New())

	left, err := svc.Consume(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, left)
	_, err = svc.Consume(ctx, t0)
	require.NoError(t, err)
	_, err = svc.Consume(ctx, t0)
	require.ErrorIs(t, err, pkgerrors.ErrQuotaExceeded)

	left, err = svc.Consume(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, left)
}

func TestMemoryQuotaStoreExpires(t *testing.T) {
	store := NewMemoryQuotaStore()
	now := t0
	store.now = func() time.Time { return now }

	_, err := store.Consume(context.Background(), "k", 1, time.Minute)
	require.NoError(t, err)
	_, err = store.Consume(context.Background(), "k", 1, time.Minute)
	require.ErrorIs(t, err, pkgerrors.ErrQuotaExceeded)

	now = now.Add(time.Minute)
	_, err = store.Consume(context.Background(), "k", 1, time.Minute)
	assert.NoError(t, err)
}

func TestAuthRoundTrip(t *testing.T) {
	svc := NewAuthService(testutil.Logger(t), "test-secret", time.Hour)
	user := uuid.New()
	tok, err := svc.IssueAccessToken(user)
	require.NoError(t, err)

	ctx, err := svc.SetContextFromToken(context.Background(), tok, "9.9.9.9")
	require.NoError(t, err)
	rd := ctxutil.GetRequestData(ctx)
	require.True(t, rd.Authenticated())
	assert.Equal(t, user, rd.UserID)
	assert.Equal(t, "9.9.9.9", rd.ClientIP)
}

func TestAuthAnonymousAndInvalid(t *testing.T) {
	svc := NewAuthService(testutil.Logger(t), "test-secret", time.Hour)

	ctx, err := svc.SetContextFromToken(context.Background(), "", "9.9.9.9")
	require.NoError(t, err)
	assert.False(t, ctxutil.GetRequestData(ctx).Authenticated())

	_, err = svc.SetContextFromToken(context.Background(), "not-a-jwt", "")
	assert.ErrorIs(t, err, pkgerrors.ErrUnauthorized)

	other := NewAuthService(testutil.Logger(t), "other-secret", time.Hour)
	tok, err := other.IssueAccessToken(uuid.New())
	require.NoError(t, err)
	_, err = svc.SetContextFromToken(context.Background(), tok, "")
	assert.ErrorIs(t, err, pkgerrors.ErrUnauthorized)
}
