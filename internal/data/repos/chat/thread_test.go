package chat

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/huddle-backend/internal/data/repos/testutil"
	types "github.com/yungbote/huddle-backend/internal/domain"
	"github.com/yungbote/huddle-backend/internal/pkg/dbctx"
)

func TestThreadRepoLatestActiveSince(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := NewThreadRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	userID := uuid.New()
	now := time.Now().UTC()
	old := &types.Thread{UserID: userID, LastActivityAt: now.Add(-30 * time.Hour)}
	recent := &types.Thread{UserID: userID, LastActivityAt: now.Add(-2 * time.Hour)}
	other := &types.Thread{UserID: uuid.New(), LastActivityAt: now}
	if _, err := repo.Create(dbc, []*types.Thread{old, recent, other}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.LatestActiveSince(dbc, userID, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("LatestActiveSince: %v", err)
	}
	if got == nil || got.ID != recent.ID {
		t.Fatalf("LatestActiveSince=%v, want %v", got, recent.ID)
	}

	got, err = repo.LatestActiveSince(dbc, userID, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("LatestActiveSince: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no thread inside a 1h window, got %v", got.ID)
	}
}

func TestThreadRepoAllocateSeq(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := NewThreadRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	th := &types.Thread{UserID: uuid.New()}
	if _, err := repo.Create(dbc, []*types.Thread{th}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	at := time.Now().UTC().Add(time.Minute)

	first, err := repo.AllocateSeq(dbc, th.ID, 2, at)
	if err != nil {
		t.Fatalf("AllocateSeq: %v", err)
	}
	if first != 1 {
		t.Fatalf("first seq=%d, want 1", first)
	}
	next, err := repo.AllocateSeq(dbc, th.ID, 1, at)
	if err != nil {
		t.Fatalf("AllocateSeq: %v", err)
	}
	if next != 3 {
		t.Fatalf("next seq=%d, want 3", next)
	}

	reloaded, err := repo.GetByID(dbc, th.ID)
	if err != nil || reloaded == nil {
		t.Fatalf("GetByID: %v", err)
	}
	if reloaded.MessageCount != 3 {
		t.Fatalf("MessageCount=%d, want 3", reloaded.MessageCount)
	}
	if reloaded.LastActivityAt.Sub(at).Abs() > time.Second {
		t.Fatalf("LastActivityAt=%v, want %v", reloaded.LastActivityAt, at)
	}
}
