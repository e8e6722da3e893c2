package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/yungbote/huddle-backend/internal/data/repos/testutil"
	types "github.com/yungbote/huddle-backend/internal/domain"
	"github.com/yungbote/huddle-backend/internal/pkg/dbctx"
)

func TestProfileRepoMutate(t *testing.T) {
	db := testutil.DB(t)
	repo := NewProfileRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}
	userID := uuid.New()

	got, err := repo.Get(dbc, userID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil profile for new user")
	}

	_, err = repo.Mutate(dbc, userID, func(p *types.WorkingProfile) error {
		p.Preferences = append(p.Preferences, types.Preference{Category: "food", Value: "hotpot", Sentiment: "positive", Confidence: 0.8, Hits: 1})
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate create: %v", err)
	}
	_, err = repo.Mutate(dbc, userID, func(p *types.WorkingProfile) error {
		p.FrequentLocations = append(p.FrequentLocations, types.FrequentLocation{Name: "望京", Count: 1})
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate update: %v", err)
	}

	got, err = repo.Get(dbc, userID)
	if err != nil || got == nil {
		t.Fatalf("Get after mutate: %v", err)
	}
	if len(got.Preferences) != 1 || got.Preferences[0].Value != "hotpot" {
		t.Fatalf("preferences=%+v", got.Preferences)
	}
	if len(got.FrequentLocations) != 1 || got.FrequentLocations[0].Name != "望京" {
		t.Fatalf("frequent_locations=%+v", got.FrequentLocations)
	}

	boom := errors.New("boom")
	if _, err := repo.Mutate(dbc, userID, func(p *types.WorkingProfile) error {
		p.Preferences = nil
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("Mutate err=%v, want boom", err)
	}
	got, _ = repo.Get(dbc, userID)
	if len(got.Preferences) != 1 {
		t.Fatalf("failed mutate must not write, preferences=%+v", got.Preferences)
	}
}
