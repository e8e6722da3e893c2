package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	types "github.com/yungbote/huddle-backend/internal/domain"
	domainchat "github.com/yungbote/huddle-backend/internal/domain/chat"
	"github.com/yungbote/huddle-backend/internal/modules/chat/extract"
	"github.com/yungbote/huddle-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/huddle-backend/internal/pkg/errors"
)

func TestResolveSessionWindow(t *testing.T) {
	f := newFixture(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	user := uuid.New()

	first, err := f.memory.ResolveSession(dbc, user, t0)
	require.NoError(t, err)
	_, err = f.memory.AppendMessages(dbc, first.ID, []*types.Message{{UserID: user, Role: domainchat.RoleUser, Content: "hi"}}, t0)
	require.NoError(t, err)

	again, err := f.memory.ResolveSession(dbc, user, t0.Add(23*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "activity 23h ago is inside the window")

	fresh, err := f.memory.ResolveSession(dbc, user, t0.Add(25*time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID, "activity 25h ago starts a new thread")
}

func TestResolveSessionRequiresUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.memory.ResolveSession(dbctx.Context{Ctx: context.Background()}, uuid.Nil, t0)
	assert.ErrorIs(t, err, pkgerrors.ErrUnauthorized)
}

func TestAppendMessagesAssignsConsecutiveSeqs(t *testing.T) {
	f := newFixture(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	user := uuid.New()
	th, err := f.memory.ResolveSession(dbc, user, t0)
	require.NoError(t, err)

	a, err := f.memory.AppendMessages(dbc, th.ID, []*types.Message{
		{UserID: user, Role: domainchat.RoleUser, Content: "one"},
		{UserID: user, Role: domainchat.RoleAssistant, Content: "two"},
	}, t0)
	require.NoError(t, err)
	b, err := f.memory.AppendMessages(dbc, th.ID, []*types.Message{{UserID: user, Role: domainchat.RoleUser, Content: "three"}}, t0.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, a[0].Seq+1, a[1].Seq)
	assert.Equal(t, a[1].Seq+1, b[0].Seq)

	hist, err := f.memory.History(dbc, th.ID, 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "two", hist[0].Content)
	assert.Equal(t, "three", hist[1].Content)
}

func TestGetOwnedThread(t *testing.T) {
	f := newFixture(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	owner, other := uuid.New(), uuid.New()
	th, err := f.memory.ResolveSession(dbc, owner, t0)
	require.NoError(t, err)

	got, err := f.memory.GetOwnedThread(dbc, owner, th.ID)
	require.NoError(t, err)
	assert.Equal(t, th.ID, got.ID)

	_, err = f.memory.GetOwnedThread(dbc, other, th.ID)
	assert.ErrorIs(t, err, pkgerrors.ErrForbidden)

	_, err = f.memory.GetOwnedThread(dbc, owner, uuid.New())
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)
}

func TestMergeProfileNeverDuplicatesPreferences(t *testing.T) {
	f := newFixture(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	user := uuid.New()

	ex := extract.Extraction{Preferences: []domainchat.Preference{
		{Category: "hiking", Value: "mountain", Sentiment: domainchat.SentimentPositive, Confidence: 0.6},
	}}
	_, err := f.memory.MergeProfile(dbc, user, ex, t0)
	require.NoError(t, err)

	ex.Preferences[0].Category = " Hiking "
	ex.Preferences[0].Confidence = 0.9
	p, err := f.memory.MergeProfile(dbc, user, ex, t0.Add(time.Hour))
	require.NoError(t, err)

	require.Len(t, p.Preferences, 1)
	assert.Equal(t, 2, p.Preferences[0].Hits)
	assert.InDelta(t, 0.9, p.Preferences[0].Confidence, 1e-9)

	top, err := f.memory.TopCategory(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, "hiking", top)
}

func TestGetProfileEmptyForUnknownUser(t *testing.T) {
	f := newFixture(t)
	p, err := f.memory.GetProfile(dbctx.Context{Ctx: context.Background()}, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, p.Preferences)
	assert.Empty(t, p.FrequentLocations)
}

func TestMergePreferences(t *testing.T) {
	now := t0
	existing := []domainchat.Preference{
		{Category: "music", Value: "jazz", Sentiment: domainchat.SentimentPositive, Confidence: 0.8, Hits: 3},
	}
	tests := []struct {
		name     string
		incoming domainchat.Preference
		wantSent string
		wantConf float64
		wantHits int
	}{
		{
			name:     "same sentiment keeps higher confidence",
			incoming: domainchat.Preference{Category: "music", Value: "jazz", Sentiment: domainchat.SentimentPositive, Confidence: 0.5},
			wantSent: domainchat.SentimentPositive, wantConf: 0.8, wantHits: 4,
		},
		{
			name:     "flipped sentiment replaces confidence",
			incoming: domainchat.Preference{Category: "MUSIC", Value: "Jazz", Sentiment: domainchat.SentimentNegative, Confidence: 0.4},
			wantSent: domainchat.SentimentNegative, wantConf: 0.4, wantHits: 4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergePreferences(existing, []domainchat.Preference{tt.incoming}, now)
			require.Len(t, got, 1)
			assert.Equal(t, tt.wantSent, got[0].Sentiment)
			assert.InDelta(t, tt.wantConf, got[0].Confidence, 1e-9)
			assert.Equal(t, tt.wantHits, got[0].Hits)
			assert.Equal(t, now, got[0].LastSeenAt)
		})
	}
}

func TestMergePreferencesHealsStoredDuplicates(t *testing.T) {
	existing := []domainchat.Preference{
		{Category: "food", Value: "hotpot", Sentiment: domainchat.SentimentPositive, Hits: 2},
		{Category: "Food", Value: "Hotpot", Sentiment: domainchat.SentimentPositive, Hits: 1},
	}
	got := MergePreferences(existing, nil, t0)
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].Hits)
}

func TestMergeLocationsBounded(t *testing.T) {
	var locs []domainchat.FrequentLocation
	for i, name := range []string{"A", "B", "C", "D", "E"} {
		locs = MergeLocations(locs, []domainchat.FrequentLocation{{Name: name}}, t0.Add(time.Duration(i)*time.Minute))
	}
	locs = MergeLocations(locs, []domainchat.FrequentLocation{{Name: "b"}, {Name: "c"}}, t0.Add(time.Hour))
	require.Len(t, locs, domainchat.MaxFrequentLocations)

	locs = MergeLocations(locs, []domainchat.FrequentLocation{{Name: "F"}}, t0.Add(2*time.Hour))
	require.Len(t, locs, domainchat.MaxFrequentLocations)

	names := map[string]int{}
	for _, l := range locs {
		names[l.Name] = l.Count
	}
	assert.NotContains(t, names, "A", "oldest single-use place is evicted")
	assert.Equal(t, 2, names["B"])
	assert.Contains(t, names, "F")
}

func TestTopCategoryIgnoresNegative(t *testing.T) {
	p := &types.WorkingProfile{Preferences: []domainchat.Preference{
		{Category: "bar", Sentiment: domainchat.SentimentNegative, Hits: 9},
		{Category: "board_games", Sentiment: domainchat.SentimentPositive, Hits: 2, Confidence: 0.5},
		{Category: "hiking", Sentiment: domainchat.SentimentPositive, Hits: 2, Confidence: 0.7},
	}}
	assert.Equal(t, "hiking", TopCategory(p))
	assert.Equal(t, "", TopCategory(nil))
}

func TestRecallRanksBySimilarity(t *testing.T) {
	f := newFixture(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	user := uuid.New()
	th, err := f.memory.ResolveSession(dbc, user, t0)
	require.NoError(t, err)
	rows, err := f.memory.AppendMessages(dbc, th.ID, []*types.Message{
		{UserID: user, Role: domainchat.RoleUser, Content: "close"},
		{UserID: user, Role: domainchat.RoleUser, Content: "far"},
		{UserID: user, Role: domainchat.RoleUser, Content: "opposite"},
	}, t0)
	require.NoError(t, err)
	require.NoError(t, f.memory.SetEmbedding(dbc, rows[0].ID, []float32{1, 0.1}))
	require.NoError(t, f.memory.SetEmbedding(dbc, rows[1].ID, []float32{0.5, 1}))
	require.NoError(t, f.memory.SetEmbedding(dbc, rows[2].ID, []float32{-1, 0}))

	hits, err := f.memory.Recall(context.Background(), []float32{1, 0}, user, 5, 0.3)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "close", hits[0].Message.Content)
	assert.Equal(t, "far", hits[1].Message.Content)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-6)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 2}))
}

func TestMergeProfileAnonymous(t *testing.T) {
	f := newFixture(t)
	_, err := f.memory.MergeProfile(dbctx.Context{Ctx: context.Background()}, uuid.Nil, extract.Extraction{}, t0)
	assert.True(t, errors.Is(err, pkgerrors.ErrUnauthorized))
}
