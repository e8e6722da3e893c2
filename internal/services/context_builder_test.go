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
	"github.com/yungbote/huddle-backend/internal/modules/chat/enrich"
	"github.com/yungbote/huddle-backend/internal/modules/chat/extract"
	"github.com/yungbote/huddle-backend/internal/pkg/dbctx"
	"github.com/yungbote/huddle-backend/internal/platform/llm/llmtest"
)

func newBuilder(f *fixture) ContextBuilder {
	return NewContextBuilder(f.log, f.memory, f.repos.Activities, 0, 0)
}

func TestBuildContextAnonymous(t *testing.T) {
	f := newFixture(t)
	pt := &enrich.Point{Lat: 31.2, Lng: 121.4}

	rc, err := newBuilder(f).BuildContext(bg(), BuildInput{Location: pt, Now: t0})
	require.NoError(t, err)
	assert.True(t, rc.Anonymous)
	assert.Nil(t, rc.Thread)
	assert.Equal(t, uuid.Nil, rc.ThreadID())
	assert.Empty(t, rc.History)
	assert.Empty(t, rc.Profile.Preferences)
	assert.Equal(t, pt, rc.Location)
}

func TestBuildContextLoadsMemory(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	th, err := f.memory.ResolveSession(bg(), user, t0)
	require.NoError(t, err)
	_, err = f.memory.AppendMessages(bg(), th.ID, []*types.Message{
		{UserID: user, Role: domainchat.RoleUser, Content: "想去爬山"},
		{UserID: user, Role: domainchat.RoleAssistant, Content: "好的"},
	}, t0)
	require.NoError(t, err)
	_, err = f.memory.MergeProfile(bg(), user, extract.Extraction{Preferences: []domainchat.Preference{
		{Category: "hiking", Sentiment: domainchat.SentimentPositive, Confidence: 0.8},
	}}, t0)
	require.NoError(t, err)

	rc, err := newBuilder(f).BuildContext(bg(), BuildInput{UserID: user, Now: t0})
	require.NoError(t, err)
	assert.False(t, rc.Anonymous)
	assert.Equal(t, th.ID, rc.ThreadID())
	require.Len(t, rc.History, 2)
	assert.Equal(t, "想去爬山", rc.History[0].Content)
	require.Len(t, rc.Profile.Preferences, 1)
}

func TestBuildContextForeignThreadFallsBack(t *testing.T) {
	f := newFixture(t)
	owner, caller := uuid.New(), uuid.New()
	foreign, err := f.memory.ResolveSession(bg(), owner, t0)
	require.NoError(t, err)

	rc, err := newBuilder(f).BuildContext(bg(), BuildInput{UserID: caller, ThreadID: &foreign.ID, Now: t0})
	require.NoError(t, err)
	require.NotNil(t, rc.Thread)
	assert.NotEqual(t, foreign.ID, rc.Thread.ID)
	assert.Equal(t, caller, rc.Thread.UserID)
}

func TestBuildContextMergesOwnedDraft(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	a := &types.Activity{OrganizerID: user, Title: "周六爬山", LocationName: "香山", Capacity: 6}
	require.NoError(t, f.repos.Activities.Create(bg(), a))

	rc, err := newBuilder(f).BuildContext(bg(), BuildInput{
		UserID: user,
		Draft:  &enrich.Draft{ActivityID: a.ID, Title: "周日爬山"},
		Now:    t0,
	})
	require.NoError(t, err)
	require.NotNil(t, rc.Draft)
	assert.Equal(t, "周日爬山", rc.Draft.Title, "client edits win")
	assert.Equal(t, "香山", rc.Draft.LocationName)
	assert.Equal(t, 6, rc.Draft.Capacity)

	other := uuid.New()
	rc, err = newBuilder(f).BuildContext(bg(), BuildInput{
		UserID: other,
		Draft:  &enrich.Draft{ActivityID: a.ID},
		Now:    t0,
	})
	require.NoError(t, err)
	assert.Empty(t, rc.Draft.LocationName, "someone else's draft is never loaded")
}

func TestBuildContextCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	user := uuid.New()
	_, err := f.memory.ResolveSession(bg(), user, t0)
	require.NoError(t, err)

	_, err = newBuilder(f).BuildContext(dbctx.Context{Ctx: ctx}, BuildInput{UserID: user, Now: t0})
	assert.Error(t, err)
}

func TestBuildContextRecallsOtherThreads(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	earlier := t0.Add(-48 * time.Hour)
	old, err := f.memory.ResolveSession(bg(), user, earlier)
	require.NoError(t, err)
	oldRows, err := f.memory.AppendMessages(bg(), old.ID, []*types.Message{
		{UserID: user, Role: domainchat.RoleUser, Content: "周末想去香山爬山"},
	}, earlier)
	require.NoError(t, err)
	require.NoError(t, f.memory.SetEmbedding(bg(), oldRows[0].ID, []float32{1, 0}))

	current, err := f.memory.ResolveSession(bg(), user, t0)
	require.NoError(t, err)
	require.NotEqual(t, old.ID, current.ID)
	curRows, err := f.memory.AppendMessages(bg(), current.ID, []*types.Message{
		{UserID: user, Role: domainchat.RoleUser, Content: "爬山"},
	}, t0)
	require.NoError(t, err)
	require.NoError(t, f.memory.SetEmbedding(bg(), curRows[0].ID, []float32{1, 0}))

	fake := &llmtest.Fake{EmbedVector: []float32{1, 0.1}}
	b := NewContextBuilder(f.log, f.memory, f.repos.Activities, 0, 0, WithRecall(fake, 3, 0.5))
	rc, err := b.BuildContext(bg(), BuildInput{UserID: user, Now: t0, Utterance: "还想去爬山"})
	require.NoError(t, err)
	assert.Equal(t, current.ID, rc.ThreadID())
	require.Len(t, rc.Recalled, 1, "messages already in the thread are not recalled")
	assert.Equal(t, old.ID, rc.Recalled[0].Message.ThreadID)

	block := recallBlock(rc.Recalled)
	assert.Contains(t, block, "[recalled]")
	assert.Contains(t, block, "周末想去香山爬山")
}

func TestBuildContextRecallFailureDegrades(t *testing.T) {
	f := newFixture(t)
	fake := &llmtest.Fake{EmbedErr: errors.New("embedding backend down")}
	b := NewContextBuilder(f.log, f.memory, f.repos.Activities, 0, 0, WithRecall(fake, 0, 0))

	rc, err := b.BuildContext(bg(), BuildInput{UserID: uuid.New(), Now: t0, Utterance: "爬山"})
	require.NoError(t, err)
	assert.Empty(t, rc.Recalled)
	assert.Equal(t, 1, fake.EmbedCalls)
	assert.Empty(t, recallBlock(nil))
}
