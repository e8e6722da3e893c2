package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/huddle-backend/internal/data/repos"
	types "github.com/yungbote/huddle-backend/internal/domain"
	domainactivity "github.com/yungbote/huddle-backend/internal/domain/activity"
	"github.com/yungbote/huddle-backend/internal/modules/chat/enrich"
	"github.com/yungbote/huddle-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/huddle-backend/internal/pkg/errors"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

const (
	DefaultAuxTimeout      = 500 * time.Millisecond
	DefaultRecallLimit     = 3
	DefaultRecallThreshold = 0.8
)

// Embedder turns text into a vector for similarity recall.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type BuildInput struct {
	UserID   uuid.UUID
	Location *enrich.Point
	ThreadID *uuid.UUID
	Draft    *enrich.Draft
	Now      time.Time
	// Utterance is the current user message; it seeds similarity recall.
	Utterance string
}

// RuntimeContext is everything one turn needs to know about its caller.
type RuntimeContext struct {
	Anonymous bool
	Thread    *types.Thread
	Profile   *types.WorkingProfile
	History   []*types.Message
	Location  *enrich.Point
	Draft     *enrich.Draft
	// Recalled holds earlier messages from other threads that resemble the
	// current utterance.
	Recalled []RecallHit
}

func (rc *RuntimeContext) ThreadID() uuid.UUID {
	if rc == nil || rc.Thread == nil {
		return uuid.Nil
	}
	return rc.Thread.ID
}

type ContextBuilder interface {
	BuildContext(dbc dbctx.Context, in BuildInput) (*RuntimeContext, error)
}

type contextBuilder struct {
	log          *logger.Logger
	memory       MemoryService
	activities   repos.ActivityRepo
	historyLimit int
	auxTimeout   time.Duration

	embedder        Embedder
	recallLimit     int
	recallThreshold float64
}

type ContextOption func(*contextBuilder)

// WithRecall enables similarity recall over the user's embedded messages.
func WithRecall(e Embedder, limit int, threshold float64) ContextOption {
	return func(b *contextBuilder) {
		if limit <= 0 {
			limit = DefaultRecallLimit
		}
		if threshold <= 0 {
			threshold = DefaultRecallThreshold
		}
		b.embedder, b.recallLimit, b.recallThreshold = e, limit, threshold
	}
}

func NewContextBuilder(baseLog *logger.Logger, memory MemoryService, activities repos.ActivityRepo, historyLimit int, auxTimeout time.Duration, opts ...ContextOption) ContextBuilder {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if auxTimeout <= 0 {
		auxTimeout = DefaultAuxTimeout
	}
	b := &contextBuilder{
		log:          baseLog.With("service", "ContextBuilder"),
		memory:       memory,
		activities:   activities,
		historyLimit: historyLimit,
		auxTimeout:   auxTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *contextBuilder) BuildContext(dbc dbctx.Context, in BuildInput) (*RuntimeContext, error) {
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	if dbc.Ctx == nil {
		dbc.Ctx = context.Background()
	}
	if in.UserID == uuid.Nil {
		return &RuntimeContext{
			Anonymous: true,
			Profile:   types.EmptyProfile(uuid.Nil),
			History:   []*types.Message{},
			Location:  in.Location,
			Draft:     in.Draft,
		}, nil
	}

	thread, err := b.resolveThread(dbc, in)
	if err != nil {
		return nil, err
	}
	rc := &RuntimeContext{
		Thread:   thread,
		Profile:  types.EmptyProfile(in.UserID),
		History:  []*types.Message{},
		Location: in.Location,
		Draft:    in.Draft,
	}

	g, gctx := errgroup.WithContext(dbc.Ctx)
	g.Go(func() error {
		ctx, cancel := context.WithTimeout(gctx, b.auxTimeout)
		defer cancel()
		p, err := b.memory.GetProfile(dbctx.Context{Ctx: ctx}, in.UserID)
		if err != nil {
			b.log.Warn("Profile fetch failed; using empty profile", "user_id", in.UserID, "error", err)
			return nil
		}
		rc.Profile = p
		return nil
	})
	g.Go(func() error {
		ctx, cancel := context.WithTimeout(gctx, b.auxTimeout)
		defer cancel()
		msgs, err := b.memory.History(dbctx.Context{Ctx: ctx}, thread.ID, b.historyLimit)
		if err != nil {
			b.log.Warn("History fetch failed; continuing without history", "thread_id", thread.ID, "error", err)
			return nil
		}
		rc.History = msgs
		return nil
	})
	if in.Draft != nil && in.Draft.ActivityID != uuid.Nil && b.activities != nil {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(gctx, b.auxTimeout)
			defer cancel()
			a, err := b.activities.GetByID(dbctx.Context{Ctx: ctx}, in.Draft.ActivityID)
			if err != nil {
				b.log.Warn("Draft fetch failed; using client draft", "activity_id", in.Draft.ActivityID, "error", err)
				return nil
			}
			if a == nil || a.OrganizerID != in.UserID || a.Status != domainactivity.StatusDraft {
				return nil
			}
			rc.Draft = mergeDraft(in.Draft, a)
			return nil
		})
	}
	if b.embedder != nil && strings.TrimSpace(in.Utterance) != "" {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(gctx, b.auxTimeout)
			defer cancel()
			rc.Recalled = b.recall(ctx, in.UserID, thread.ID, in.Utterance)
			return nil
		})
	}
	_ = g.Wait()
	if dbc.Ctx.Err() != nil {
		return nil, dbc.Ctx.Err()
	}
	return rc, nil
}

// recall returns similar messages from the user's other threads. Failures
// yield nothing.
func (b *contextBuilder) recall(ctx context.Context, userID, threadID uuid.UUID, utterance string) []RecallHit {
	vec, err := b.embedder.Embed(ctx, utterance)
	if err != nil {
		b.log.Debug("Recall embed failed; skipping", "user_id", userID, "error", err)
		return nil
	}
	hits, err := b.memory.Recall(ctx, vec, userID, b.recallLimit+b.historyLimit, b.recallThreshold)
	if err != nil {
		b.log.Debug("Recall lookup failed; skipping", "user_id", userID, "error", err)
		return nil
	}
	out := make([]RecallHit, 0, b.recallLimit)
	for _, h := range hits {
		if h.Message.ThreadID == threadID {
			continue
		}
		out = append(out, h)
		if len(out) == b.recallLimit {
			break
		}
	}
	return out
}

func (b *contextBuilder) resolveThread(dbc dbctx.Context, in BuildInput) (*types.Thread, error) {
	if in.ThreadID != nil && *in.ThreadID != uuid.Nil {
		th, err := b.memory.GetOwnedThread(dbc, in.UserID, *in.ThreadID)
		if err == nil {
			return th, nil
		}
		if !errors.Is(err, pkgerrors.ErrNotFound) && !errors.Is(err, pkgerrors.ErrForbidden) {
			return nil, err
		}
		b.log.Info("Requested thread unavailable; resolving session", "thread_id", *in.ThreadID, "error", err)
	}
	return b.memory.ResolveSession(dbc, in.UserID, in.Now)
}

// mergeDraft fills the client's draft with stored fields it left blank.
func mergeDraft(client *enrich.Draft, a *types.Activity) *enrich.Draft {
	d := *client
	if d.Title == "" {
		d.Title = a.Title
	}
	if d.LocationName == "" {
		d.LocationName = a.LocationName
	}
	if d.StartAt == nil {
		d.StartAt = a.StartAt
	}
	if d.Capacity == 0 {
		d.Capacity = a.Capacity
	}
	return &d
}
