package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/yungbote/huddle-backend/internal/data/repos"
	domainchat "github.com/yungbote/huddle-backend/internal/domain/chat"
	"github.com/yungbote/huddle-backend/internal/jobs/worker"
	"github.com/yungbote/huddle-backend/internal/modules/chat/extract"
	"github.com/yungbote/huddle-backend/internal/pkg/dbctx"
	"github.com/yungbote/huddle-backend/internal/platform/llm"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

const (
	TaskEmbedMessage       = "embed_message"
	TaskExtractPreferences = "extract_preferences"

	// extractWindow is how many recent turns the extractor reads.
	extractWindow = 8
)

// TaskSubmitter is the non-blocking side of the background queue.
type TaskSubmitter interface {
	Submit(t worker.Task) bool
}

type EmbedMessagePayload struct {
	MessageID uuid.UUID
}

type ExtractPreferencesPayload struct {
	UserID   uuid.UUID
	ThreadID uuid.UUID
}

// BackgroundService runs the fire-and-forget work spawned by chat turns.
type BackgroundService interface {
	EmbedMessage(ctx context.Context, messageID uuid.UUID) error
	ExtractPreferences(ctx context.Context, userID, threadID uuid.UUID) error
	// BackfillEmbeddings embeds up to limit messages that have no vector yet.
	BackfillEmbeddings(ctx context.Context, limit int) (int, error)
	// Register installs the task handlers on q.
	Register(q *worker.Queue)
}

type backgroundService struct {
	log       *logger.Logger
	provider  llm.Provider
	extractor *extract.Extractor
	memory    MemoryService
	messages  repos.MessageRepo
}

func NewBackgroundService(baseLog *logger.Logger, provider llm.Provider, extractor *extract.Extractor, memory MemoryService, messages repos.MessageRepo) BackgroundService {
	return &backgroundService{
		log:       baseLog.With("service", "BackgroundService"),
		provider:  provider,
		extractor: extractor,
		memory:    memory,
		messages:  messages,
	}
}

func (s *backgroundService) Register(q *worker.Queue) {
	q.Handle(TaskEmbedMessage, func(ctx context.Context, t worker.Task) error {
		p, ok := t.Payload.(EmbedMessagePayload)
		if !ok {
			s.log.Warn("Malformed embed task payload", "payload_type", fmt.Sprintf("%T", t.Payload))
			return nil
		}
		return s.EmbedMessage(ctx, p.MessageID)
	})
	q.Handle(TaskExtractPreferences, func(ctx context.Context, t worker.Task) error {
		p, ok := t.Payload.(ExtractPreferencesPayload)
		if !ok {
			s.log.Warn("Malformed extract task payload", "payload_type", fmt.Sprintf("%T", t.Payload))
			return nil
		}
		return s.ExtractPreferences(ctx, p.UserID, p.ThreadID)
	})
}

func (s *backgroundService) EmbedMessage(ctx context.Context, messageID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}
	m, err := s.messages.GetByID(dbc, messageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if m == nil || len(m.Embedding) > 0 || m.Content == "" {
		return nil
	}
	vec, err := s.provider.Embed(ctx, m.Content)
	if err != nil {
		return fmt.Errorf("embed message %s: %w", messageID, err)
	}
	if err := s.memory.SetEmbedding(dbc, m.ID, vec); err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}
	if m.Role == domainchat.RoleUser {
		if err := s.memory.PushInterestVector(dbc, m.UserID, vec); err != nil {
			s.log.Warn("Interest vector update failed", "user_id", m.UserID, "error", err)
		}
	}
	return nil
}

func (s *backgroundService) ExtractPreferences(ctx context.Context, userID, threadID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}
	msgs, err := s.memory.History(dbc, threadID, extractWindow)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	turns := make([]extract.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, extract.Turn{Role: m.Role, Content: m.Content})
	}
	ex, err := s.extractor.Extract(ctx, turns)
	if err != nil {
		return err
	}
	if ex.Empty() {
		return nil
	}
	if _, err := s.memory.MergeProfile(dbc, userID, ex, timeNow()); err != nil {
		s.log.Warn("Profile merge failed; profile unchanged", "user_id", userID, "error", err)
		return nil
	}
	s.log.Debug("Profile merged", "user_id", userID, "preferences", len(ex.Preferences), "locations", len(ex.Locations), "method", ex.Method)
	return nil
}

func (s *backgroundService) BackfillEmbeddings(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.messages.ListMissingEmbedding(dbctx.Context{Ctx: ctx}, limit)
	if err != nil {
		return 0, fmt.Errorf("list messages without embedding: %w", err)
	}
	done := 0
	for _, m := range rows {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if err := s.EmbedMessage(ctx, m.ID); err != nil {
			s.log.Warn("Backfill embedding failed", "message_id", m.ID, "error", err)
			continue
		}
		done++
	}
	return done, nil
}
