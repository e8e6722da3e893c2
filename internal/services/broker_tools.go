package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	types "github.com/yungbote/huddle-backend/internal/domain"
	"github.com/yungbote/huddle-backend/internal/modules/broker"
	"github.com/yungbote/huddle-backend/internal/modules/chat/tools"
	"github.com/yungbote/huddle-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/huddle-backend/internal/pkg/errors"
)

// BrokerTools exposes BrokerService to the partner tools.
func BrokerTools(svc BrokerService) tools.Broker {
	return brokerTools{svc: svc}
}

type brokerTools struct {
	svc BrokerService
}

func (b brokerTools) Clarify(ctx context.Context, c tools.Call) (*types.BrokerSession, error) {
	var threadID *uuid.UUID
	if c.ThreadID != uuid.Nil {
		id := c.ThreadID
		threadID = &id
	}
	return b.svc.Start(dbctx.Context{Ctx: ctx}, StartInput{
		UserID:    c.UserID,
		ThreadID:  threadID,
		Utterance: c.Utterance,
		Profile:   c.Profile,
		Now:       c.Now,
	})
}

func (b brokerTools) Record(ctx context.Context, c tools.Call, sessionID uuid.UUID, a broker.ClarifyAnswer) (*types.PartnerIntent, error) {
	dbc := dbctx.Context{Ctx: ctx}
	if sessionID == uuid.Nil {
		open, err := b.svc.OpenSession(dbc, c.UserID)
		if err != nil {
			return nil, err
		}
		if open == nil {
			return nil, fmt.Errorf("no open broker session: %w", pkgerrors.ErrInvalidTransition)
		}
		sessionID = open.ID
	}
	_, intent, err := b.svc.Answer(dbc, sessionID, c.UserID, a, c.Now)
	return intent, err
}

func (b brokerTools) Confirm(ctx context.Context, c tools.Call, matchID uuid.UUID) (*types.IntentMatch, error) {
	return b.svc.Confirm(dbctx.Context{Ctx: ctx}, matchID, c.UserID, c.Now)
}
