package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/huddle-backend/internal/data/repos"
	types "github.com/yungbote/huddle-backend/internal/domain"
	domainbroker "github.com/yungbote/huddle-backend/internal/domain/broker"
	"github.com/yungbote/huddle-backend/internal/modules/broker"
	"github.com/yungbote/huddle-backend/internal/observability"
	"github.com/yungbote/huddle-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/huddle-backend/internal/pkg/errors"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

const (
	DefaultConfirmWindow = 2 * time.Hour
	DefaultIntentTTL     = 72 * time.Hour
	brokerScanLimit      = 500
)

var errGroupChanged = errors.New("broker: group changed during match")

type BrokerConfig struct {
	Match         broker.MatchConfig
	ConfirmWindow time.Duration
	IntentTTL     time.Duration
}

type StartInput struct {
	UserID    uuid.UUID
	ThreadID  *uuid.UUID
	Utterance string
	Trigger   string
	Profile   *types.WorkingProfile
	Now       time.Time
}

// BrokerService drives partner negotiation from the first utterance to a
// confirmed or expired match.
type BrokerService interface {
	// Start opens a clarifying session, or returns the user's session that is
	// already clarifying. It never records an intent.
	Start(dbc dbctx.Context, in StartInput) (*types.BrokerSession, error)
	// Answer records the PartnerIntent built from the clarification answer.
	Answer(dbc dbctx.Context, sessionID, userID uuid.UUID, a broker.ClarifyAnswer, now time.Time) (*types.BrokerSession, *types.PartnerIntent, error)
	// RunMatcher groups active intents and returns how many matches it created.
	RunMatcher(ctx context.Context, now time.Time) (int, error)
	Confirm(dbc dbctx.Context, matchID, userID uuid.UUID, now time.Time) (*types.IntentMatch, error)
	// ExpireDue expires pending matches past their deadline and active intents
	// past ExpiresAt. It returns the number of rows expired.
	ExpireDue(ctx context.Context, now time.Time) (int, error)
	Cancel(dbc dbctx.Context, sessionID, userID uuid.UUID) (*types.BrokerSession, error)
	OpenSession(dbc dbctx.Context, userID uuid.UUID) (*types.BrokerSession, error)
}

type brokerService struct {
	db       *gorm.DB
	log      *logger.Logger
	sessions repos.BrokerSessionRepo
	intents  repos.PartnerIntentRepo
	matches  repos.IntentMatchRepo
	cfg      BrokerConfig
}

func NewBrokerService(
	db *gorm.DB,
	baseLog *logger.Logger,
	sessions repos.BrokerSessionRepo,
	intents repos.PartnerIntentRepo,
	matches repos.IntentMatchRepo,
	cfg BrokerConfig,
) BrokerService {
	if cfg.ConfirmWindow <= 0 {
		cfg.ConfirmWindow = DefaultConfirmWindow
	}
	if cfg.IntentTTL <= 0 {
		cfg.IntentTTL = DefaultIntentTTL
	}
	return &brokerService{
		db:       db,
		log:      baseLog.With("service", "BrokerService"),
		sessions: sessions,
		intents:  intents,
		matches:  matches,
		cfg:      cfg,
	}
}

func (s *brokerService) Start(dbc dbctx.Context, in StartInput) (*types.BrokerSession, error) {
	if in.UserID == uuid.Nil {
		return nil, pkgerrors.ErrUnauthorized
	}
	trigger := in.Trigger
	if trigger == "" {
		trigger = domainbroker.TriggerUtterance
	}
	var (
		out     *types.BrokerSession
		created bool
	)
	err := dbc.Conn(s.db).Transaction(func(tx *gorm.DB) error {
		inner := dbc.WithTx(tx)
		open, err := s.sessions.LatestOpen(inner, in.UserID)
		if err != nil {
			return fmt.Errorf("lookup open session: %w", err)
		}
		if open != nil && open.State == domainbroker.StateClarifying {
			out = open
			return nil
		}
		if err := broker.Transition(domainbroker.StateIdle, domainbroker.StateClarifying); err != nil {
			return err
		}
		id := uuid.New()
		form := broker.BuildForm(id, in.Utterance, in.Profile)
		row := &types.BrokerSession{
			ID:       id,
			UserID:   in.UserID,
			ThreadID: in.ThreadID,
			State:    domainbroker.StateClarifying,
			Trigger:  trigger,
			Category: form.Category,
			RawInput: strings.TrimSpace(in.Utterance),
			Form:     datatypes.NewJSONType(form),
		}
		if err := s.sessions.Create(inner, row); err != nil {
			return fmt.Errorf("create broker session: %w", err)
		}
		row.Fresh = true
		out, created = row, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if created {
		observability.Current().IncBrokerTransition(string(domainbroker.StateClarifying))
		s.log.Info("Broker session clarifying", "session_id", out.ID, "user_id", in.UserID, "trigger", out.Trigger)
	}
	return out, nil
}

func (s *brokerService) Answer(dbc dbctx.Context, sessionID, userID uuid.UUID, a broker.ClarifyAnswer, now time.Time) (*types.BrokerSession, *types.PartnerIntent, error) {
	if userID == uuid.Nil {
		return nil, nil, pkgerrors.ErrUnauthorized
	}
	if now.IsZero() {
		now = time.Now()
	}
	var (
		session *types.BrokerSession
		intent  *types.PartnerIntent
	)
	err := dbc.Conn(s.db).Transaction(func(tx *gorm.DB) error {
		inner := dbc.WithTx(tx)
		sess, err := s.ownedSession(inner, sessionID, userID)
		if err != nil {
			return err
		}
		if err := broker.Transition(sess.State, domainbroker.StateIntentRecorded); err != nil {
			return err
		}
		pi, err := broker.BuildIntent(sess, a, now, s.cfg.IntentTTL)
		if err != nil {
			return err
		}
		if err := s.intents.Create(inner, pi); err != nil {
			return fmt.Errorf("create partner intent: %w", err)
		}
		if err := s.sessions.UpdateFields(inner, sess.ID, map[string]interface{}{
			"state":             string(domainbroker.StateIntentRecorded),
			"partner_intent_id": pi.ID,
			"category":          pi.Category,
		}); err != nil {
			return fmt.Errorf("update broker session: %w", err)
		}
		sess.State = domainbroker.StateIntentRecorded
		sess.PartnerIntentID = &pi.ID
		sess.Category = pi.Category
		session, intent = sess, pi
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	observability.Current().IncBrokerTransition(string(domainbroker.StateIntentRecorded))
	s.log.Info("Partner intent recorded", "session_id", session.ID, "intent_id", intent.ID, "category", intent.Category)
	return session, intent, nil
}

func (s *brokerService) RunMatcher(ctx context.Context, now time.Time) (int, error) {
	if now.IsZero() {
		now = time.Now()
	}
	dbc := dbctx.Context{Ctx: ctx}
	pool, err := s.intents.ListMatchable(dbc, now, brokerScanLimit)
	if err != nil {
		return 0, fmt.Errorf("list matchable intents: %w", err)
	}
	groups := broker.GroupIntents(pool, s.cfg.Match)
	created := 0
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		m, err := s.createMatch(dbc, g, now)
		if errors.Is(err, errGroupChanged) {
			s.log.Debug("Skipping stale match group", "intents", len(g.Intents))
			continue
		}
		if err != nil {
			return created, err
		}
		created++
		observability.Current().IncBrokerTransition(string(domainbroker.StateMatched))
		s.log.Info("Partner match created", "match_id", m.ID, "size", len(g.Intents), "score", m.Score)
	}
	return created, nil
}

func (s *brokerService) createMatch(dbc dbctx.Context, g broker.Group, now time.Time) (*types.IntentMatch, error) {
	ids := g.IntentIDs()
	var out *types.IntentMatch
	err := dbc.Conn(s.db).Transaction(func(tx *gorm.DB) error {
		inner := dbc.WithTx(tx)
		n, err := s.intents.SetStatus(inner, ids, domainbroker.IntentMatched, domainbroker.IntentActive)
		if err != nil {
			return fmt.Errorf("mark intents matched: %w", err)
		}
		if int(n) != len(ids) {
			return errGroupChanged
		}
		m := &types.IntentMatch{
			IntentIDs:   datatypes.JSONSlice[uuid.UUID](ids),
			UserIDs:     datatypes.JSONSlice[uuid.UUID](g.UserIDs()),
			Category:    g.Intents[0].Category,
			Score:       g.Score,
			OrganizerID: g.Organizer(),
			Deadline:    now.Add(s.cfg.ConfirmWindow).UTC(),
			Outcome:     domainbroker.MatchPending,
		}
		if err := s.matches.Create(inner, m); err != nil {
			return fmt.Errorf("create intent match: %w", err)
		}
		sessions, err := s.sessions.ListByIntentIDs(inner, ids)
		if err != nil {
			return fmt.Errorf("list sessions for match: %w", err)
		}
		for _, sess := range sessions {
			if !broker.CanTransition(sess.State, domainbroker.StateMatched) {
				continue
			}
			if err := s.sessions.UpdateFields(inner, sess.ID, map[string]interface{}{
				"state":    string(domainbroker.StateMatched),
				"match_id": m.ID,
			}); err != nil {
				return fmt.Errorf("update session %s: %w", sess.ID, err)
			}
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *brokerService) Confirm(dbc dbctx.Context, matchID, userID uuid.UUID, now time.Time) (*types.IntentMatch, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.ErrUnauthorized
	}
	if now.IsZero() {
		now = time.Now()
	}
	var out *types.IntentMatch
	err := dbc.Conn(s.db).Transaction(func(tx *gorm.DB) error {
		inner := dbc.WithTx(tx)
		m, err := s.matches.LockByID(inner, matchID)
		if err != nil {
			return err
		}
		if m == nil {
			return fmt.Errorf("match %s: %w", matchID, pkgerrors.ErrNotFound)
		}
		if m.OrganizerID != userID {
			return fmt.Errorf("only the organizer may confirm: %w", pkgerrors.ErrForbidden)
		}
		if m.Outcome != domainbroker.MatchPending {
			return fmt.Errorf("match is %s: %w", m.Outcome, pkgerrors.ErrInvalidTransition)
		}
		if now.After(m.Deadline) {
			return fmt.Errorf("match %s: %w", matchID, pkgerrors.ErrDeadlinePassed)
		}
		members, err := s.intents.GetByIDs(inner, []uuid.UUID(m.IntentIDs))
		if err != nil {
			return fmt.Errorf("load match intents: %w", err)
		}
		if len(members) != len(m.IntentIDs) {
			return fmt.Errorf("match %s lost a member: %w", matchID, pkgerrors.ErrInvalidTransition)
		}
		for _, pi := range members {
			if pi.Status != domainbroker.IntentMatched {
				return fmt.Errorf("intent %s is %s: %w", pi.ID, pi.Status, pkgerrors.ErrInvalidTransition)
			}
		}
		at := now.UTC()
		if err := s.matches.UpdateFields(inner, m.ID, map[string]interface{}{
			"outcome":      domainbroker.MatchConfirmed,
			"confirmed_at": at,
		}); err != nil {
			return fmt.Errorf("confirm match: %w", err)
		}
		if err := s.moveMatchSessions(inner, m.ID, domainbroker.StateConfirmed); err != nil {
			return err
		}
		m.Outcome = domainbroker.MatchConfirmed
		m.ConfirmedAt = &at
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.Current().IncBrokerTransition(string(domainbroker.StateConfirmed))
	s.log.Info("Partner match confirmed", "match_id", out.ID, "organizer_id", userID)
	return out, nil
}

func (s *brokerService) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	if now.IsZero() {
		now = time.Now()
	}
	dbc := dbctx.Context{Ctx: ctx}
	expired := 0

	due, err := s.matches.ListPendingPastDeadline(dbc, now, brokerScanLimit)
	if err != nil {
		return 0, fmt.Errorf("list overdue matches: %w", err)
	}
	for _, m := range due {
		ok, err := s.expireMatch(dbc, m.ID, now)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
			observability.Current().IncBrokerTransition(string(domainbroker.StateExpired))
		}
	}

	stale, err := s.intents.ListExpirable(dbc, now, brokerScanLimit)
	if err != nil {
		return expired, fmt.Errorf("list expirable intents: %w", err)
	}
	if len(stale) == 0 {
		return expired, nil
	}
	ids := make([]uuid.UUID, len(stale))
	for i, in := range stale {
		ids[i] = in.ID
	}
	err = dbc.Conn(s.db).Transaction(func(tx *gorm.DB) error {
		inner := dbc.WithTx(tx)
		n, err := s.intents.SetStatus(inner, ids, domainbroker.IntentExpired, domainbroker.IntentActive)
		if err != nil {
			return fmt.Errorf("expire intents: %w", err)
		}
		expired += int(n)
		sessions, err := s.sessions.ListByIntentIDs(inner, ids)
		if err != nil {
			return fmt.Errorf("list sessions for expired intents: %w", err)
		}
		for _, sess := range sessions {
			if sess.State != domainbroker.StateIntentRecorded {
				continue
			}
			if err := s.sessions.UpdateFields(inner, sess.ID, map[string]interface{}{"state": string(domainbroker.StateExpired)}); err != nil {
				return fmt.Errorf("expire session %s: %w", sess.ID, err)
			}
			observability.Current().IncBrokerTransition(string(domainbroker.StateExpired))
		}
		return nil
	})
	return expired, err
}

func (s *brokerService) expireMatch(dbc dbctx.Context, matchID uuid.UUID, now time.Time) (bool, error) {
	changed := false
	err := dbc.Conn(s.db).Transaction(func(tx *gorm.DB) error {
		inner := dbc.WithTx(tx)
		m, err := s.matches.LockByID(inner, matchID)
		if err != nil || m == nil {
			return err
		}
		if m.Outcome != domainbroker.MatchPending || !now.After(m.Deadline) {
			return nil
		}
		if err := s.matches.UpdateFields(inner, m.ID, map[string]interface{}{"outcome": domainbroker.MatchExpired}); err != nil {
			return fmt.Errorf("expire match: %w", err)
		}
		if _, err := s.intents.SetStatus(inner, []uuid.UUID(m.IntentIDs), domainbroker.IntentExpired, domainbroker.IntentMatched); err != nil {
			return fmt.Errorf("expire matched intents: %w", err)
		}
		if err := s.moveMatchSessions(inner, m.ID, domainbroker.StateExpired); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

func (s *brokerService) moveMatchSessions(dbc dbctx.Context, matchID uuid.UUID, to domainbroker.State) error {
	sessions, err := s.sessions.ListByMatchID(dbc, matchID)
	if err != nil {
		return fmt.Errorf("list match sessions: %w", err)
	}
	for _, sess := range sessions {
		if !broker.CanTransition(sess.State, to) {
			continue
		}
		if err := s.sessions.UpdateFields(dbc, sess.ID, map[string]interface{}{"state": string(to)}); err != nil {
			return fmt.Errorf("update session %s: %w", sess.ID, err)
		}
	}
	return nil
}

func (s *brokerService) Cancel(dbc dbctx.Context, sessionID, userID uuid.UUID) (*types.BrokerSession, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.ErrUnauthorized
	}
	var out *types.BrokerSession
	err := dbc.Conn(s.db).Transaction(func(tx *gorm.DB) error {
		inner := dbc.WithTx(tx)
		sess, err := s.ownedSession(inner, sessionID, userID)
		if err != nil {
			return err
		}
		if err := broker.Transition(sess.State, domainbroker.StateCancelled); err != nil {
			return err
		}
		if sess.PartnerIntentID != nil {
			if _, err := s.intents.SetStatus(inner, []uuid.UUID{*sess.PartnerIntentID}, domainbroker.IntentCancelled, domainbroker.IntentActive, domainbroker.IntentMatched); err != nil {
				return fmt.Errorf("cancel partner intent: %w", err)
			}
		}
		if err := s.sessions.UpdateFields(inner, sess.ID, map[string]interface{}{"state": string(domainbroker.StateCancelled)}); err != nil {
			return fmt.Errorf("cancel broker session: %w", err)
		}
		if sess.MatchID != nil {
			if err := s.dissolveMatch(inner, *sess.MatchID, sess.ID); err != nil {
				return err
			}
		}
		sess.State = domainbroker.StateCancelled
		out = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.Current().IncBrokerTransition(string(domainbroker.StateCancelled))
	return out, nil
}

// dissolveMatch expires a pending match after a member left and returns the
// remaining members to the pool.
func (s *brokerService) dissolveMatch(dbc dbctx.Context, matchID, leaving uuid.UUID) error {
	m, err := s.matches.LockByID(dbc, matchID)
	if err != nil {
		return fmt.Errorf("lock match %s: %w", matchID, err)
	}
	if m == nil || m.Outcome != domainbroker.MatchPending {
		return nil
	}
	if err := s.matches.UpdateFields(dbc, m.ID, map[string]interface{}{"outcome": domainbroker.MatchExpired}); err != nil {
		return fmt.Errorf("dissolve match: %w", err)
	}
	if _, err := s.intents.SetStatus(dbc, []uuid.UUID(m.IntentIDs), domainbroker.IntentActive, domainbroker.IntentMatched); err != nil {
		return fmt.Errorf("return intents to pool: %w", err)
	}
	sessions, err := s.sessions.ListByMatchID(dbc, m.ID)
	if err != nil {
		return fmt.Errorf("list match sessions: %w", err)
	}
	for _, other := range sessions {
		if other.ID == leaving || !broker.CanTransition(other.State, domainbroker.StateIntentRecorded) {
			continue
		}
		if err := s.sessions.UpdateFields(dbc, other.ID, map[string]interface{}{
			"state":    string(domainbroker.StateIntentRecorded),
			"match_id": nil,
		}); err != nil {
			return fmt.Errorf("return session %s to pool: %w", other.ID, err)
		}
	}
	s.log.Info("Partner match dissolved", "match_id", m.ID, "left_session_id", leaving)
	return nil
}

func (s *brokerService) OpenSession(dbc dbctx.Context, userID uuid.UUID) (*types.BrokerSession, error) {
	if userID == uuid.Nil {
		return nil, nil
	}
	return s.sessions.LatestOpen(dbc, userID)
}

func (s *brokerService) ownedSession(dbc dbctx.Context, sessionID, userID uuid.UUID) (*types.BrokerSession, error) {
	sess, err := s.sessions.LockByID(dbc, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("broker session %s: %w", sessionID, pkgerrors.ErrNotFound)
	}
	if sess.UserID != userID {
		return nil, fmt.Errorf("broker session %s: %w", sessionID, pkgerrors.ErrForbidden)
	}
	return sess, nil
}
