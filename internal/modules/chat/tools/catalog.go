package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/huddle-backend/internal/data/repos"
	activityrepo "github.com/yungbote/huddle-backend/internal/data/repos/activity"
	types "github.com/yungbote/huddle-backend/internal/domain"
	domainactivity "github.com/yungbote/huddle-backend/internal/domain/activity"
	domainchat "github.com/yungbote/huddle-backend/internal/domain/chat"
	"github.com/yungbote/huddle-backend/internal/modules/broker"
	"github.com/yungbote/huddle-backend/internal/modules/chat/lexicon"
	"github.com/yungbote/huddle-backend/internal/modules/chat/router"
	"github.com/yungbote/huddle-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/huddle-backend/internal/pkg/errors"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

const (
	defaultSearchLimit = 6
	defaultRadiusKm    = 5.0
)

// Broker is the slice of the negotiation service the partner tools use.
type Broker interface {
	Clarify(ctx context.Context, c Call) (*types.BrokerSession, error)
	// Record answers the caller's clarifying session; sessionID may be Nil
	// to mean the caller's open session.
	Record(ctx context.Context, c Call, sessionID uuid.UUID, a broker.ClarifyAnswer) (*types.PartnerIntent, error)
	Confirm(ctx context.Context, c Call, matchID uuid.UUID) (*types.IntentMatch, error)
}

type Deps struct {
	Activities    repos.ActivityRepo
	Registrations repos.RegistrationRepo
	Broker        Broker
}

// EventCard is one activity as rendered in event_cards and draft_preview.
type EventCard struct {
	ID           uuid.UUID  `json:"id"`
	Title        string     `json:"title"`
	Category     string     `json:"category,omitempty"`
	LocationName string     `json:"location_name,omitempty"`
	StartAt      *time.Time `json:"start_at,omitempty"`
	Capacity     int        `json:"capacity,omitempty"`
	Status       string     `json:"status"`
}

// EventCards embeds the first card's title and place so later turns can
// resolve "that one" and "there".
type EventCards struct {
	ActivityTitle string      `json:"activity_title,omitempty"`
	LocationName  string      `json:"location_name,omitempty"`
	Events        []EventCard `json:"events"`
}

type DraftPreview struct {
	ActivityTitle string    `json:"activity_title,omitempty"`
	LocationName  string    `json:"location_name,omitempty"`
	Draft         EventCard `json:"draft"`
}

type PreferencePicker struct {
	Prompt       string   `json:"prompt"`
	Categories   []string `json:"categories"`
	NeedLocation bool     `json:"need_location"`
}

type MatchCard struct {
	MatchID     uuid.UUID   `json:"match_id"`
	Category    string      `json:"category"`
	Members     int         `json:"members"`
	OrganizerID uuid.UUID   `json:"organizer_id"`
	Deadline    time.Time   `json:"deadline"`
	Outcome     string      `json:"outcome"`
	UserIDs     []uuid.UUID `json:"user_ids,omitempty"`
}

func card(a *types.Activity) EventCard {
	return EventCard{
		ID:           a.ID,
		Title:        a.Title,
		Category:     a.Category,
		LocationName: a.LocationName,
		StartAt:      a.StartAt,
		Capacity:     a.Capacity,
		Status:       a.Status,
	}
}

func cards(rows []*types.Activity) EventCards {
	out := EventCards{Events: make([]EventCard, 0, len(rows))}
	for _, a := range rows {
		out.Events = append(out.Events, card(a))
	}
	if len(rows) > 0 {
		out.ActivityTitle = rows[0].Title
		out.LocationName = rows[0].LocationName
	}
	return out
}

func preview(a *types.Activity) Result {
	id := a.ID
	return Result{
		Widget:   domainchat.KindDraftPreview,
		EntityID: &id,
		Content:  DraftPreview{ActivityTitle: a.Title, LocationName: a.LocationName, Draft: card(a)},
	}
}

// Default registers every tool the router can hand out.
func Default(log *logger.Logger, deps Deps) (*Registry, error) {
	r := NewRegistry(log)
	h := handlers{deps: deps}
	all := []Tool{
		{
			Name:        router.ToolSearchEvents,
			Description: "Search published activities by category, keyword and time range.",
			Parameters: object(map[string]any{
				"category": str("Activity category id such as hotpot or badminton."),
				"keyword":  str("Free text matched against titles."),
				"after":    str("RFC3339 lower bound on start time."),
				"before":   str("RFC3339 upper bound on start time."),
				"limit":    num("Maximum results, default 6."),
			}),
			Call: h.searchEvents,
		},
		{
			Name:        router.ToolSearchNearby,
			Description: "Search published activities near the user's shared location.",
			Parameters: object(map[string]any{
				"category":  str("Optional activity category id."),
				"radius_km": num("Search radius in kilometres, default 5."),
			}),
			Call: h.searchNearby,
		},
		{
			Name:        router.ToolAskPreference,
			Description: "Show a picker so the user can choose a category or share location.",
			Parameters:  object(map[string]any{"prompt": str("Question shown above the picker.")}),
			Call:        h.askPreference,
		},
		{
			Name:        router.ToolCreateDraft,
			Description: "Create an unpublished activity draft owned by the user.",
			Parameters: object(map[string]any{
				"title":         str("Activity title."),
				"category":      str("Activity category id."),
				"location_name": str("Where it happens."),
				"start_at":      str("RFC3339 start time."),
				"capacity":      num("Maximum participants."),
			}, "title"),
			RequiresIdentity: true,
			Call:             h.createDraft,
		},
		{
			Name:        router.ToolRefineDraft,
			Description: "Change fields of the user's current draft.",
			Parameters: object(map[string]any{
				"activity_id":   str("Draft id; defaults to the open draft."),
				"title":         str("New title."),
				"location_name": str("New location."),
				"start_at":      str("New RFC3339 start time."),
				"capacity":      num("New capacity."),
			}),
			RequiresIdentity: true,
			Call:             h.refineDraft,
		},
		{
			Name:             router.ToolPublishDraft,
			Description:      "Publish the user's current draft.",
			Parameters:       object(map[string]any{"activity_id": str("Draft id; defaults to the open draft.")}),
			RequiresIdentity: true,
			Call:             h.publishDraft,
		},
		{
			Name:             router.ToolListMyEvents,
			Description:      "List activities the user joined or organizes.",
			Parameters:       object(nil),
			RequiresIdentity: true,
			Call:             h.listMyEvents,
		},
		{
			Name:             router.ToolCancelRegistration,
			Description:      "Cancel the user's registration for an activity.",
			Parameters:       object(map[string]any{"activity_id": str("Activity id.")}, "activity_id"),
			RequiresIdentity: true,
			Call:             h.setRegistration(activityrepo.RegistrationCancelled),
		},
		{
			Name:             router.ToolJoinEvent,
			Description:      "Register the user for a published activity.",
			Parameters:       object(map[string]any{"activity_id": str("Activity id.")}, "activity_id"),
			RequiresIdentity: true,
			Call:             h.setRegistration(activityrepo.RegistrationActive),
		},
		{
			Name:        router.ToolBrokerClarify,
			Description: "Ask the user one structured round of questions before looking for partners.",
			Parameters:  object(nil),
			Call:        h.brokerClarify,
		},
		{
			Name:        router.ToolRecordPartner,
			Description: "Record the user's answered partner request so it can be matched.",
			Parameters: object(map[string]any{
				"session_id":   str("Broker session id; defaults to the open session."),
				"category":     str("Activity category id."),
				"time_window":  str("tonight, tomorrow, weekend, weekday_evening or flexible."),
				"cost_sharing": str("aa, organizer_pays or free."),
				"location":     str("Preferred area."),
				"constraints":  str("Anything else, comma separated."),
			}),
			RequiresIdentity: true,
			Call:             h.recordPartner,
		},
		{
			Name:             router.ToolConfirmMatch,
			Description:      "Confirm a pending partner match the user organizes.",
			Parameters:       object(map[string]any{"match_id": str("Match id.")}, "match_id"),
			RequiresIdentity: true,
			Call:             h.confirmMatch,
		},
	}
	for _, t := range all {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

type handlers struct {
	deps Deps
}

func (h handlers) searchEvents(ctx context.Context, c Call) (Result, error) {
	after, err := argTime(c.Args, "after")
	if err != nil {
		return Result{}, err
	}
	before, err := argTime(c.Args, "before")
	if err != nil {
		return Result{}, err
	}
	f := activityrepo.SearchFilter{
		Category: categoryArg(c),
		Keyword:  argString(c.Args, "keyword"),
		Limit:    argInt(c.Args, "limit"),
	}
	if f.Limit <= 0 {
		f.Limit = defaultSearchLimit
	}
	if after != nil {
		f.After = *after
	} else {
		f.After = c.Now
	}
	if before != nil {
		f.Before = *before
	}
	rows, err := h.deps.Activities.Search(dbctx.Context{Ctx: ctx}, f)
	if err != nil {
		return Result{}, fmt.Errorf("search activities: %w", err)
	}
	return Result{Widget: domainchat.KindEventCards, Content: cards(rows), Empty: len(rows) == 0}, nil
}

func (h handlers) searchNearby(ctx context.Context, c Call) (Result, error) {
	if c.Point == nil {
		return Result{
			Widget:  domainchat.KindPreferencePicker,
			Content: PreferencePicker{Prompt: "Share your location to see what's nearby.", Categories: lexicon.Categories(), NeedLocation: true},
		}, nil
	}
	radius, ok := argFloat(c.Args, "radius_km")
	if !ok || radius <= 0 {
		radius = defaultRadiusKm
	}
	rows, err := h.deps.Activities.Search(dbctx.Context{Ctx: ctx}, activityrepo.SearchFilter{
		Category: categoryArg(c),
		After:    c.Now,
		HasPoint: true,
		Lat:      c.Point.Lat,
		Lng:      c.Point.Lng,
		RadiusKm: radius,
		Limit:    defaultSearchLimit,
	})
	if err != nil {
		return Result{}, fmt.Errorf("search nearby: %w", err)
	}
	return Result{Widget: domainchat.KindEventCards, Content: cards(rows), Empty: len(rows) == 0}, nil
}

func (h handlers) askPreference(_ context.Context, c Call) (Result, error) {
	prompt := argString(c.Args, "prompt")
	if prompt == "" {
		prompt = "想玩点什么？ / What are you in the mood for?"
	}
	return Result{
		Widget: domainchat.KindPreferencePicker,
		Content: PreferencePicker{
			Prompt:       prompt,
			Categories:   rankedCategories(c.Profile),
			NeedLocation: c.Point == nil,
		},
	}, nil
}

func (h handlers) createDraft(ctx context.Context, c Call) (Result, error) {
	title := argString(c.Args, "title")
	if title == "" {
		return Result{}, fmt.Errorf("title is required: %w", pkgerrors.ErrInvalidArgument)
	}
	startAt, err := argTime(c.Args, "start_at")
	if err != nil {
		return Result{}, err
	}
	category := lexicon.Normalize(argString(c.Args, "category"))
	if category == "" {
		category, _ = lexicon.Detect(title + " " + c.Utterance)
	}
	a := &types.Activity{
		OrganizerID:  c.UserID,
		Title:        title,
		Category:     category,
		LocationName: argString(c.Args, "location_name"),
		StartAt:      startAt,
		Capacity:     argInt(c.Args, "capacity"),
		Status:       domainactivity.StatusDraft,
	}
	if c.Point != nil && a.LocationName == "" {
		lat, lng := c.Point.Lat, c.Point.Lng
		a.Lat, a.Lng, a.LocationName = &lat, &lng, c.Point.Name
	}
	if err := h.deps.Activities.Create(dbctx.Context{Ctx: ctx}, a); err != nil {
		return Result{}, fmt.Errorf("create draft: %w", err)
	}
	return preview(a), nil
}

func (h handlers) ownedDraft(ctx context.Context, c Call) (*types.Activity, error) {
	dbc := dbctx.Context{Ctx: ctx}
	id, err := argUUID(c.Args, "activity_id")
	if err != nil {
		return nil, err
	}
	if id == uuid.Nil && c.Draft != nil {
		id = c.Draft.ActivityID
	}
	var a *types.Activity
	if id != uuid.Nil {
		a, err = h.deps.Activities.GetByID(dbc, id)
	} else {
		a, err = h.deps.Activities.LatestDraft(dbc, c.UserID)
	}
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("draft: %w", pkgerrors.ErrNotFound)
	}
	if a.OrganizerID != c.UserID {
		return nil, fmt.Errorf("draft %s: %w", a.ID, pkgerrors.ErrForbidden)
	}
	if a.Status != domainactivity.StatusDraft {
		return nil, fmt.Errorf("activity %s is %s: %w", a.ID, a.Status, pkgerrors.ErrInvalidTransition)
	}
	return a, nil
}

func (h handlers) refineDraft(ctx context.Context, c Call) (Result, error) {
	a, err := h.ownedDraft(ctx, c)
	if err != nil {
		return Result{}, err
	}
	updates := map[string]interface{}{}
	if v := argString(c.Args, "title"); v != "" {
		updates["title"], a.Title = v, v
	}
	if v := argString(c.Args, "location_name"); v != "" {
		updates["location_name"], a.LocationName = v, v
	}
	startAt, err := argTime(c.Args, "start_at")
	if err != nil {
		return Result{}, err
	}
	if startAt != nil {
		updates["start_at"], a.StartAt = startAt.UTC(), startAt
	}
	if v := argInt(c.Args, "capacity"); v > 0 {
		updates["capacity"], a.Capacity = v, v
	}
	if len(updates) > 0 {
		if err := h.deps.Activities.UpdateFields(dbctx.Context{Ctx: ctx}, a.ID, updates); err != nil {
			return Result{}, fmt.Errorf("refine draft: %w", err)
		}
	}
	return preview(a), nil
}

func (h handlers) publishDraft(ctx context.Context, c Call) (Result, error) {
	a, err := h.ownedDraft(ctx, c)
	if err != nil {
		return Result{}, err
	}
	if a.StartAt == nil {
		return Result{}, fmt.Errorf("a start time is required before publishing: %w", pkgerrors.ErrInvalidArgument)
	}
	if err := h.deps.Activities.UpdateFields(dbctx.Context{Ctx: ctx}, a.ID, map[string]interface{}{
		"status": domainactivity.StatusPublished,
	}); err != nil {
		return Result{}, fmt.Errorf("publish draft: %w", err)
	}
	a.Status = domainactivity.StatusPublished
	return preview(a), nil
}

func (h handlers) listMyEvents(ctx context.Context, c Call) (Result, error) {
	dbc := dbctx.Context{Ctx: ctx}
	joined, err := h.deps.Registrations.ListActivitiesByUser(dbc, c.UserID, 20)
	if err != nil {
		return Result{}, fmt.Errorf("list registrations: %w", err)
	}
	organized, err := h.deps.Activities.ListByOrganizer(dbc, c.UserID, 20)
	if err != nil {
		return Result{}, fmt.Errorf("list organized: %w", err)
	}
	seen := map[uuid.UUID]bool{}
	rows := make([]*types.Activity, 0, len(joined)+len(organized))
	for _, a := range append(joined, organized...) {
		if seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		rows = append(rows, a)
	}
	return Result{Widget: domainchat.KindEventCards, Content: cards(rows), Empty: len(rows) == 0}, nil
}

func (h handlers) setRegistration(status string) func(ctx context.Context, c Call) (Result, error) {
	return func(ctx context.Context, c Call) (Result, error) {
		id, err := argUUID(c.Args, "activity_id")
		if err != nil {
			return Result{}, err
		}
		if id == uuid.Nil {
			return Result{}, fmt.Errorf("activity_id is required: %w", pkgerrors.ErrInvalidArgument)
		}
		dbc := dbctx.Context{Ctx: ctx}
		a, err := h.deps.Activities.GetByID(dbc, id)
		if err != nil {
			return Result{}, err
		}
		if a == nil {
			return Result{}, fmt.Errorf("activity %s: %w", id, pkgerrors.ErrNotFound)
		}
		if status == activityrepo.RegistrationActive && a.Status != domainactivity.StatusPublished {
			return Result{}, fmt.Errorf("activity %s is %s: %w", id, a.Status, pkgerrors.ErrInvalidTransition)
		}
		if err := h.deps.Registrations.Upsert(dbc, id, c.UserID, status); err != nil {
			return Result{}, fmt.Errorf("update registration: %w", err)
		}
		aid := a.ID
		return Result{
			Widget:   domainchat.KindEventCards,
			EntityID: &aid,
			Content:  map[string]any{"registration": status, "activity": card(a)},
		}, nil
	}
}

func (h handlers) brokerClarify(ctx context.Context, c Call) (Result, error) {
	if !c.Authenticated() {
		// Anonymous callers still see the questions; nothing is stored.
		form := broker.BuildForm(uuid.Nil, c.Utterance, c.Profile)
		return Result{Widget: domainchat.KindClarifyForm, Content: form}, nil
	}
	if h.deps.Broker == nil {
		return Result{}, fmt.Errorf("broker is not configured")
	}
	sess, err := h.deps.Broker.Clarify(ctx, c)
	if err != nil {
		return Result{}, err
	}
	if sess.Fresh {
		c.Turn.MarkOpened(sess.ID)
	}
	return Result{Widget: domainchat.KindClarifyForm, Content: sess.Form.Data()}, nil
}

func (h handlers) recordPartner(ctx context.Context, c Call) (Result, error) {
	if h.deps.Broker == nil {
		return Result{}, fmt.Errorf("broker is not configured")
	}
	sessionID, err := argUUID(c.Args, "session_id")
	if err != nil {
		return Result{}, err
	}
	// The form shown this turn has not been answered yet.
	if c.Turn.Opened(sessionID) || (sessionID == uuid.Nil && c.Turn.AnyOpened()) {
		return Result{}, fmt.Errorf("clarify form has not been answered: %w", pkgerrors.ErrInvalidTransition)
	}
	answer := broker.ClarifyAnswer{
		Category:    argString(c.Args, "category"),
		TimeWindow:  argString(c.Args, "time_window"),
		CostSharing: argString(c.Args, "cost_sharing"),
		Location:    argString(c.Args, "location"),
		Constraints: argString(c.Args, "constraints"),
	}
	pi, err := h.deps.Broker.Record(ctx, c, sessionID, answer)
	if err != nil {
		return Result{}, err
	}
	return Result{Content: map[string]any{
		"intent_id":       pi.ID,
		"category":        pi.Category,
		"time_preference": pi.TimePreference,
		"cost_sharing":    pi.CostSharing,
		"expires_at":      pi.ExpiresAt,
		"status":          pi.Status,
	}}, nil
}

func (h handlers) confirmMatch(ctx context.Context, c Call) (Result, error) {
	if h.deps.Broker == nil {
		return Result{}, fmt.Errorf("broker is not configured")
	}
	id, err := argUUID(c.Args, "match_id")
	if err != nil {
		return Result{}, err
	}
	if id == uuid.Nil {
		return Result{}, fmt.Errorf("match_id is required: %w", pkgerrors.ErrInvalidArgument)
	}
	m, err := h.deps.Broker.Confirm(ctx, c, id)
	if err != nil {
		return Result{}, err
	}
	return Result{Widget: domainchat.KindMatchCard, Content: MatchCardFrom(m)}, nil
}

func MatchCardFrom(m *types.IntentMatch) MatchCard {
	return MatchCard{
		MatchID:     m.ID,
		Category:    m.Category,
		Members:     len(m.UserIDs),
		OrganizerID: m.OrganizerID,
		Deadline:    m.Deadline,
		Outcome:     m.Outcome,
		UserIDs:     []uuid.UUID(m.UserIDs),
	}
}

// categoryArg prefers the model's argument and falls back to the category
// named in the user's own words.
func categoryArg(c Call) string {
	if v := argString(c.Args, "category"); v != "" {
		return lexicon.Normalize(v)
	}
	cat, _ := lexicon.Detect(c.Utterance)
	return cat
}

// rankedCategories lists the user's liked categories first, then the rest.
func rankedCategories(p *types.WorkingProfile) []string {
	all := lexicon.Categories()
	if p == nil {
		return all
	}
	out := make([]string, 0, len(all))
	seen := map[string]bool{}
	for _, pref := range p.Preferences {
		if pref.Sentiment != domainchat.SentimentPositive || seen[pref.Category] || !lexicon.Known(pref.Category) {
			continue
		}
		seen[pref.Category] = true
		out = append(out, pref.Category)
	}
	disliked := map[string]bool{}
	for _, pref := range p.Preferences {
		if pref.Sentiment == domainchat.SentimentNegative {
			disliked[pref.Category] = true
		}
	}
	for _, c := range all {
		if !seen[c] && !disliked[c] {
			out = append(out, c)
		}
	}
	return out
}
