package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"

	"github.com/yungbote/huddle-backend/internal/data/repos"
	types "github.com/yungbote/huddle-backend/internal/domain"
	domainbroker "github.com/yungbote/huddle-backend/internal/domain/broker"
	domainchat "github.com/yungbote/huddle-backend/internal/domain/chat"
	"github.com/yungbote/huddle-backend/internal/jobs/worker"
	"github.com/yungbote/huddle-backend/internal/modules/broker"
	"github.com/yungbote/huddle-backend/internal/modules/chat/enrich"
	"github.com/yungbote/huddle-backend/internal/modules/chat/guardrail"
	"github.com/yungbote/huddle-backend/internal/modules/chat/intent"
	"github.com/yungbote/huddle-backend/internal/modules/chat/output"
	"github.com/yungbote/huddle-backend/internal/modules/chat/router"
	"github.com/yungbote/huddle-backend/internal/modules/chat/tools"
	"github.com/yungbote/huddle-backend/internal/observability"
	"github.com/yungbote/huddle-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/huddle-backend/internal/pkg/errors"
	"github.com/yungbote/huddle-backend/internal/platform/apierr"
	"github.com/yungbote/huddle-backend/internal/platform/ctxutil"
	"github.com/yungbote/huddle-backend/internal/platform/llm"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

const (
	MaxToolRounds    = 3
	CodeGuardrail    = "guardrail_blocked"
	codeModelFailure = "model_unavailable"
)

var timeNow = time.Now

type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"max=8000"`
}

type ChatLocation struct {
	Lat  float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng  float64 `json:"lng" validate:"gte=-180,lte=180"`
	Name string  `json:"name,omitempty"`
}

type DraftFields struct {
	Title        string     `json:"title,omitempty"`
	LocationName string     `json:"locationName,omitempty"`
	StartAt      *time.Time `json:"startAt,omitempty"`
	Capacity     int        `json:"capacity,omitempty"`
}

type DraftContext struct {
	ActivityID   uuid.UUID    `json:"activityId"`
	CurrentDraft *DraftFields `json:"currentDraft,omitempty"`
}

type ChatRequest struct {
	Messages       []ChatMessage `json:"messages" validate:"required,min=1,dive"`
	Location       *ChatLocation `json:"location,omitempty"`
	ThreadID       *uuid.UUID    `json:"threadId,omitempty"`
	DraftContext   *DraftContext `json:"draftContext,omitempty"`
	TraceRequested bool          `json:"traceRequested,omitempty"`
}

type Widget struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

type TurnTrace struct {
	Classification intent.ClassifyResult `json:"classification"`
	Route          router.Decision       `json:"route"`
	Enrichment     []enrich.TraceEntry   `json:"enrichment"`
	Spans          []observability.Span  `json:"spans"`
	DroppedSpans   int                   `json:"droppedSpans,omitempty"`
}

type ChatResponse struct {
	ThreadID        *uuid.UUID `json:"threadId,omitempty"`
	MessageID       *uuid.UUID `json:"messageId,omitempty"`
	Text            string     `json:"text"`
	Intent          string     `json:"intent,omitempty"`
	Confidence      float64    `json:"confidence,omitempty"`
	Agent           string     `json:"agent,omitempty"`
	Tools           []string   `json:"tools,omitempty"`
	Widgets         []Widget   `json:"widgets,omitempty"`
	BrokerSessionID *uuid.UUID `json:"brokerSessionId,omitempty"`
	Code            string     `json:"code,omitempty"`
	Interrupted     bool       `json:"interrupted,omitempty"`
	Trace           *TurnTrace `json:"trace,omitempty"`
}

// ConversationService is the single entry point for a chat turn.
type ConversationService interface {
	// Converse handles one turn. onDelta, when non-nil, receives reply text as
	// it streams. A guardrail block is not an error: the response carries a
	// refusal and Code guardrail_blocked.
	Converse(ctx context.Context, req ChatRequest, onDelta func(string)) (*ChatResponse, error)
	// Hint classifies the last user message with rules only, for callers
	// that want an answer before the model runs. ok is false when no rule
	// matched.
	Hint(req ChatRequest) (hint IntentHint, ok bool)
}

type IntentHint struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	RuleID     string  `json:"ruleId,omitempty"`
}

type ConversationDeps struct {
	Log            *logger.Logger
	Provider       llm.Provider
	Memory         MemoryService
	Context        ContextBuilder
	Quota          QuotaService
	Broker         BrokerService
	Classifier     *intent.Classifier
	Enricher       *enrich.Pipeline
	Router         *router.Router
	Tools          *tools.Registry
	SecurityEvents repos.SecurityEventRepo
	Tasks          TaskSubmitter
	Location       *time.Location
	AuxTimeout     time.Duration
}

type conversationService struct {
	deps ConversationDeps
	log  *logger.Logger
	out  *output.Chain
}

func NewConversationService(deps ConversationDeps) ConversationService {
	if deps.AuxTimeout <= 0 {
		deps.AuxTimeout = DefaultAuxTimeout
	}
	if deps.Router == nil {
		deps.Router = router.New(nil)
	}
	s := &conversationService{
		deps: deps,
		log:  deps.Log.With("service", "ConversationService"),
	}
	s.out = output.NewChain(deps.Log,
		output.Guard{},
		output.Func("persist", s.persistReply),
		output.Func("extract", s.enqueueExtraction),
	)
	return s
}

// turn carries per-request state between the stages of Converse.
type turn struct {
	userID    uuid.UUID
	rc        *RuntimeContext
	userMsgID uuid.UUID
	now       time.Time
	utterance string
	widgets   []Widget
	session   *types.BrokerSession
	entityID  *uuid.UUID
	tools     *tools.TurnState
}

func (s *conversationService) Converse(ctx context.Context, req ChatRequest, onDelta func(string)) (*ChatResponse, error) {
	buf := observability.NewTraceBuffer(observability.DefaultTraceCapacity)
	ctx = observability.WithTraceBuffer(ctx, buf)
	ctx, span := observability.StartSpan(ctx, "chat.converse")
	defer span.End()
	endTurn := buf.Start("converse", nil)

	rd := ctxutil.GetRequestData(ctx)
	t := &turn{now: timeNow(), tools: &tools.TurnState{}}
	if rd.Authenticated() {
		t.userID = rd.UserID
	}
	t.utterance = lastUserMessage(req.Messages)
	if strings.TrimSpace(t.utterance) == "" {
		endTurn()
		return nil, fmt.Errorf("a user message is required: %w", pkgerrors.ErrInvalidArgument)
	}

	if resp, blocked := s.guard(ctx, t, onDelta); blocked {
		endTurn()
		return resp, nil
	}

	endQuota := buf.Start("quota", nil)
	if _, err := s.deps.Quota.Consume(ctx, t.now); err != nil {
		endQuota()
		endTurn()
		if errors.Is(err, pkgerrors.ErrQuotaExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("consume quota: %w", err)
	}
	endQuota()

	endCtx := buf.Start("context", nil)
	rc, err := s.deps.Context.BuildContext(dbctx.Context{Ctx: ctx}, BuildInput{
		UserID:   t.userID,
		Location: pointFrom(req.Location),
		ThreadID: req.ThreadID,
		Draft:    draftFrom(req.DraftContext),
		Now:      t.now,

		Utterance: t.utterance,
	})
	endCtx()
	if err != nil {
		endTurn()
		return nil, fmt.Errorf("build context: %w", err)
	}
	t.rc = rc

	if rc.Thread != nil {
		saved, err := s.deps.Memory.AppendMessages(dbctx.Context{Ctx: ctx}, rc.Thread.ID, []*types.Message{{
			UserID:  t.userID,
			Role:    domainchat.RoleUser,
			Content: t.utterance,
		}}, t.now)
		if err != nil {
			endTurn()
			return nil, fmt.Errorf("persist user message: %w", err)
		}
		t.userMsgID = saved[0].ID
		if s.deps.Tasks != nil {
			s.deps.Tasks.Submit(worker.Task{Kind: TaskEmbedMessage, Payload: EmbedMessagePayload{MessageID: t.userMsgID}})
		}
	}

	endEnrich := buf.Start("enrich", nil)
	enriched := s.deps.Enricher.Run(ctx, toEnrichMessages(req.Messages), &enrich.Context{
		Now:               t.now,
		Location:          s.deps.Location,
		UserID:            t.userID,
		Point:             rc.Location,
		Draft:             rc.Draft,
		History:           historyTurns(rc.History),
		Preferences:       s.preferenceSource(),
		PreferenceTimeout: s.deps.AuxTimeout,
	})
	endEnrich()

	endClassify := buf.Start("classify", nil)
	cls := s.deps.Classifier.Classify(ctx, t.utterance, intent.ClassifyContext{HasDraft: rc.Draft != nil})
	endClassify()
	span.SetAttributes(attribute.String("chat.intent", string(cls.Intent)), attribute.String("chat.classify_method", cls.Method))

	decision := s.deps.Router.Route(cls.Intent, router.Flags{
		HasLocation:     rc.Location != nil,
		IsAuthenticated: t.userID != uuid.Nil,
		HasDraft:        rc.Draft != nil,
	})
	observability.Current().IncRouted(decision.Agent)
	agent := s.deps.Router.Catalog().ForIntent(cls.Intent)

	if cls.Intent == intent.Partner {
		s.startBroker(ctx, t, domainbroker.TriggerUtterance)
		if t.tools.AnyOpened() {
			decision.Tools = without(decision.Tools, router.ToolRecordPartner)
		}
	}

	endAgent := buf.Start("agent", map[string]string{"agent": agent.Name})
	reply, interrupted, emptySearch, err := s.runAgent(ctx, t, agent, decision, enriched, onDelta)
	endAgent()
	if err != nil {
		endTurn()
		return nil, err
	}

	if cls.Intent == intent.Explore && emptySearch && t.session == nil && !interrupted {
		s.startBroker(ctx, t, domainbroker.TriggerEmptySearch)
	}

	ot := &output.Turn{
		ThreadID:    rc.ThreadID(),
		UserID:      t.userID,
		Text:        reply,
		Kind:        domainchat.KindText,
		EntityID:    t.entityID,
		Interrupted: interrupted,
	}
	if n := len(t.widgets); n > 0 {
		ot.Kind, ot.Payload = t.widgets[n-1].Kind, t.widgets[n-1].Payload
	}
	outCtx := ctx
	if interrupted {
		outCtx = context.WithoutCancel(ctx)
	}
	endOut := buf.Start("output", nil)
	if err := s.out.Run(outCtx, ot); err != nil {
		s.log.Error("Output processing failed", "thread_id", ot.ThreadID, "error", err)
	}
	endOut()
	endTurn()

	resp := &ChatResponse{
		Text:        ot.Text,
		Intent:      string(cls.Intent),
		Confidence:  cls.Confidence,
		Agent:       decision.Agent,
		Tools:       decision.Tools,
		Widgets:     t.widgets,
		Interrupted: interrupted,
	}
	if rc.Thread != nil {
		id := rc.Thread.ID
		resp.ThreadID = &id
	}
	if ot.MessageID != uuid.Nil {
		id := ot.MessageID
		resp.MessageID = &id
	}
	if t.session != nil {
		id := t.session.ID
		resp.BrokerSessionID = &id
	}
	if req.TraceRequested {
		resp.Trace = &TurnTrace{
			Classification: cls,
			Route:          decision,
			Enrichment:     enriched.Trace,
			Spans:          buf.Spans(),
			DroppedSpans:   buf.Dropped(),
		}
	}
	return resp, nil
}

func (s *conversationService) Hint(req ChatRequest) (IntentHint, bool) {
	text := lastUserMessage(req.Messages)
	if text == "" || guardrail.Check(text).Blocked {
		return IntentHint{}, false
	}
	res, ok := s.deps.Classifier.ClassifyRules(text, intent.ClassifyContext{HasDraft: req.DraftContext != nil})
	if !ok {
		return IntentHint{}, false
	}
	return IntentHint{Intent: string(res.Intent), Confidence: res.Confidence, RuleID: res.RuleID}, true
}

// guard short-circuits disallowed content before any quota, tool or model use.
func (s *conversationService) guard(ctx context.Context, t *turn, onDelta func(string)) (*ChatResponse, bool) {
	v := guardrail.Check(t.utterance)
	if !v.Blocked {
		return nil, false
	}
	observability.Current().IncSecurityEvent(v.Category)
	ev := &types.SecurityEvent{
		Category:  v.Category,
		RuleID:    v.RuleID,
		Excerpt:   guardrail.Excerpt(t.utterance),
		CreatedAt: t.now.UTC(),
	}
	if t.userID != uuid.Nil {
		uid := t.userID
		ev.UserID = &uid
	}
	if err := s.deps.SecurityEvents.Create(dbctx.Context{Ctx: context.WithoutCancel(ctx)}, ev); err != nil {
		s.log.Error("Failed to record security event", "category", v.Category, "error", err)
	}
	s.log.Warn("Guardrail blocked message", "category", v.Category, "rule_id", v.RuleID, "user_id", t.userID)
	refusal := guardrail.Refusal(t.utterance)
	if onDelta != nil {
		onDelta(refusal)
	}
	return &ChatResponse{Text: refusal, Code: CodeGuardrail}, true
}

func (s *conversationService) startBroker(ctx context.Context, t *turn, trigger string) {
	if t.userID == uuid.Nil || s.deps.Broker == nil {
		if trigger == domainbroker.TriggerUtterance {
			form := broker.BuildForm(uuid.Nil, t.utterance, t.rc.Profile)
			t.widgets = append(t.widgets, Widget{Kind: domainchat.KindClarifyForm, Payload: form})
		}
		return
	}
	var threadID *uuid.UUID
	if t.rc.Thread != nil {
		id := t.rc.Thread.ID
		threadID = &id
	}
	sess, err := s.deps.Broker.Start(dbctx.Context{Ctx: ctx}, StartInput{
		UserID:    t.userID,
		ThreadID:  threadID,
		Utterance: t.utterance,
		Trigger:   trigger,
		Profile:   t.rc.Profile,
		Now:       t.now,
	})
	if err != nil {
		s.log.Warn("Broker start failed", "trigger", trigger, "error", err)
		return
	}
	t.session = sess
	if sess.Fresh {
		t.tools.MarkOpened(sess.ID)
	}
	t.widgets = append(t.widgets, Widget{Kind: domainchat.KindClarifyForm, Payload: sess.Form.Data()})
}

func (s *conversationService) runAgent(
	ctx context.Context,
	t *turn,
	agent router.Agent,
	decision router.Decision,
	enriched enrich.Result,
	onDelta func(string),
) (reply string, interrupted bool, emptySearch bool, err error) {
	block := enrich.MergeBlocks(enriched.Block, recallBlock(t.rc.Recalled))
	if t.session != nil {
		block = enrich.MergeBlocks(block, fmt.Sprintf("[broker]\nsession_id: %s\nstate: %s\nA clarify form is already on screen; do not ask its questions again.", t.session.ID, t.session.State))
	}
	req := llm.TextRequest{
		Instructions: enrich.InjectBlock(agent.Instructions, block),
		Messages:     s.modelMessages(t, enriched.Messages),
		Tools:        s.deps.Tools.Specs(decision.Tools),
		Temperature:  agent.Temperature,
		MaxTokens:    agent.MaxTokens,
	}
	allowed := make(map[string]bool, len(decision.Tools))
	for _, name := range decision.Tools {
		allowed[name] = true
	}

	var sb strings.Builder
	stream := func(d string) {
		sb.WriteString(d)
		if onDelta != nil {
			onDelta(d)
		}
	}

	for round := 0; ; round++ {
		if round >= MaxToolRounds {
			req.Tools = nil
		}
		gen, genErr := s.deps.Provider.StreamText(ctx, req, stream)
		if genErr != nil {
			if ctx.Err() != nil {
				s.log.Info("Client went away mid-reply; keeping partial text", "chars", sb.Len())
				return sb.String(), true, emptySearch, nil
			}
			return "", false, false, apierr.New(http.StatusBadGateway, codeModelFailure, fmt.Errorf("model call: %w", genErr))
		}
		if len(gen.ToolCalls) == 0 || req.Tools == nil {
			if sb.Len() == 0 && gen.Text != "" {
				sb.WriteString(gen.Text)
			}
			return sb.String(), false, emptySearch, nil
		}

		req.Messages = append(req.Messages, llm.ChatMessage{Role: llm.RoleAssistant, Content: gen.Text, ToolCalls: gen.ToolCalls})
		for _, call := range gen.ToolCalls {
			content, empty := s.callTool(ctx, t, call, allowed)
			if empty && (call.Name == router.ToolSearchEvents || call.Name == router.ToolSearchNearby) {
				emptySearch = true
			}
			req.Messages = append(req.Messages, llm.ChatMessage{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Content:    content,
			})
		}
	}
}

func (s *conversationService) callTool(ctx context.Context, t *turn, call llm.ToolCall, allowed map[string]bool) (string, bool) {
	end := observability.TraceFrom(ctx).Start("tool", map[string]string{"tool": call.Name})
	defer end()
	if !allowed[call.Name] {
		s.log.Warn("Model requested a tool outside its route", "tool", call.Name)
		return toolJSON(map[string]any{"error": "tool not available for this request"}), false
	}
	res, err := s.deps.Tools.Call(ctx, tools.Call{
		Name:      call.Name,
		Args:      call.Args(),
		UserID:    t.userID,
		ThreadID:  t.rc.ThreadID(),
		Utterance: t.utterance,
		Point:     t.rc.Location,
		Draft:     t.rc.Draft,
		Profile:   t.rc.Profile,
		Now:       t.now,
		Turn:      t.tools,
	})
	if err != nil {
		s.log.Info("Tool call failed", "tool", call.Name, "error", err)
		return toolJSON(map[string]any{"error": err.Error(), "code": apierr.From(err).Code}), false
	}
	if res.EntityID != nil {
		t.entityID = res.EntityID
	}
	if res.Widget != "" && res.Content != nil && !res.Empty {
		t.widgets = append(t.widgets, Widget{Kind: res.Widget, Payload: res.Content})
	}
	return toolJSON(map[string]any{"widget": res.Widget, "empty": res.Empty, "content": res.Content}), res.Empty
}

// recallBlock lists earlier turns that resemble this one, oldest first.
func recallBlock(hits []RecallHit) string {
	if len(hits) == 0 {
		return ""
	}
	sorted := make([]RecallHit, len(hits))
	copy(sorted, hits)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Message.CreatedAt.Before(sorted[j].Message.CreatedAt) })
	var sb strings.Builder
	sb.WriteString("[recalled]")
	for _, h := range sorted {
		content := strings.TrimSpace(h.Message.Content)
		if content == "" {
			continue
		}
		if r := []rune(content); len(r) > 120 {
			content = string(r[:120]) + "…"
		}
		fmt.Fprintf(&sb, "\n- %s %s: %s", h.Message.CreatedAt.Format("2006-01-02"), h.Message.Role, content)
	}
	return sb.String()
}

func toolJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"error":"unencodable tool result"}`
	}
	return string(b)
}

// modelMessages uses stored history when the thread has any, plus the
// enriched current message; otherwise the client's transcript.
func (s *conversationService) modelMessages(t *turn, enriched []enrich.Message) []llm.ChatMessage {
	if len(t.rc.History) == 0 {
		out := make([]llm.ChatMessage, 0, len(enriched))
		for _, m := range enriched {
			out = append(out, llm.ChatMessage{Role: m.Role, Content: m.Content})
		}
		return out
	}
	out := make([]llm.ChatMessage, 0, len(t.rc.History)+1)
	for _, m := range t.rc.History {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, llm.ChatMessage{Role: m.Role, Content: m.Content})
	}
	for i := len(enriched) - 1; i >= 0; i-- {
		if enriched[i].Role == domainchat.RoleUser {
			out = append(out, llm.ChatMessage{Role: llm.RoleUser, Content: enriched[i].Content})
			break
		}
	}
	return out
}

func (s *conversationService) persistReply(ctx context.Context, ot *output.Turn) error {
	if ot.ThreadID == uuid.Nil {
		return nil
	}
	status := domainchat.MessageStatusComplete
	if ot.Interrupted {
		status = domainchat.MessageStatusInterrupted
	}
	msg := &types.Message{
		UserID:   ot.UserID,
		Role:     domainchat.RoleAssistant,
		Kind:     ot.Kind,
		Content:  ot.Text,
		Status:   status,
		EntityID: ot.EntityID,
	}
	if ot.Payload != nil {
		b, err := json.Marshal(ot.Payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		msg.Payload = datatypes.JSON(b)
	}
	saved, err := s.deps.Memory.AppendMessages(dbctx.Context{Ctx: ctx}, ot.ThreadID, []*types.Message{msg}, timeNow())
	if err != nil {
		return err
	}
	ot.MessageID, ot.Seq = saved[0].ID, saved[0].Seq
	return nil
}

func (s *conversationService) enqueueExtraction(ctx context.Context, ot *output.Turn) error {
	if s.deps.Tasks == nil || ot.UserID == uuid.Nil || ot.ThreadID == uuid.Nil {
		return nil
	}
	s.deps.Tasks.Submit(worker.Task{
		Kind:    TaskExtractPreferences,
		Payload: ExtractPreferencesPayload{UserID: ot.UserID, ThreadID: ot.ThreadID},
	})
	if ot.MessageID != uuid.Nil {
		s.deps.Tasks.Submit(worker.Task{Kind: TaskEmbedMessage, Payload: EmbedMessagePayload{MessageID: ot.MessageID}})
	}
	return nil
}

func (s *conversationService) preferenceSource() enrich.PreferenceSource {
	if s.deps.Memory == nil {
		return nil
	}
	return s.deps.Memory
}

func without(names []string, drop string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != drop {
			out = append(out, n)
		}
	}
	return out
}

func lastUserMessage(msgs []ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domainchat.RoleUser {
			return strings.TrimSpace(msgs[i].Content)
		}
	}
	return ""
}

func toEnrichMessages(msgs []ChatMessage) []enrich.Message {
	out := make([]enrich.Message, len(msgs))
	for i, m := range msgs {
		out[i] = enrich.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func pointFrom(l *ChatLocation) *enrich.Point {
	if l == nil {
		return nil
	}
	return &enrich.Point{Lat: l.Lat, Lng: l.Lng, Name: l.Name}
}

func draftFrom(d *DraftContext) *enrich.Draft {
	if d == nil {
		return nil
	}
	out := &enrich.Draft{ActivityID: d.ActivityID}
	if c := d.CurrentDraft; c != nil {
		out.Title = c.Title
		out.LocationName = c.LocationName
		out.StartAt = c.StartAt
		out.Capacity = c.Capacity
	}
	return out
}

func historyTurns(msgs []*types.Message) []enrich.HistoryTurn {
	out := make([]enrich.HistoryTurn, 0, len(msgs))
	for _, m := range msgs {
		h := enrich.HistoryTurn{Role: m.Role, Content: m.Content}
		if len(m.Payload) > 0 {
			var ref domainchat.WidgetRef
			if err := json.Unmarshal(m.Payload, &ref); err == nil {
				h.ActivityTitle, h.LocationName = ref.ActivityTitle, ref.LocationName
			}
		}
		out = append(out, h)
	}
	return out
}
