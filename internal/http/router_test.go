package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/huddle-backend/internal/data/repos"
	"github.com/yungbote/huddle-backend/internal/data/repos/testutil"
	types "github.com/yungbote/huddle-backend/internal/domain"
	domainchat "github.com/yungbote/huddle-backend/internal/domain/chat"
	httpH "github.com/yungbote/huddle-backend/internal/http/handlers"
	httpMW "github.com/yungbote/huddle-backend/internal/http/middleware"
	"github.com/yungbote/huddle-backend/internal/http/response"
	"github.com/yungbote/huddle-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/huddle-backend/internal/pkg/errors"
	"github.com/yungbote/huddle-backend/internal/platform/ctxutil"
	"github.com/yungbote/huddle-backend/internal/services"
)

type stubConversation struct {
	err    error
	deltas []string
	seen   []services.ChatRequest
	users  []uuid.UUID
}

func (s *stubConversation) Hint(req services.ChatRequest) (services.IntentHint, bool) {
	if s.err != nil {
		return services.IntentHint{}, false
	}
	return services.IntentHint{Intent: "chitchat", Confidence: 0.95, RuleID: "chitchat.greeting"}, true
}

func (s *stubConversation) Converse(ctx context.Context, req services.ChatRequest, onDelta func(string)) (*services.ChatResponse, error) {
	s.seen = append(s.seen, req)
	s.users = append(s.users, ctxutil.GetRequestData(ctx).UserID)
	if s.err != nil {
		return nil, s.err
	}
	var text strings.Builder
	for _, d := range s.deltas {
		if onDelta != nil {
			onDelta(d)
		}
		text.WriteString(d)
	}
	return &services.ChatResponse{Text: text.String(), Intent: "chitchat"}, nil
}

type harness struct {
	engine *gin.Engine
	conv   *stubConversation
	auth   services.AuthService
	repos  repos.Repos
	memory services.MemoryService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.DB(t)
	log := testutil.Logger(t)
	r := repos.New(db, log)
	memory := services.NewMemoryService(db, log, r.Threads, r.Messages, r.Profiles, 0)
	broker := services.NewBrokerService(db, log, r.BrokerSessions, r.PartnerIntents, r.Matches, services.BrokerConfig{})
	auth := services.NewAuthService(log, "test-secret", time.Hour)
	conv := &stubConversation{deltas: []string{"你", "好"}}

	engine := NewRouter(RouterConfig{
		Log:            log,
		AuthMiddleware: httpMW.NewAuthMiddleware(log, auth),
		ChatHandler:    httpH.NewChatHandler(log, conv, memory),
		BrokerHandler:  httpH.NewBrokerHandler(log, broker),
		HealthHandler:  httpH.NewHealthHandler(db),
	})
	return &harness{engine: engine, conv: conv, auth: auth, repos: r, memory: memory}
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.engine.ServeHTTP(rec, req)
	return rec
}

func (h *harness) token(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	tok, err := h.auth.IssueAccessToken(userID)
	require.NoError(t, err)
	return tok
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) response.APIError {
	t.Helper()
	var env response.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error
}

var hello = map[string]any{"messages": []map[string]string{{"role": "user", "content": "你好"}}}

func TestHealthcheck(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, nethttp.MethodGet, "/healthcheck", "", nil)
	assert.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestChatAnonymous(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, nethttp.MethodPost, "/api/chat", "", hello)
	require.Equal(t, nethttp.StatusOK, rec.Code, rec.Body.String())

	var resp services.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "你好", resp.Text)
	require.Len(t, h.conv.users, 1)
	assert.Equal(t, uuid.Nil, h.conv.users[0])
}

func TestChatAuthenticatedCarriesUser(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	rec := h.do(t, nethttp.MethodPost, "/api/chat", h.token(t, user), hello)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Equal(t, user, h.conv.users[0])
}

func TestChatRejects(t *testing.T) {
	cases := []struct {
		name   string
		token  string
		body   any
		status int
		code   string
	}{
		{"bad token", "not-a-jwt", hello, nethttp.StatusUnauthorized, "unauthorized"},
		{"empty messages", "", map[string]any{"messages": []any{}}, nethttp.StatusBadRequest, "invalid_request"},
		{"bad role", "", map[string]any{"messages": []map[string]string{{"role": "system", "content": "x"}}}, nethttp.StatusBadRequest, "invalid_request"},
		{"bad latitude", "", map[string]any{
			"messages": []map[string]string{{"role": "user", "content": "附近"}},
			"location": map[string]float64{"lat": 123, "lng": 0},
		}, nethttp.StatusBadRequest, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.do(t, nethttp.MethodPost, "/api/chat", tc.token, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, decodeError(t, rec).Code)
			assert.Empty(t, h.conv.seen)
		})
	}
}

func TestChatMapsServiceErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("daily limit: %w", pkgerrors.ErrQuotaExceeded), nethttp.StatusTooManyRequests, "ai_quota_exceeded"},
		{pkgerrors.ErrInvalidArgument, nethttp.StatusBadRequest, "invalid_request"},
		{fmt.Errorf("boom"), nethttp.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			h := newHarness(t)
			h.conv.err = tc.err
			rec := h.do(t, nethttp.MethodPost, "/api/chat", "", hello)
			require.Equal(t, tc.status, rec.Code)
			apiErr := decodeError(t, rec)
			assert.Equal(t, tc.code, apiErr.Code)
			if tc.status == nethttp.StatusInternalServerError {
				assert.Equal(t, "internal error", apiErr.Message, "internal details are not leaked")
			}
		})
	}
}

func TestChatStream(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, nethttp.MethodPost, "/api/chat/stream", "", hello)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	hint := strings.Index(body, "event: intent\n")
	require.Zero(t, hint, "the rule hint precedes the reply")
	assert.Contains(t, body, `"ruleId":"chitchat.greeting"`)
	assert.Equal(t, 2, strings.Count(body, "event: delta\n"))
	assert.Contains(t, body, `data: {"text":"你"}`)
	done := strings.Index(body, "event: done\n")
	require.Positive(t, done)
	assert.Greater(t, done, strings.LastIndex(body, "event: delta\n"), "done comes last")
	assert.Contains(t, body[done:], `"text":"你好"`)
}

func TestChatStreamError(t *testing.T) {
	h := newHarness(t)
	h.conv.err = pkgerrors.ErrQuotaExceeded
	rec := h.do(t, nethttp.MethodPost, "/api/chat/stream", "", hello)
	body := rec.Body.String()
	assert.Contains(t, body, "event: error\n")
	assert.Contains(t, body, `"code":"ai_quota_exceeded"`)
	assert.NotContains(t, body, "event: done")
	assert.NotContains(t, body, "event: intent")
}

func TestListMessages(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	dbc := dbctx.Context{Ctx: context.Background()}
	now := time.Now()
	th, err := h.memory.ResolveSession(dbc, user, now)
	require.NoError(t, err)
	_, err = h.memory.AppendMessages(dbc, th.ID, []*types.Message{
		{UserID: user, Role: domainchat.RoleUser, Content: "一"},
		{UserID: user, Role: domainchat.RoleAssistant, Content: "二"},
		{UserID: user, Role: domainchat.RoleUser, Content: "三"},
	}, now)
	require.NoError(t, err)

	path := "/api/chat/threads/" + th.ID.String() + "/messages"
	assert.Equal(t, nethttp.StatusUnauthorized, h.do(t, nethttp.MethodGet, path, "", nil).Code)
	assert.Equal(t, nethttp.StatusForbidden, h.do(t, nethttp.MethodGet, path, h.token(t, uuid.New()), nil).Code)
	assert.Equal(t, nethttp.StatusBadRequest, h.do(t, nethttp.MethodGet, path+"?limit=x", h.token(t, user), nil).Code)

	rec := h.do(t, nethttp.MethodGet, path+"?before_seq=3&limit=10", h.token(t, user), nil)
	require.Equal(t, nethttp.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Messages []types.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Messages, 2)
	for _, m := range out.Messages {
		assert.Less(t, m.Seq, int64(3))
	}
}

func TestBrokerRoutes(t *testing.T) {
	h := newHarness(t)
	missing := uuid.New().String()

	assert.Equal(t, nethttp.StatusUnauthorized, h.do(t, nethttp.MethodPost, "/api/broker/sessions/"+missing+"/cancel", "", nil).Code)

	tok := h.token(t, uuid.New())
	rec := h.do(t, nethttp.MethodPost, "/api/broker/sessions/not-a-uuid/cancel", tok, nil)
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)

	rec = h.do(t, nethttp.MethodPost, "/api/broker/sessions/"+missing+"/answer", tok, map[string]string{"category": "hiking"})
	assert.Equal(t, nethttp.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Code)

	rec = h.do(t, nethttp.MethodPost, "/api/broker/matches/"+missing+"/confirm", tok, nil)
	assert.Equal(t, nethttp.StatusNotFound, rec.Code)
}
