package enrich

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

var cst = time.FixedZone("CST", 8*3600)

// Thursday.
var testNow = time.Date(2026, 10, 15, 15, 0, 0, 0, cst)

type countingSource struct {
	calls    atomic.Int32
	category string
	err      error
	block    bool
}

func (s *countingSource) TopCategory(ctx context.Context, _ uuid.UUID) (string, error) {
	s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.category, s.err
}

func fullContext(src PreferenceSource) *Context {
	start := testNow.Add(48 * time.Hour)
	return &Context{
		Now:         testNow,
		Location:    cst,
		UserID:      uuid.New(),
		Point:       &Point{Lat: 31.2304, Lng: 121.4737},
		Draft:       &Draft{Title: "羽毛球夜场", LocationName: "体育馆", StartAt: &start, Capacity: 8},
		History:     []HistoryTurn{{Role: "assistant", ActivityTitle: "城市夜跑团", LocationName: "三里屯"}},
		Preferences: src,
	}
}

func TestRunIsIdentityWithoutCues(t *testing.T) {
	src := &countingSource{category: "hotpot"}
	in := []Message{
		{Role: "assistant", Content: "有什么可以帮你？"},
		{Role: "user", Content: "你好呀，今天心情不错"},
	}
	res := Default(logger.Nop()).Run(context.Background(), in, fullContext(src))
	if len(res.Trace) != 0 || res.Block != "" {
		t.Fatalf("expected empty trace and block, got %+v %q", res.Trace, res.Block)
	}
	for i := range in {
		if res.Messages[i] != in[i] {
			t.Fatalf("message %d changed: %q", i, res.Messages[i].Content)
		}
	}
	if src.calls.Load() != 0 {
		t.Fatalf("preference source should not be queried")
	}
}

type fixedBlock struct {
	name  string
	block string
}

func (f fixedBlock) Name() string { return f.name }
func (f fixedBlock) Enrich(context.Context, string, *Context) Step {
	return Step{Tags: []string{f.name}, Block: f.block}
}

func TestRunDeduplicatesBlocks(t *testing.T) {
	p := New(logger.Nop(),
		fixedBlock{name: "a", block: "[same]\nvalue"},
		fixedBlock{name: "b", block: "  [same]\nvalue\n"},
		fixedBlock{name: "c", block: "[other]"},
	)
	res := p.Run(context.Background(), []Message{{Role: "user", Content: "x"}}, &Context{})
	if res.Block != "[same]\nvalue\n\n[other]" {
		t.Fatalf("unexpected block %q", res.Block)
	}
	if len(res.Trace) != 3 {
		t.Fatalf("expected 3 trace entries, got %d", len(res.Trace))
	}
}

type panicky struct{}

func (panicky) Name() string { return "panicky" }
func (panicky) Enrich(context.Context, string, *Context) Step {
	panic("boom")
}

func TestRunSkipsPanickingEnricher(t *testing.T) {
	p := New(logger.Nop(), panicky{}, TimeExpression{})
	res := p.Run(context.Background(), []Message{{Role: "user", Content: "今晚有空"}}, &Context{Now: testNow, Location: cst})
	if len(res.Trace) != 1 || res.Trace[0].Enricher != "time_expression" {
		t.Fatalf("unexpected trace %+v", res.Trace)
	}
	if !strings.Contains(res.Block, "今晚 => 2026-10-15T19:00:00+08:00") {
		t.Fatalf("unexpected block %q", res.Block)
	}
}

func TestDraftAndTimeTogether(t *testing.T) {
	ec := fullContext(nil)
	res := Default(logger.Nop()).Run(context.Background(), []Message{{Role: "user", Content: "改到明晚吧"}}, ec)
	if res.Messages[0].Content != "改到明晚吧" {
		t.Fatalf("draft enricher must not rewrite text: %q", res.Messages[0].Content)
	}
	want := "[draft]\ntitle: 羽毛球夜场\nlocation: 体育馆\ntime: 2026-10-17T15:00:00+08:00\ncapacity: 8\n\n[time]\n明晚 => 2026-10-16T19:00:00+08:00"
	if res.Block != want {
		t.Fatalf("block:\n%s\nwant:\n%s", res.Block, want)
	}
	if len(res.Trace) != 2 || res.Trace[0].Enricher != "draft_context" || res.Trace[1].Enricher != "time_expression" {
		t.Fatalf("unexpected trace %+v", res.Trace)
	}
}

func TestTimeExpressionPrefersLongest(t *testing.T) {
	cases := []struct {
		text string
		want []string
	}{
		{"下周五和周五都行", []string{
			"下周五 => 2026-10-23T10:00:00+08:00",
			"周五 => 2026-10-16T10:00:00+08:00",
		}},
		{"how about next friday", []string{"next friday => 2026-10-23T10:00:00+08:00"}},
		{"day after tomorrow works", []string{"day after tomorrow => 2026-10-17T10:00:00+08:00"}},
		{"这周末或者下周末", []string{
			"这周末 => 2026-10-17T10:00:00+08:00",
			"下周末 => 2026-10-24T10:00:00+08:00",
		}},
		{"明天下午", []string{"明天下午 => 2026-10-16T14:00:00+08:00"}},
	}
	for _, tc := range cases {
		step := TimeExpression{}.Enrich(context.Background(), tc.text, &Context{Now: testNow, Location: cst})
		want := "[time]\n" + strings.Join(tc.want, "\n")
		if step.Block != want {
			t.Fatalf("%q:\n%s\nwant:\n%s", tc.text, step.Block, want)
		}
	}
}

func TestTimeExpressionNeverResolvesToThePast(t *testing.T) {
	cases := []struct {
		now  time.Time
		text string
		want string
	}{
		{time.Date(2026, 10, 19, 9, 0, 0, 0, cst), "周一", "周一 => 2026-10-19T10:00:00+08:00"},
		{time.Date(2026, 10, 19, 15, 0, 0, 0, cst), "周一", "周一 => 2026-10-26T10:00:00+08:00"},
		{time.Date(2026, 10, 17, 15, 0, 0, 0, cst), "这周末", "这周末 => 2026-10-18T10:00:00+08:00"},
		{time.Date(2026, 10, 18, 15, 0, 0, 0, cst), "这周末", "这周末 => 2026-10-24T10:00:00+08:00"},
	}
	for _, tc := range cases {
		step := TimeExpression{}.Enrich(context.Background(), tc.text, &Context{Now: tc.now, Location: cst})
		if step.Block != "[time]\n"+tc.want {
			t.Fatalf("%s at %s: got %q want %q", tc.text, tc.now.Weekday(), step.Block, tc.want)
		}
	}
}

func TestLocationContext(t *testing.T) {
	ec := &Context{Point: &Point{Lat: 31.2304, Lng: 121.4737}}
	step := LocationContext{}.Enrich(context.Background(), "附近有什么", ec)
	if step.Block != "[location]\n31.230400,121.473700 (current location)" {
		t.Fatalf("unexpected block %q", step.Block)
	}
	ec.Point.Name = "静安寺"
	step = LocationContext{}.Enrich(context.Background(), "anything nearby?", ec)
	if !strings.HasSuffix(step.Block, "(静安寺)") {
		t.Fatalf("unexpected block %q", step.Block)
	}
	if (LocationContext{}).Enrich(context.Background(), "附近有什么", &Context{}).Block != "" {
		t.Fatalf("no coordinates must yield no block")
	}
}

func TestReferent(t *testing.T) {
	history := []HistoryTurn{
		{Role: "assistant", Content: "推荐你「城市夜跑团」", LocationName: "三里屯"},
		{Role: "user", Content: "好的"},
	}
	cases := []struct {
		name    string
		text    string
		history []HistoryTurn
		want    string
	}{
		{"activity with cue", "我想报名那个", history, "我想报名城市夜跑团"},
		{"location with cue", "我们在那里集合吧", history, "我们在三里屯集合吧"},
		{"english", "can I join that one", []HistoryTurn{{ActivityTitle: "Night Run"}}, "can I join Night Run"},
		{"no cue", "那个怎么样", history, "那个怎么样"},
		{"no antecedent", "我想报名那个", nil, "我想报名那个"},
		{"determiner before time", "这个周末有什么活动", history, "这个周末有什么活动"},
		{"determiner before month", "那个时候去参加活动", history, "那个时候去参加活动"},
		{"pronoun with event noun", "那个活动还能报名吗", history, "城市夜跑团还能报名吗"},
		{"pronoun before particle", "就参加这个吧", history, "就参加城市夜跑团吧"},
		{"existential there", "is there an event I can go to tonight", history, "is there an event I can go to tonight"},
		{"there are", "there are so many places to go", history, "there are so many places to go"},
		{"location there", "let's meet there at 7", history, "let's meet 三里屯 at 7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := New(logger.Nop(), Referent{})
			res := p.Run(context.Background(), []Message{{Role: "user", Content: tc.text}}, &Context{History: tc.history})
			if res.Messages[0].Content != tc.want {
				t.Fatalf("got %q want %q", res.Messages[0].Content, tc.want)
			}
			if (tc.want == tc.text) != (len(res.Trace) == 0) {
				t.Fatalf("trace mismatch: %+v", res.Trace)
			}
		})
	}
}

func TestDeterminerLeavesTimePhraseIntact(t *testing.T) {
	res := Default(logger.Nop()).Run(context.Background(), []Message{{Role: "user", Content: "这个周末有什么活动"}}, fullContext(&countingSource{}))
	if got := res.Messages[0].Content; got != "这个周末有什么活动" {
		t.Fatalf("visible text rewritten to %q", got)
	}
	if !strings.Contains(res.Block, "这个周末 => ") {
		t.Fatalf("time phrase not resolved: %q", res.Block)
	}
	if strings.Contains(res.Block, "[referent]") {
		t.Fatalf("unexpected referent block: %q", res.Block)
	}
}

func TestReferentPrefersNewestTurn(t *testing.T) {
	history := []HistoryTurn{
		{ActivityTitle: "旧活动"},
		{Content: "还有《桌游之夜》"},
	}
	step := Referent{}.Enrich(context.Background(), "参加这个", &Context{History: history})
	if step.Text != "参加桌游之夜" {
		t.Fatalf("got %q", step.Text)
	}
}

func TestUserPreference(t *testing.T) {
	t.Run("injects top category", func(t *testing.T) {
		src := &countingSource{category: "hotpot"}
		step := UserPreference{}.Enrich(context.Background(), "有什么推荐", &Context{UserID: uuid.New(), Preferences: src})
		if step.Block != "[preference]\ntop_category: hotpot" {
			t.Fatalf("unexpected block %q", step.Block)
		}
	})
	t.Run("named category skips lookup", func(t *testing.T) {
		src := &countingSource{category: "hotpot"}
		step := UserPreference{}.Enrich(context.Background(), "推荐个羽毛球场", &Context{UserID: uuid.New(), Preferences: src})
		if step.Block != "" || src.calls.Load() != 0 {
			t.Fatalf("expected no lookup, got %q calls=%d", step.Block, src.calls.Load())
		}
	})
	t.Run("anonymous skips lookup", func(t *testing.T) {
		src := &countingSource{category: "hotpot"}
		step := UserPreference{}.Enrich(context.Background(), "有什么推荐", &Context{Preferences: src})
		if step.Block != "" || src.calls.Load() != 0 {
			t.Fatalf("expected no lookup")
		}
	})
	t.Run("error degrades", func(t *testing.T) {
		src := &countingSource{err: errors.New("db down")}
		step := UserPreference{}.Enrich(context.Background(), "有什么推荐", &Context{UserID: uuid.New(), Preferences: src})
		if step.Block != "" || len(step.Tags) != 0 {
			t.Fatalf("expected empty step, got %+v", step)
		}
	})
	t.Run("timeout degrades", func(t *testing.T) {
		src := &countingSource{block: true}
		started := time.Now()
		step := UserPreference{}.Enrich(context.Background(), "有什么推荐", &Context{
			UserID:            uuid.New(),
			Preferences:       src,
			PreferenceTimeout: 20 * time.Millisecond,
		})
		if step.Block != "" {
			t.Fatalf("expected no block on timeout")
		}
		if time.Since(started) > time.Second {
			t.Fatalf("lookup was not bounded")
		}
	})
}

func TestInjectBlock(t *testing.T) {
	cases := []struct {
		name, instructions, block, want string
	}{
		{
			name:         "after marker",
			instructions: "You are Scout.\n\n## Runtime context\n\n## Rules\nbe brief\n",
			block:        "[time]\nx",
			want:         "You are Scout.\n\n## Runtime context\n[time]\nx\n\n## Rules\nbe brief\n",
		},
		{
			name:         "marker on last line",
			instructions: "You are Scout.\n## Runtime context",
			block:        "[time]",
			want:         "You are Scout.\n## Runtime context\n[time]\n",
		},
		{
			name:         "no marker appends",
			instructions: "You are Scout.\n",
			block:        "[time]",
			want:         "You are Scout.\n\n[time]\n",
		},
		{
			name:         "empty block",
			instructions: "You are Scout.\n",
			block:        "  ",
			want:         "You are Scout.\n",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := InjectBlock(tc.instructions, tc.block); got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}
