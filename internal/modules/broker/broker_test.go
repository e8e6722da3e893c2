package broker

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	domainbroker "github.com/yungbote/huddle-backend/internal/domain/broker"
	domainchat "github.com/yungbote/huddle-backend/internal/domain/chat"
	pkgerrors "github.com/yungbote/huddle-backend/internal/pkg/errors"
)

func TestTransitions(t *testing.T) {
	allowed := [][2]State{
		{domainbroker.StateIdle, domainbroker.StateClarifying},
		{domainbroker.StateClarifying, domainbroker.StateIntentRecorded},
		{domainbroker.StateIntentRecorded, domainbroker.StateMatched},
		{domainbroker.StateMatched, domainbroker.StateConfirmed},
		{domainbroker.StateMatched, domainbroker.StateExpired},
		{domainbroker.StateIntentRecorded, domainbroker.StateExpired},
		{domainbroker.StateIdle, domainbroker.StateCancelled},
		{domainbroker.StateClarifying, domainbroker.StateCancelled},
		{domainbroker.StateIntentRecorded, domainbroker.StateCancelled},
		{domainbroker.StateMatched, domainbroker.StateCancelled},
		{domainbroker.StateMatched, domainbroker.StateIntentRecorded},
	}
	for _, p := range allowed {
		if err := Transition(p[0], p[1]); err != nil {
			t.Fatalf("%s -> %s should be allowed: %v", p[0], p[1], err)
		}
	}
	denied := [][2]State{
		{domainbroker.StateIdle, domainbroker.StateIntentRecorded},
		{domainbroker.StateClarifying, domainbroker.StateMatched},
		{domainbroker.StateConfirmed, domainbroker.StateCancelled},
		{domainbroker.StateExpired, domainbroker.StateCancelled},
		{domainbroker.StateCancelled, domainbroker.StateClarifying},
		{domainbroker.StateClarifying, domainbroker.StateExpired},
	}
	for _, p := range denied {
		if err := Transition(p[0], p[1]); !errors.Is(err, pkgerrors.ErrInvalidTransition) {
			t.Fatalf("%s -> %s should be rejected, got %v", p[0], p[1], err)
		}
	}
	for _, s := range []State{domainbroker.StateConfirmed, domainbroker.StateExpired, domainbroker.StateCancelled} {
		if !Terminal(s) {
			t.Fatalf("%s should be terminal", s)
		}
	}
}

func profileWith(prefs ...domainchat.Preference) *domainchat.WorkingProfile {
	p := domainchat.EmptyProfile(uuid.New())
	p.Preferences = prefs
	p.FrequentLocations = []domainchat.FrequentLocation{{Name: "望京", Count: 3}}
	return p
}

func findQuestion(form domainbroker.ClarifyForm, key string) (domainbroker.Question, bool) {
	for _, q := range form.Questions {
		if q.Key == key {
			return q, true
		}
	}
	return domainbroker.Question{}, false
}

func TestBuildForm(t *testing.T) {
	profile := profileWith(
		domainchat.Preference{Category: "hiking", Value: "hiking", Sentiment: domainchat.SentimentPositive, Confidence: 0.9, Hits: 3},
		domainchat.Preference{Category: PrefCostSharing, Value: CostOrganizerPays, Sentiment: domainchat.SentimentPositive, Confidence: 0.8},
		domainchat.Preference{Category: PrefTimeWindow, Value: "weekend", Sentiment: domainchat.SentimentPositive, Confidence: 0.8},
	)

	t.Run("utterance category skips the category question", func(t *testing.T) {
		form := BuildForm(uuid.New(), "find me someone for hotpot", profile)
		if form.Category != "hotpot" {
			t.Fatalf("category=%q", form.Category)
		}
		if _, ok := findQuestion(form, QuestionCategory); ok {
			t.Fatalf("category question should be omitted")
		}
		for _, key := range []string{QuestionTimeWindow, QuestionCostSharing, QuestionConstraints} {
			if _, ok := findQuestion(form, key); !ok {
				t.Fatalf("missing question %s", key)
			}
		}
		cost, _ := findQuestion(form, QuestionCostSharing)
		if cost.Default != CostOrganizerPays {
			t.Fatalf("cost default=%q", cost.Default)
		}
		tw, _ := findQuestion(form, QuestionTimeWindow)
		if tw.Default != "weekend" {
			t.Fatalf("time default=%q", tw.Default)
		}
		loc, _ := findQuestion(form, QuestionLocation)
		if loc.Default != "望京" {
			t.Fatalf("location default=%q", loc.Default)
		}
	})

	t.Run("current turn time beats profile", func(t *testing.T) {
		form := BuildForm(uuid.New(), "今晚找个人一起吃火锅", profile)
		tw, _ := findQuestion(form, QuestionTimeWindow)
		if tw.Default != "tonight" {
			t.Fatalf("time default=%q", tw.Default)
		}
	})

	t.Run("vague utterance asks for category with profile default", func(t *testing.T) {
		form := BuildForm(uuid.New(), "有没有人一起", profile)
		q, ok := findQuestion(form, QuestionCategory)
		if !ok || q.Default != "hiking" {
			t.Fatalf("category question=%+v ok=%v", q, ok)
		}
	})
}

func TestBuildIntentCurrentTurnWins(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	s := &domainbroker.Session{
		UserID:   uuid.New(),
		Category: "hotpot",
		RawInput: "find me someone for hotpot",
	}
	in, err := BuildIntent(s, ClarifyAnswer{Category: "hiking", TimeWindow: "Tonight", Constraints: "spicy, 不要香菜"}, now, time.Hour)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if in.Category != "hotpot" || in.TimePreference != "tonight" || in.CostSharing != CostAA {
		t.Fatalf("unexpected intent %+v", in)
	}
	if !in.ExpiresAt.Equal(now.Add(time.Hour)) || in.Status != domainbroker.IntentActive {
		t.Fatalf("unexpected expiry/status %+v", in)
	}
	wantTags := []string{"hotpot", "spicy", "不要香菜"}
	if len(in.Tags) != len(wantTags) {
		t.Fatalf("tags=%v", in.Tags)
	}
	for i, tag := range wantTags {
		if in.Tags[i] != tag {
			t.Fatalf("tags=%v", in.Tags)
		}
	}
}

func TestBuildIntentValidation(t *testing.T) {
	now := time.Now()
	lat := 39.9
	cases := []struct {
		name    string
		session *domainbroker.Session
		answer  ClarifyAnswer
	}{
		{"no category anywhere", &domainbroker.Session{RawInput: "有没有人一起"}, ClarifyAnswer{}},
		{"bad cost sharing", &domainbroker.Session{Category: "hotpot"}, ClarifyAnswer{CostSharing: "dutch"}},
		{"half a coordinate", &domainbroker.Session{Category: "hotpot"}, ClarifyAnswer{Lat: &lat}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := BuildIntent(tc.session, tc.answer, now, 0); !errors.Is(err, pkgerrors.ErrInvalidArgument) {
				t.Fatalf("expected invalid argument, got %v", err)
			}
		})
	}
	in, err := BuildIntent(&domainbroker.Session{RawInput: "有没有人一起"}, ClarifyAnswer{Category: "羽毛球"}, now, 0)
	if err != nil || in.Category != "badminton" {
		t.Fatalf("answer category should be used when the utterance has none: %+v %v", in, err)
	}
}

func intentAt(user uuid.UUID, minute int, category, timePref string, tags ...string) *domainbroker.PartnerIntent {
	return &domainbroker.PartnerIntent{
		ID:             uuid.New(),
		UserID:         user,
		Category:       category,
		TimePreference: timePref,
		Tags:           tags,
		Status:         domainbroker.IntentActive,
		CreatedAt:      time.Date(2026, 10, 15, 12, minute, 0, 0, time.UTC),
	}
}

func TestScore(t *testing.T) {
	u := uuid.New()
	a := intentAt(u, 0, "hotpot", "tonight", "spicy", "hotpot")
	cases := []struct {
		name string
		b    *domainbroker.PartnerIntent
		want float64
	}{
		{"identical", intentAt(u, 1, "hotpot", "tonight", "spicy", "hotpot"), 1.0},
		{"half tags", intentAt(u, 1, "hotpot", "tonight", "hotpot"), 0.9},
		{"flexible time no tags", intentAt(u, 1, "hotpot", TimeFlexible), 0.8},
		{"other time", intentAt(u, 1, "hotpot", "weekend"), 0.5},
		{"other category", intentAt(u, 1, "hiking", "tonight"), 0.3},
	}
	for _, tc := range cases {
		if got := Score(a, tc.b); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("%s: score=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestGroupIntents(t *testing.T) {
	alice, bob, carol, dan, erin, frank := uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()
	intents := []*domainbroker.PartnerIntent{
		intentAt(bob, 2, "hotpot", "tonight"),
		intentAt(alice, 1, "hotpot", "tonight"),
		intentAt(alice, 3, "hotpot", "tonight"),
		intentAt(carol, 4, "hiking", "weekend"),
		intentAt(dan, 5, "hotpot", TimeFlexible),
		intentAt(erin, 6, "hotpot", "tonight"),
		intentAt(frank, 7, "hotpot", "tonight"),
	}
	groups := GroupIntents(intents, MatchConfig{})
	if len(groups) != 2 {
		t.Fatalf("groups=%d want 2", len(groups))
	}
	if second := groups[1]; len(second.Intents) != 2 || second.Organizer() != alice || second.Intents[1].UserID != frank {
		t.Fatalf("unexpected second group %v", second.UserIDs())
	}
	g := groups[0]
	if len(g.Intents) != DefaultMaxGroupSize {
		t.Fatalf("group size=%d", len(g.Intents))
	}
	if g.Organizer() != alice {
		t.Fatalf("organizer should own the earliest intent")
	}
	seen := map[uuid.UUID]bool{}
	for _, u := range g.UserIDs() {
		if seen[u] {
			t.Fatalf("user appears twice in a group")
		}
		seen[u] = true
	}
	if seen[carol] || seen[frank] {
		t.Fatalf("unexpected members %v", g.UserIDs())
	}
	if math.Abs(g.Score-0.8) > 1e-9 {
		t.Fatalf("score=%v want 0.8", g.Score)
	}
}

func TestGroupIntentsDistanceGate(t *testing.T) {
	beijingLat, beijingLng := 39.9042, 116.4074
	shanghaiLat, shanghaiLng := 31.2304, 121.4737
	a := intentAt(uuid.New(), 1, "hotpot", "tonight")
	a.Lat, a.Lng = &beijingLat, &beijingLng
	b := intentAt(uuid.New(), 2, "hotpot", "tonight")
	b.Lat, b.Lng = &shanghaiLat, &shanghaiLng
	if groups := GroupIntents([]*domainbroker.PartnerIntent{a, b}, MatchConfig{}); len(groups) != 0 {
		t.Fatalf("distant intents must not match")
	}
	if d := HaversineKm(beijingLat, beijingLng, shanghaiLat, shanghaiLng); d < 1000 || d > 1100 {
		t.Fatalf("unexpected distance %v", d)
	}
	c := intentAt(uuid.New(), 3, "hotpot", "tonight")
	if groups := GroupIntents([]*domainbroker.PartnerIntent{a, c}, MatchConfig{}); len(groups) != 1 {
		t.Fatalf("missing coordinates should not block a match")
	}
}
