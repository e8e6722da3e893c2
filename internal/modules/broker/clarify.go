package broker

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	domainbroker "github.com/yungbote/huddle-backend/internal/domain/broker"
	domainchat "github.com/yungbote/huddle-backend/internal/domain/chat"
	"github.com/yungbote/huddle-backend/internal/modules/chat/lexicon"
	pkgerrors "github.com/yungbote/huddle-backend/internal/pkg/errors"
)

const (
	QuestionCategory    = "category"
	QuestionTimeWindow  = "time_window"
	QuestionCostSharing = "cost_sharing"
	QuestionLocation    = "location"
	QuestionConstraints = "constraints"

	CostAA            = "aa"
	CostOrganizerPays = "organizer_pays"
	CostFree          = "free"

	TimeFlexible = "flexible"

	// Profile preference categories used to pre-fill defaults.
	PrefTimeWindow  = "time_window"
	PrefCostSharing = "cost_sharing"
)

var timeOptions = []domainbroker.Option{
	{Value: "tonight", Label: "今晚 / Tonight"},
	{Value: "tomorrow", Label: "明天 / Tomorrow"},
	{Value: "weekend", Label: "周末 / This weekend"},
	{Value: "weekday_evening", Label: "工作日晚上 / Weekday evenings"},
	{Value: TimeFlexible, Label: "都可以 / Flexible"},
}

var costOptions = []domainbroker.Option{
	{Value: CostAA, Label: "AA / Split the bill"},
	{Value: CostOrganizerPays, Label: "发起人请客 / Organizer pays"},
	{Value: CostFree, Label: "免费活动 / Free"},
}

// BuildForm assembles the single clarification round. The profile only
// supplies defaults; the category named in the utterance is kept as is.
func BuildForm(sessionID uuid.UUID, utterance string, profile *domainchat.WorkingProfile) domainbroker.ClarifyForm {
	category, _ := lexicon.Detect(utterance)
	form := domainbroker.ClarifyForm{SessionID: sessionID, Category: category}

	if category == "" {
		q := domainbroker.Question{Key: QuestionCategory, Prompt: "想一起做什么？ / What would you like to do?", FreeText: true}
		for _, c := range topPositiveCategories(profile, 4) {
			q.Options = append(q.Options, domainbroker.Option{Value: c, Label: c})
		}
		if len(q.Options) > 0 {
			q.Default = q.Options[0].Value
		}
		form.Questions = append(form.Questions, q)
	}

	form.Questions = append(form.Questions,
		domainbroker.Question{
			Key:     QuestionTimeWindow,
			Prompt:  "什么时间方便？ / When works for you?",
			Options: timeOptions,
			Default: defaultFrom(profile, PrefTimeWindow, timeOptions, timeFromUtterance(utterance)),
		},
		domainbroker.Question{
			Key:     QuestionCostSharing,
			Prompt:  "费用怎么分摊？ / How should costs be shared?",
			Options: costOptions,
			Default: defaultFrom(profile, PrefCostSharing, costOptions, CostAA),
		},
	)

	loc := domainbroker.Question{Key: QuestionLocation, Prompt: "在哪一带？ / Which area?", FreeText: true}
	if profile != nil {
		for _, fl := range profile.FrequentLocations {
			loc.Options = append(loc.Options, domainbroker.Option{Value: fl.Name, Label: fl.Name})
		}
	}
	if len(loc.Options) > 0 {
		loc.Default = loc.Options[0].Value
	}
	form.Questions = append(form.Questions, loc,
		domainbroker.Question{Key: QuestionConstraints, Prompt: "还有什么要求？ / Anything else we should know?", FreeText: true},
	)
	return form
}

var utteranceTimes = []struct {
	re    *regexp.Regexp
	value string
}{
	{regexp.MustCompile(`(?i)今晚|tonight`), "tonight"},
	{regexp.MustCompile(`(?i)明天|tomorrow`), "tomorrow"},
	{regexp.MustCompile(`(?i)周末|weekend`), "weekend"},
}

func timeFromUtterance(s string) string {
	for _, t := range utteranceTimes {
		if t.re.MatchString(s) {
			return t.value
		}
	}
	return TimeFlexible
}

// defaultFrom prefers a time named in the current turn over the profile.
func defaultFrom(profile *domainchat.WorkingProfile, prefCategory string, options []domainbroker.Option, current string) string {
	if prefCategory == PrefTimeWindow && current != TimeFlexible {
		return current
	}
	if profile != nil {
		best := domainchat.Preference{}
		for _, p := range profile.Preferences {
			if p.Category != prefCategory || p.Sentiment == domainchat.SentimentNegative {
				continue
			}
			if hasOption(options, p.Value) && p.Confidence > best.Confidence {
				best = p
			}
		}
		if best.Value != "" {
			return best.Value
		}
	}
	return current
}

func hasOption(options []domainbroker.Option, v string) bool {
	for _, o := range options {
		if o.Value == v {
			return true
		}
	}
	return false
}

func topPositiveCategories(profile *domainchat.WorkingProfile, n int) []string {
	if profile == nil {
		return nil
	}
	score := map[string]float64{}
	for _, p := range profile.Preferences {
		if p.Sentiment != domainchat.SentimentPositive || !lexicon.Known(p.Category) {
			continue
		}
		score[p.Category] += p.Confidence * float64(max(p.Hits, 1))
	}
	out := make([]string, 0, len(score))
	for c := range score {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if score[out[i]] != score[out[j]] {
			return score[out[i]] > score[out[j]]
		}
		return out[i] < out[j]
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// ClarifyAnswer is the user's reply to the form.
type ClarifyAnswer struct {
	Category    string   `json:"category"`
	TimeWindow  string   `json:"time_window"`
	CostSharing string   `json:"cost_sharing"`
	Location    string   `json:"location"`
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
	Constraints string   `json:"constraints"`
}

var tagSplit = regexp.MustCompile(`[,，、;；/\s]+`)

// BuildIntent turns an answered session into a PartnerIntent. The category
// named in the triggering utterance wins over the answer, and the profile is
// never consulted here.
func BuildIntent(s *domainbroker.Session, a ClarifyAnswer, now time.Time, ttl time.Duration) (*domainbroker.PartnerIntent, error) {
	category := strings.TrimSpace(s.Category)
	if category == "" {
		category = lexicon.Normalize(a.Category)
	}
	if category == "" {
		return nil, fmt.Errorf("category is required: %w", pkgerrors.ErrInvalidArgument)
	}

	timePref := strings.TrimSpace(strings.ToLower(a.TimeWindow))
	if timePref == "" {
		timePref = TimeFlexible
	}
	cost := strings.TrimSpace(strings.ToLower(a.CostSharing))
	switch cost {
	case CostAA, CostOrganizerPays, CostFree:
	case "":
		cost = CostAA
	default:
		return nil, fmt.Errorf("unknown cost_sharing %q: %w", a.CostSharing, pkgerrors.ErrInvalidArgument)
	}
	if (a.Lat == nil) != (a.Lng == nil) {
		return nil, fmt.Errorf("lat and lng must be given together: %w", pkgerrors.ErrInvalidArgument)
	}

	tags := []string{}
	seen := map[string]bool{}
	add := func(t string) {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			return
		}
		seen[t] = true
		tags = append(tags, t)
	}
	for _, c := range lexicon.DetectAll(s.RawInput) {
		add(c)
	}
	for _, t := range tagSplit.Split(a.Constraints, -1) {
		add(t)
	}

	raw := strings.TrimSpace(s.RawInput)
	if c := strings.TrimSpace(a.Constraints); c != "" {
		raw += "\n" + c
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &domainbroker.PartnerIntent{
		UserID:         s.UserID,
		ThreadID:       s.ThreadID,
		Category:       category,
		LocationHint:   strings.TrimSpace(a.Location),
		Lat:            a.Lat,
		Lng:            a.Lng,
		TimePreference: timePref,
		CostSharing:    cost,
		Tags:           tags,
		RawInput:       raw,
		Status:         domainbroker.IntentActive,
		ExpiresAt:      now.Add(ttl).UTC(),
	}, nil
}
