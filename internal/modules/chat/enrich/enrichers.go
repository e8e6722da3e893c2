package enrich

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/huddle-backend/internal/modules/chat/lexicon"
)

// ---- draft_context ----

var modifyCue = regexp.MustCompile(`(?i)改|修改|换|调整|\b(change|update|edit|move|reschedule)\b`)

// DraftContext snapshots the open draft when the user asks to change it.
type DraftContext struct{}

func (DraftContext) Name() string { return "draft_context" }

func (DraftContext) Enrich(_ context.Context, text string, ec *Context) Step {
	if ec.Draft == nil || !modifyCue.MatchString(text) {
		return Step{}
	}
	d := ec.Draft
	when := "unset"
	if d.StartAt != nil && !d.StartAt.IsZero() {
		when = d.StartAt.In(ec.now().Location()).Format(time.RFC3339)
	}
	capacity := "unset"
	if d.Capacity > 0 {
		capacity = fmt.Sprintf("%d", d.Capacity)
	}
	block := strings.Join([]string{
		"[draft]",
		"title: " + orUnset(d.Title),
		"location: " + orUnset(d.LocationName),
		"time: " + when,
		"capacity: " + capacity,
	}, "\n")
	return Step{Tags: []string{"draft_snapshot"}, Block: block}
}

func orUnset(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unset"
	}
	return strings.TrimSpace(s)
}

// ---- location_context ----

var proximityCue = regexp.MustCompile(`(?i)附近|周边|这附近|\b(nearby|around here|near me|close by)\b`)

// LocationContext exposes the caller's coordinates on proximity wording.
type LocationContext struct{}

func (LocationContext) Name() string { return "location_context" }

func (LocationContext) Enrich(_ context.Context, text string, ec *Context) Step {
	if ec.Point == nil || !proximityCue.MatchString(text) {
		return Step{}
	}
	label := strings.TrimSpace(ec.Point.Name)
	if label == "" {
		label = "current location"
	}
	block := fmt.Sprintf("[location]\n%.6f,%.6f (%s)", ec.Point.Lat, ec.Point.Lng, label)
	return Step{Tags: []string{"location"}, Block: block}
}

// ---- referent ----

var (
	// 这个/那个 only count when they stand alone or name an event; before
	// any other noun (这个周末, 那个时候) they are determiners.
	activityPronoun = regexp.MustCompile(`(?i)((?:这个|那个)(?:活动|局))|(这个|那个)(?:$|[\s，。！？!?,.~～]|吧|吗|呢|啊|呀|嘛|了|怎么样|怎样|如何|好不好|行不行)|\b(that one|this one)\b`)
	activityCue     = regexp.MustCompile(`(?i)活动|局|报名|参加|加入|\b(join|sign up|event)\b`)
	locationPronoun = regexp.MustCompile(`(?i)那里|那边|\bthere\b`)
	existential     = regexp.MustCompile(`(?i)\b(is|are|was|were|isn't|aren't)\s+there\b|\bthere\s*(is|are|was|were|'s|isn't|aren't|will|might|must|should|seems?)\b`)
	locationCue     = regexp.MustCompile(`(?i)去|到|在|集合|\b(go|meet|get to)\b`)
	bracketedTitle  = regexp.MustCompile(`「([^」]+)」|《([^》]+)》|“([^”]+)”`)
)

// Referent replaces demonstratives with the most recent antecedent from
// history. Without an antecedent the text is left alone.
type Referent struct{}

func (Referent) Name() string { return "referent" }

func (Referent) Enrich(_ context.Context, text string, ec *Context) Step {
	out := text
	var tags, lines []string

	if loc := activityPronounIndex(out); loc != nil && activityCue.MatchString(out) {
		if title := lastActivityTitle(ec.History); title != "" {
			pronoun := out[loc[0]:loc[1]]
			out = out[:loc[0]] + title + out[loc[1]:]
			tags = append(tags, "referent:activity")
			lines = append(lines, pronoun+" => "+title)
		}
	}
	if loc := locationPronounIndex(out); loc != nil && locationCue.MatchString(out) {
		if name := lastLocationName(ec.History); name != "" {
			pronoun := out[loc[0]:loc[1]]
			out = out[:loc[0]] + name + out[loc[1]:]
			tags = append(tags, "referent:location")
			lines = append(lines, pronoun+" => "+name)
		}
	}
	if len(tags) == 0 {
		return Step{}
	}
	return Step{Text: out, Tags: tags, Block: "[referent]\n" + strings.Join(lines, "\n")}
}

// activityPronounIndex returns the span to replace: the pronoun, or the
// pronoun and its event noun.
func activityPronounIndex(text string) []int {
	m := activityPronoun.FindStringSubmatchIndex(text)
	if m == nil {
		return nil
	}
	for g := 1; g <= 3; g++ {
		if m[2*g] >= 0 {
			return []int{m[2*g], m[2*g+1]}
		}
	}
	return nil
}

// locationPronounIndex skips existential "there" (is there, there are).
func locationPronounIndex(text string) []int {
	skip := existential.FindAllStringIndex(text, -1)
	for _, loc := range locationPronoun.FindAllStringIndex(text, -1) {
		inside := false
		for _, e := range skip {
			if loc[0] >= e[0] && loc[1] <= e[1] {
				inside = true
				break
			}
		}
		if !inside {
			return loc
		}
	}
	return nil
}

func lastActivityTitle(history []HistoryTurn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if t := strings.TrimSpace(history[i].ActivityTitle); t != "" {
			return t
		}
		if m := bracketedTitle.FindStringSubmatch(history[i].Content); m != nil {
			for _, g := range m[1:] {
				if g = strings.TrimSpace(g); g != "" {
					return g
				}
			}
		}
	}
	return ""
}

func lastLocationName(history []HistoryTurn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if n := strings.TrimSpace(history[i].LocationName); n != "" {
			return n
		}
	}
	return ""
}

// ---- user_preference ----

var recommendCue = regexp.MustCompile(`(?i)推荐|有什么|好玩|干点什么|\b(recommend|suggest|anything fun|what should i do)\b`)

// UserPreference injects the user's favourite category when they ask for a
// recommendation without naming one. The lookup is bounded by
// Context.PreferenceTimeout; a slow or failing source injects nothing.
type UserPreference struct{}

func (UserPreference) Name() string { return "user_preference" }

func (UserPreference) Enrich(ctx context.Context, text string, ec *Context) Step {
	if ec.Preferences == nil || ec.UserID == uuid.Nil || !recommendCue.MatchString(text) {
		return Step{}
	}
	if _, named := lexicon.Detect(text); named {
		return Step{}
	}
	timeout := ec.PreferenceTimeout
	if timeout <= 0 {
		timeout = DefaultPreferenceTimeout
	}
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type answer struct {
		category string
		err      error
	}
	ch := make(chan answer, 1)
	go func() {
		c, err := ec.Preferences.TopCategory(lookupCtx, ec.UserID)
		ch <- answer{c, err}
	}()
	select {
	case <-lookupCtx.Done():
		return Step{}
	case a := <-ch:
		if a.err != nil || strings.TrimSpace(a.category) == "" {
			return Step{}
		}
		return Step{Tags: []string{"preference"}, Block: "[preference]\ntop_category: " + strings.TrimSpace(a.category)}
	}
}
