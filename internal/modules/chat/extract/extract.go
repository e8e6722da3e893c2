// Package extract pulls durable likes, dislikes and places out of recent
// turns so they can be merged into the working profile.
package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	domainchat "github.com/yungbote/huddle-backend/internal/domain/chat"
	"github.com/yungbote/huddle-backend/internal/modules/chat/lexicon"
	"github.com/yungbote/huddle-backend/internal/platform/llm"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

const (
	MethodModel = "model"
	MethodRules = "rules"

	ruleConfidence = 0.6
	maxTurns       = 12
)

type Turn struct {
	Role    string
	Content string
}

type Extraction struct {
	Preferences []domainchat.Preference
	Locations   []domainchat.FrequentLocation
	Method      string
}

func (e Extraction) Empty() bool {
	return len(e.Preferences) == 0 && len(e.Locations) == 0
}

type Extractor struct {
	provider llm.Provider
	log      *logger.Logger
}

func New(provider llm.Provider, log *logger.Logger) *Extractor {
	return &Extractor{provider: provider, log: log.With("module", "extract")}
}

// Extract asks the model first and falls back to the rule extractor when the
// model fails or finds nothing. Only a cancelled ctx is returned as an error.
func (e *Extractor) Extract(ctx context.Context, turns []Turn) (Extraction, error) {
	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	if e.provider != nil {
		out, err := e.fromModel(ctx, turns)
		if err == nil && !out.Empty() {
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Extraction{}, ctxErr
		}
		if err != nil {
			e.log.Warn("preference extraction model failed; using rules", "error", err)
		}
	}
	return Rules(turns), nil
}

type modelPreference struct {
	Category   string  `json:"category"`
	Value      string  `json:"value"`
	Sentiment  string  `json:"sentiment"`
	Confidence float64 `json:"confidence"`
}

type modelLocation struct {
	Name string `json:"name"`
}

type modelOutput struct {
	Preferences []modelPreference `json:"preferences"`
	Locations   []modelLocation   `json:"locations"`
}

var extractionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"preferences": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"category":   map[string]any{"type": "string"},
					"value":      map[string]any{"type": "string"},
					"sentiment":  map[string]any{"type": "string", "enum": []any{domainchat.SentimentPositive, domainchat.SentimentNegative, domainchat.SentimentNeutral}},
					"confidence": map[string]any{"type": "number"},
				},
				"required":             []any{"category", "value", "sentiment", "confidence"},
				"additionalProperties": false,
			},
		},
		"locations": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"properties":           map[string]any{"name": map[string]any{"type": "string"}},
				"required":             []any{"name"},
				"additionalProperties": false,
			},
		},
	},
	"required":             []any{"preferences", "locations"},
	"additionalProperties": false,
}

func (e *Extractor) fromModel(ctx context.Context, turns []Turn) (Extraction, error) {
	var b strings.Builder
	b.WriteString("Extract the user's durable activity preferences and the places they frequent.\n")
	b.WriteString("Only use what the user said. category is a short activity id such as hotpot, badminton or hiking; value is the specific thing.\n")
	b.WriteString("Return empty arrays when nothing durable was said.\n\nConversation:\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, strings.TrimSpace(t.Content))
	}
	var raw modelOutput
	if err := e.provider.GenerateStructured(ctx, b.String(), "preference_extraction", extractionSchema, &raw); err != nil {
		return Extraction{}, err
	}
	out := Extraction{Method: MethodModel}
	for _, p := range raw.Preferences {
		category := lexicon.Normalize(p.Category)
		value := strings.TrimSpace(p.Value)
		if category == "" {
			continue
		}
		if value == "" {
			value = category
		}
		out.Preferences = append(out.Preferences, domainchat.Preference{
			Category:   category,
			Value:      value,
			Sentiment:  normalizeSentiment(p.Sentiment),
			Confidence: clamp01(p.Confidence),
		})
	}
	for _, l := range raw.Locations {
		if name := strings.TrimSpace(l.Name); name != "" {
			out.Locations = append(out.Locations, domainchat.FrequentLocation{Name: name})
		}
	}
	return out, nil
}

var (
	negativeCue = regexp.MustCompile(`(?i)不喜欢|讨厌|不想|不爱|受不了|\b(hate|dislike|don'?t like|do not like|can'?t stand)\b`)
	positiveCue = regexp.MustCompile(`(?i)喜欢|爱|想|\b(like|love|enjoy|into)\b`)
	clauseSplit = regexp.MustCompile(`[，。！？；,.!?;\n]+`)

	locationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`住在([^\s，。！？,.!?的]{2,12})`),
		regexp.MustCompile(`在([^\s，。！？,.!?]{2,12}?)附近`),
		regexp.MustCompile(`(?i)\blive (?:in|near) ([A-Za-z][A-Za-z ]{1,30}[A-Za-z])`),
	}
)

// Rules is the deterministic extractor used when no model answer is
// available. Only user turns are read.
func Rules(turns []Turn) Extraction {
	out := Extraction{Method: MethodRules}
	seenPref := map[string]bool{}
	seenLoc := map[string]bool{}
	for _, t := range turns {
		if t.Role != "user" {
			continue
		}
		for _, clause := range clauseSplit.Split(t.Content, -1) {
			clause = strings.TrimSpace(clause)
			if clause == "" {
				continue
			}
			sentiment := ""
			switch {
			case negativeCue.MatchString(clause):
				sentiment = domainchat.SentimentNegative
			case positiveCue.MatchString(clause):
				sentiment = domainchat.SentimentPositive
			}
			if sentiment != "" {
				for _, c := range lexicon.DetectAll(clause) {
					key := c + "|" + sentiment
					if seenPref[key] {
						continue
					}
					seenPref[key] = true
					out.Preferences = append(out.Preferences, domainchat.Preference{
						Category:   c,
						Value:      c,
						Sentiment:  sentiment,
						Confidence: ruleConfidence,
					})
				}
			}
		}
		for _, re := range locationPatterns {
			for _, m := range re.FindAllStringSubmatch(t.Content, -1) {
				name := cleanPlace(m[1])
				if name == "" || seenLoc[strings.ToLower(name)] {
					continue
				}
				seenLoc[strings.ToLower(name)] = true
				out.Locations = append(out.Locations, domainchat.FrequentLocation{Name: name})
			}
		}
	}
	return out
}

func cleanPlace(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(strings.ToLower(s), " and "); i > 0 {
		s = s[:i]
	}
	for _, suffix := range []string{"附近", "周边", "这边"} {
		s = strings.TrimSuffix(s, suffix)
	}
	return strings.TrimSpace(s)
}

func normalizeSentiment(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case domainchat.SentimentPositive:
		return domainchat.SentimentPositive
	case domainchat.SentimentNegative:
		return domainchat.SentimentNegative
	default:
		return domainchat.SentimentNeutral
	}
}

func clamp01(f float64) float64 {
	if f != f || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
