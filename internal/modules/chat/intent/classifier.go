// Package intent labels a user message with the conversational intent the
// router dispatches on. Rules run first; the model is consulted only when no
// rule fires.
package intent

import (
	"context"
	"fmt"
	"strings"

	"github.com/yungbote/huddle-backend/internal/observability"
	"github.com/yungbote/huddle-backend/internal/platform/llm"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

type Label string

const (
	Idle        Label = "idle"
	Chitchat    Label = "chitchat"
	Manage      Label = "manage"
	Partner     Label = "partner"
	Create      Label = "create"
	Explore     Label = "explore"
	ModifyDraft Label = "modify_draft"
)

// Labels lists every label in rule priority order.
var Labels = []Label{Idle, Chitchat, Manage, Partner, Create, Explore, ModifyDraft}

const (
	MethodRule  = "rule"
	MethodModel = "model"

	// RuleConfidence is reported for every rule match.
	RuleConfidence = 0.95
	// FallbackConfidence is reported when the model could not decide.
	FallbackConfidence = 0.5
	FallbackRuleID     = "fallback"
)

func (l Label) Valid() bool {
	for _, v := range Labels {
		if v == l {
			return true
		}
	}
	return false
}

type ClassifyContext struct {
	HasDraft bool
}

type ClassifyResult struct {
	Intent     Label   `json:"intent"`
	Confidence float64 `json:"confidence"`
	Method     string  `json:"method"`
	RuleID     string  `json:"ruleId,omitempty"`
}

type Classifier struct {
	provider llm.Provider
	log      *logger.Logger
}

func New(provider llm.Provider, log *logger.Logger) *Classifier {
	return &Classifier{provider: provider, log: log.With("module", "intent")}
}

// ClassifyRules is the synchronous rule-only path. ok is false when no rule
// matched.
func (c *Classifier) ClassifyRules(message string, cc ClassifyContext) (ClassifyResult, bool) {
	return classifyRules(message, cc)
}

func classifyRules(message string, cc ClassifyContext) (ClassifyResult, bool) {
	text := strings.TrimSpace(message)
	if text == "" {
		return ClassifyResult{Intent: Idle, Confidence: RuleConfidence, Method: MethodRule, RuleID: "idle.empty"}, true
	}
	for _, set := range ruleTable {
		if id, ok := matchSet(set, text); ok {
			return ClassifyResult{Intent: set.intent, Confidence: RuleConfidence, Method: MethodRule, RuleID: id}, true
		}
	}
	if cc.HasDraft {
		if id, ok := matchSet(draftRules, text); ok {
			return ClassifyResult{Intent: ModifyDraft, Confidence: RuleConfidence, Method: MethodRule, RuleID: id}, true
		}
	}
	return ClassifyResult{}, false
}

// Classify never fails: a model error degrades to explore at reduced
// confidence.
func (c *Classifier) Classify(ctx context.Context, message string, cc ClassifyContext) ClassifyResult {
	res, ok := classifyRules(message, cc)
	if !ok {
		res = c.classifyModel(ctx, message, cc)
	}
	observability.Current().IncClassified(string(res.Intent), res.Method)
	return res
}

func fallback() ClassifyResult {
	return ClassifyResult{Intent: Explore, Confidence: FallbackConfidence, Method: MethodModel, RuleID: FallbackRuleID}
}

type modelVerdict struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

func (c *Classifier) classifyModel(ctx context.Context, message string, cc ClassifyContext) ClassifyResult {
	if c == nil || c.provider == nil {
		return fallback()
	}
	allowed := allowedLabels(cc)
	var out modelVerdict
	err := c.provider.GenerateStructured(ctx, modelPrompt(message, allowed), "intent_classification", verdictSchema(allowed), &out)
	if err != nil {
		c.log.Warn("intent model call failed; using fallback", "error", err)
		return fallback()
	}
	label := Label(strings.ToLower(strings.TrimSpace(out.Intent)))
	if !containsLabel(allowed, label) {
		c.log.Warn("intent model returned unknown label; using fallback", "label", out.Intent)
		return fallback()
	}
	return ClassifyResult{Intent: label, Confidence: clamp01(out.Confidence), Method: MethodModel}
}

func allowedLabels(cc ClassifyContext) []Label {
	out := make([]Label, 0, len(Labels))
	for _, l := range Labels {
		if l == ModifyDraft && !cc.HasDraft {
			continue
		}
		out = append(out, l)
	}
	return out
}

func containsLabel(list []Label, l Label) bool {
	for _, v := range list {
		if v == l {
			return true
		}
	}
	return false
}

func verdictSchema(allowed []Label) map[string]any {
	enum := make([]any, 0, len(allowed))
	for _, l := range allowed {
		enum = append(enum, string(l))
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"intent":     map[string]any{"type": "string", "enum": enum},
			"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		},
		"required":             []any{"intent", "confidence"},
		"additionalProperties": false,
	}
}

func modelPrompt(message string, allowed []Label) string {
	var b strings.Builder
	b.WriteString("Classify the user's message for a meetup assistant.\n")
	b.WriteString("Labels:\n")
	for _, l := range allowed {
		fmt.Fprintf(&b, "- %s: %s\n", l, labelHints[l])
	}
	b.WriteString("Return the single best label and your confidence between 0 and 1.\n\n")
	b.WriteString("Message:\n")
	b.WriteString(message)
	return b.String()
}

var labelHints = map[Label]string{
	Idle:        "the user is disengaging, declining or saying goodbye",
	Chitchat:    "small talk unrelated to events",
	Manage:      "the user's own registrations or events they organize",
	Partner:     "looking for other people to join them",
	Create:      "explicitly organizing or hosting a new event",
	Explore:     "discovering existing events or places, including wanting to eat, drink or play something",
	ModifyDraft: "changing or publishing the draft event currently open",
}

func clamp01(f float64) float64 {
	switch {
	case f != f:
		return 0
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
