// Package guardrail screens user input before any tool or model call.
package guardrail

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	CategoryPromptInjection = "prompt_injection"
	CategoryIllegalGoods    = "illegal_goods"
	CategoryDoxxing         = "doxxing"
	CategoryViolence        = "violence"

	// ExcerptRunes bounds the text kept on a security event.
	ExcerptRunes = 120
)

type rule struct {
	id string
	re *regexp.Regexp
}

type category struct {
	name  string
	rules []rule
}

func r(id, pattern string) rule {
	return rule{id: id, re: regexp.MustCompile(`(?i)` + pattern)}
}

var table = []category{
	{name: CategoryPromptInjection, rules: []rule{
		r("injection.ignore_instructions", `ignore (all |any )?(the )?(previous|prior|above|earlier) (instructions|prompts|rules)`),
		r("injection.ignore_instructions_zh", `(忽略|无视|忘记)(之前|以上|前面|上面)?(的)?(所有)?(指令|提示|规则|设定)`),
		r("injection.reveal_prompt", `(reveal|print|show|repeat) (me )?(your|the) (system )?(prompt|instructions)`),
		r("injection.reveal_prompt_zh", `(输出|显示|告诉我|重复)(你的)?(系统)?(提示词|指令|设定)`),
		r("injection.role_override", `you are now (dan|an? unrestricted)|developer mode|jailbreak|越狱模式`),
	}},
	{name: CategoryIllegalGoods, rules: []rule{
		r("illegal.drugs", `(买|卖|搞点|弄点)(毒品|大麻|冰毒|k粉)|\b(buy|sell|score) (weed|cocaine|meth|mdma)\b`),
		r("illegal.weapons", `(买|卖)(枪|枪支|弹药)|\b(buy|sell) (a )?(gun|firearm|ammo)\b`),
	}},
	{name: CategoryDoxxing, rules: []rule{
		r("doxxing.locate_person", `人肉|查(一下)?(他|她|这个人)的?(住址|电话|身份证|家在哪)|\b(find|get) (his|her|their) (home )?(address|phone number)\b`),
	}},
	{name: CategoryViolence, rules: []rule{
		r("violence.threat", `(打死|弄死|砍死|杀了)(他|她|你|他们)|\b(kill|beat up|hurt) (him|her|them|someone)\b`),
	}},
}

type Verdict struct {
	Blocked  bool
	Category string
	RuleID   string
}

// Check screens text against the rule table. The first matching category
// wins.
func Check(text string) Verdict {
	s := strings.TrimSpace(text)
	if s == "" {
		return Verdict{}
	}
	for _, c := range table {
		for _, rl := range c.rules {
			if rl.re.MatchString(s) {
				return Verdict{Blocked: true, Category: c.name, RuleID: rl.id}
			}
		}
	}
	return Verdict{}
}

// Refusal returns the canned reply in the user's script.
func Refusal(text string) string {
	if hasHan(text) {
		return "抱歉，这个请求我没法帮忙。我可以帮你找活动、组局或者找搭子。"
	}
	return "Sorry, I can't help with that. I can help you find events, organize one, or find people to join."
}

// Excerpt truncates text to ExcerptRunes runes.
func Excerpt(text string) string {
	s := strings.TrimSpace(text)
	runes := []rune(s)
	if len(runes) <= ExcerptRunes {
		return s
	}
	return string(runes[:ExcerptRunes])
}

func hasHan(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}
