// Package lexicon holds the activity category vocabulary shared by the
// enrichers, the preference extractor and the broker.
package lexicon

import (
	"regexp"
	"strings"
)

type entry struct {
	category string
	re       *regexp.Regexp
}

func cat(category string, zh []string, en []string) entry {
	parts := make([]string, 0, len(zh)+len(en))
	for _, w := range zh {
		parts = append(parts, regexp.QuoteMeta(w))
	}
	for _, w := range en {
		parts = append(parts, `\b`+regexp.QuoteMeta(w)+`\b`)
	}
	return entry{category: category, re: regexp.MustCompile(`(?i)(` + strings.Join(parts, "|") + `)`)}
}

var entries = []entry{
	cat("hotpot", []string{"火锅", "涮锅"}, []string{"hotpot", "hot pot"}),
	cat("bbq", []string{"烧烤", "烤肉", "撸串"}, []string{"bbq", "barbecue"}),
	cat("dinner", []string{"聚餐", "吃饭", "约饭", "饭局"}, []string{"dinner", "brunch", "lunch"}),
	cat("coffee", []string{"咖啡"}, []string{"coffee", "cafe"}),
	cat("drinks", []string{"喝酒", "酒吧", "小酌"}, []string{"drinks", "bar", "beer"}),
	cat("badminton", []string{"羽毛球"}, []string{"badminton"}),
	cat("basketball", []string{"篮球"}, []string{"basketball"}),
	cat("football", []string{"足球"}, []string{"football", "soccer"}),
	cat("tennis", []string{"网球"}, []string{"tennis"}),
	cat("table_tennis", []string{"乒乓球"}, []string{"ping pong", "table tennis"}),
	cat("hiking", []string{"爬山", "徒步", "登山"}, []string{"hike", "hiking"}),
	cat("running", []string{"跑步", "夜跑", "晨跑"}, []string{"run", "running", "jog", "jogging"}),
	cat("cycling", []string{"骑行", "骑车"}, []string{"cycling", "bike ride"}),
	cat("yoga", []string{"瑜伽"}, []string{"yoga"}),
	cat("board_games", []string{"桌游", "剧本杀", "狼人杀"}, []string{"board game", "board games"}),
	cat("karaoke", []string{"唱歌", "K歌", "KTV"}, []string{"karaoke"}),
	cat("movie", []string{"电影", "看片"}, []string{"movie", "movies", "cinema", "film"}),
	cat("photography", []string{"摄影", "拍照"}, []string{"photography", "photo walk"}),
}

// Detect returns the category whose keyword appears earliest in text.
func Detect(text string) (string, bool) {
	best, bestAt := "", -1
	for _, e := range entries {
		loc := e.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		if bestAt < 0 || loc[0] < bestAt {
			best, bestAt = e.category, loc[0]
		}
	}
	return best, bestAt >= 0
}

// DetectAll returns every category mentioned, in table order.
func DetectAll(text string) []string {
	var out []string
	for _, e := range entries {
		if e.re.MatchString(text) {
			out = append(out, e.category)
		}
	}
	return out
}

// Known reports whether category is part of the vocabulary.
func Known(category string) bool {
	c := Normalize(category)
	for _, e := range entries {
		if e.category == c {
			return true
		}
	}
	return false
}

// Normalize maps a free-form label onto a category id when one of its
// keywords matches, and otherwise lowercases and trims it.
func Normalize(label string) string {
	s := strings.ToLower(strings.TrimSpace(label))
	for _, e := range entries {
		if e.category == s {
			return s
		}
	}
	if c, ok := Detect(s); ok {
		return c
	}
	return s
}

// Categories lists every category id in table order.
func Categories() []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.category
	}
	return out
}
