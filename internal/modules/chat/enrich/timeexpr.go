package enrich

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"
)

type resolver func(now time.Time) time.Time

type phrase struct {
	re      *regexp.Regexp
	resolve resolver
}

func zh(words ...string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(strings.Join(quoted, "|"))
}

func en(words ...string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = `\b` + regexp.QuoteMeta(w) + `\b`
	}
	return regexp.MustCompile(`(?i)` + strings.Join(quoted, "|"))
}

func at(day time.Time, hour int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, day.Location())
}

func dayOffset(n, hour int) resolver {
	return func(now time.Time) time.Time { return at(now.AddDate(0, 0, n), hour) }
}

// upcoming returns the next wd on or after today.
func upcoming(wd time.Weekday) resolver {
	return func(now time.Time) time.Time {
		delta := (int(wd) - int(now.Weekday()) + 7) % 7
		t := at(now.AddDate(0, 0, delta), 10)
		if t.Before(now) {
			t = t.AddDate(0, 0, 7)
		}
		return t
	}
}

// nextWeek returns wd in the Monday-based week after the current one.
func nextWeek(wd time.Weekday) resolver {
	return func(now time.Time) time.Time {
		sinceMonday := (int(now.Weekday()) + 6) % 7
		monday := now.AddDate(0, 0, 7-sinceMonday)
		return at(monday.AddDate(0, 0, (int(wd)+6)%7), 10)
	}
}

// thisWeekend is the next weekend morning that has not passed yet.
func thisWeekend(now time.Time) time.Time {
	switch now.Weekday() {
	case time.Saturday:
		if t := at(now, 10); !t.Before(now) {
			return t
		}
		return at(now.AddDate(0, 0, 1), 10)
	case time.Sunday:
		if t := at(now, 10); !t.Before(now) {
			return t
		}
	}
	return upcoming(time.Saturday)(now)
}

var weekdayNames = []struct {
	wd  time.Weekday
	zh  []string
	eng string
}{
	{time.Monday, []string{"周一", "星期一", "礼拜一"}, "monday"},
	{time.Tuesday, []string{"周二", "星期二", "礼拜二"}, "tuesday"},
	{time.Wednesday, []string{"周三", "星期三", "礼拜三"}, "wednesday"},
	{time.Thursday, []string{"周四", "星期四", "礼拜四"}, "thursday"},
	{time.Friday, []string{"周五", "星期五", "礼拜五"}, "friday"},
	{time.Saturday, []string{"周六", "星期六", "礼拜六"}, "saturday"},
	{time.Sunday, []string{"周日", "周天", "星期日", "星期天", "礼拜天"}, "sunday"},
}

var phrases = buildPhrases()

func buildPhrases() []phrase {
	out := []phrase{
		{zh("今晚", "今天晚上"), dayOffset(0, 19)},
		{en("tonight", "this evening"), dayOffset(0, 19)},
		{zh("明晚", "明天晚上"), dayOffset(1, 19)},
		{en("tomorrow night", "tomorrow evening"), dayOffset(1, 19)},
		{zh("明天下午"), dayOffset(1, 14)},
		{en("tomorrow afternoon"), dayOffset(1, 14)},
		{zh("明天"), dayOffset(1, 10)},
		{en("tomorrow"), dayOffset(1, 10)},
		{zh("后天"), dayOffset(2, 10)},
		{en("day after tomorrow"), dayOffset(2, 10)},
		{zh("今天下午"), dayOffset(0, 14)},
		{en("this afternoon"), dayOffset(0, 14)},
		{zh("这周末", "这个周末", "周末"), thisWeekend},
		{en("this weekend", "weekend"), thisWeekend},
		{zh("下周末", "下个周末"), nextWeek(time.Saturday)},
		{en("next weekend"), nextWeek(time.Saturday)},
	}
	for _, w := range weekdayNames {
		next := make([]string, 0, len(w.zh)*2)
		for _, name := range w.zh {
			next = append(next, "下"+name, "下个"+name)
		}
		out = append(out,
			phrase{zh(w.zh...), upcoming(w.wd)},
			phrase{en(w.eng), upcoming(w.wd)},
			phrase{zh(next...), nextWeek(w.wd)},
			phrase{en("next " + w.eng), nextWeek(w.wd)},
		)
	}
	return out
}

type timeMatch struct {
	start, end int
	resolve    resolver
}

// TimeExpression resolves relative time idioms against the request clock.
// Overlapping matches keep the longest phrase, so "下周一" wins over "周一".
type TimeExpression struct{}

func (TimeExpression) Name() string { return "time_expression" }

func (TimeExpression) Enrich(_ context.Context, text string, ec *Context) Step {
	matches := findTimeMatches(text)
	if len(matches) == 0 {
		return Step{}
	}
	now := ec.now()
	lines := make([]string, 0, len(matches)+1)
	lines = append(lines, "[time]")
	for _, m := range matches {
		lines = append(lines, text[m.start:m.end]+" => "+m.resolve(now).Format(time.RFC3339))
	}
	return Step{Tags: []string{"time"}, Block: strings.Join(lines, "\n")}
}

func findTimeMatches(text string) []timeMatch {
	var all []timeMatch
	for _, p := range phrases {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			all = append(all, timeMatch{start: loc[0], end: loc[1], resolve: p.resolve})
		}
	}
	if len(all) == 0 {
		return nil
	}
	sort.SliceStable(all, func(i, j int) bool {
		li, lj := all[i].end-all[i].start, all[j].end-all[j].start
		if li != lj {
			return li > lj
		}
		return all[i].start < all[j].start
	})
	kept := make([]timeMatch, 0, len(all))
	for _, m := range all {
		overlaps := false
		for _, k := range kept {
			if m.start < k.end && k.start < m.end {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, m)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].start < kept[j].start })
	return kept
}
