package status

import (
	"sort"
	"strings"
	"time"
)

// Rule maps events matching a predicate to a configured status key.
type Rule struct {
	Name    string
	Matches func(NormalizedEvent, ClassificationRules) bool
	Key     func(ClassificationRules) int
}

// DefaultRules is the classification priority: keyword, video, all-day, timed.
var DefaultRules = []Rule{
	{
		Name: "keyword",
		Matches: func(e NormalizedEvent, r ClassificationRules) bool {
			return MatchesKeyword(e, r.Keywords)
		},
		Key: func(r ClassificationRules) int { return r.KeywordStatusKey },
	},
	{
		Name: "video",
		Matches: func(e NormalizedEvent, r ClassificationRules) bool {
			return r.DetectVideo && e.HasVideoLink
		},
		Key: func(r ClassificationRules) int { return r.VideoStatusKey },
	},
	{
		Name: "all_day",
		Matches: func(e NormalizedEvent, _ ClassificationRules) bool {
			return e.AllDay
		},
		Key: func(r ClassificationRules) int { return r.OOOStatusKey },
	},
	{
		Name: "timed",
		Matches: func(e NormalizedEvent, _ ClassificationRules) bool {
			return !e.AllDay
		},
		Key: func(r ClassificationRules) int { return r.MeetingStatusKey },
	},
}

// FirstMatch returns the key of the first rule that matches the event and has
// a configured key. Rules whose key is unset are skipped.
func FirstMatch(rules []Rule, e NormalizedEvent, cfg ClassificationRules) (int, string, bool) {
	for _, rule := range rules {
		key := rule.Key(cfg)
		if key == 0 {
			continue
		}
		if rule.Matches(e, cfg) {
			return key, rule.Name, true
		}
	}
	return 0, "", false
}

// Classify returns the status key for one event, or 0 when nothing matches.
func Classify(e NormalizedEvent, cfg ClassificationRules) int {
	key, _, _ := FirstMatch(DefaultRules, e, cfg)
	return key
}

// SelectActive resolves the status for the events overlapping now. Events
// are walked in chronological order and the first one matching a rule
// decides. With no match the fallback order applies.
func SelectActive(events []NormalizedEvent, now time.Time, cfg ClassificationRules, preferredKey int) int {
	current := make([]NormalizedEvent, 0, len(events))
	for _, e := range events {
		if e.Overlaps(now) {
			current = append(current, e)
		}
	}
	sort.SliceStable(current, func(i, j int) bool {
		return current[i].Start.Before(current[j].Start)
	})
	for _, e := range current {
		if key, _, ok := FirstMatch(DefaultRules, e, cfg); ok {
			return key
		}
	}
	return Fallback(cfg, preferredKey)
}

// Fallback picks the status shown when no event drives it. With
// IdlePrefersPreferred the preferred key wins over the idle key; otherwise
// idle wins. A result of 0 leaves the display unchanged.
func Fallback(cfg ClassificationRules, preferredKey int) int {
	order := []int{cfg.IdleStatusKey, preferredKey}
	if cfg.IdlePrefersPreferred {
		order = []int{preferredKey, cfg.IdleStatusKey}
	}
	for _, key := range order {
		if key != 0 {
			return key
		}
	}
	return 0
}

// MatchesKeyword reports whether any keyword appears in the title or
// description, case-insensitively.
func MatchesKeyword(e NormalizedEvent, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	haystack := strings.ToLower(e.Title + " " + e.Description)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}
