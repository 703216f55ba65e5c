package providers

import "regexp"

var videoLinkPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b[\w.-]*zoom\.us/(j|my|w|s)/`),
	regexp.MustCompile(`(?i)\bzoomgov\.com/j/`),
	regexp.MustCompile(`(?i)\bmeet\.google\.com/[a-z]{3}-[a-z]{4}-[a-z]{3}`),
	regexp.MustCompile(`(?i)\bteams\.microsoft\.com/l/meetup-join/`),
	regexp.MustCompile(`(?i)\bteams\.live\.com/meet/`),
	regexp.MustCompile(`(?i)\b[\w-]+\.webex\.com/`),
	regexp.MustCompile(`(?i)\b(global\.)?gotomeeting\.com/join/`),
	regexp.MustCompile(`(?i)\bmeet\.goto\.com/`),
	regexp.MustCompile(`(?i)\bwhereby\.com/`),
	regexp.MustCompile(`(?i)\bchime\.aws/`),
	regexp.MustCompile(`(?i)\bbluejeans\.com/`),
	regexp.MustCompile(`(?i)\bmeet\.jit\.si/`),
}

// ContainsVideoLink reports whether any text holds a known meeting URL.
func ContainsVideoLink(texts ...string) bool {
	for _, text := range texts {
		if text == "" {
			continue
		}
		for _, re := range videoLinkPatterns {
			if re.MatchString(text) {
				return true
			}
		}
	}
	return false
}
