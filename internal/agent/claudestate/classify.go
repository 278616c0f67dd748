package claudestate

import (
	"regexp"
	"strings"
)

// Terminal states reported by the detector.
const (
	StateIdle       = "idle"
	StateWorking    = "working"
	StatePermission = "permission"
	StateQuestion   = "question"
)

// classifyLines is how many trailing non-blank screen lines are considered.
const classifyLines = 20

// Screen-scrape patterns, checked in priority order. Anchors are
// line-start where the pattern would otherwise match conversational text.
var (
	permissionRe = regexp.MustCompile(`^\s*2\.\s+Yes,\s`)

	questionRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*Press Enter`),
		regexp.MustCompile(`(?i)Enter to select`),
		regexp.MustCompile(`↑/↓ to navigate`),
		regexp.MustCompile(`(?i)Esc to cancel`),
		regexp.MustCompile(`(?i)\[use arrows`),
	}

	workingRe = regexp.MustCompile(`(?i)esc to interrupt`)

	idlePromptRe = regexp.MustCompile(`^❯[\s\x{00a0}](?:[^0-9]|$)`)
	idleSplashRe = regexp.MustCompile(`(?i)⏵⏵\s*bypass permissions`)

	claudeCommandRe = regexp.MustCompile(`(?i)^claude$`)
	claudeChildRe   = regexp.MustCompile(`(?i)claude`)
)

// ClassifyScreen maps a captured visible screen to a state. The last 20
// non-blank lines are examined; priority: permission, question, working,
// idle, else working.
func ClassifyScreen(screen string) string {
	lines := lastNonBlank(screen, classifyLines)

	for _, line := range lines {
		if permissionRe.MatchString(line) {
			return StatePermission
		}
	}
	for _, line := range lines {
		for _, re := range questionRes {
			if re.MatchString(line) {
				return StateQuestion
			}
		}
	}
	for _, line := range lines {
		if workingRe.MatchString(line) {
			return StateWorking
		}
	}
	for _, line := range lines {
		if idlePromptRe.MatchString(line) || idleSplashRe.MatchString(line) {
			return StateIdle
		}
	}
	return StateWorking
}

func lastNonBlank(screen string, n int) []string {
	all := strings.Split(screen, "\n")
	out := make([]string, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		if strings.TrimSpace(all[i]) == "" {
			continue
		}
		out = append(out, all[i])
	}
	// Restore top-to-bottom order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
