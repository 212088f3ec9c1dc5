package answer

import (
	"regexp"
	"strings"
)

var (
	boldMarker  = regexp.MustCompile(`\*\*Answer:\*\*\s*([^\n]+)`)
	plainMarker = regexp.MustCompile(`(?:^|\n)[ \t]*Answer:\s*([^\n]+)`)
	answerIs    = regexp.MustCompile(`[Tt]he\s+answer\s+is\s+(.+?)(?:\.(?:\s|$)|$|\n)`)
	optionParen = regexp.MustCompile(`\(([A-D])\)`)
)

// Extract pulls the final answer out of a generated response. Self-reported
// markers win over pattern fallbacks; the first rule that matches decides.
// An empty string means no answer was found.
func Extract(response string) string {
	if m := boldMarker.FindStringSubmatch(response); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := plainMarker.FindStringSubmatch(response); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := answerIs.FindStringSubmatch(response); m != nil {
		return strings.TrimSpace(m[1])
	}

	lines := strings.Split(strings.TrimSpace(response), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if m := optionParen.FindStringSubmatch(lines[i]); m != nil {
			return m[1]
		}
	}
	return ""
}
