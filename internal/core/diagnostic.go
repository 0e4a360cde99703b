package core

import (
	"regexp"
	"strings"
)

// maxErrorLines bounds RunResult.ErrorLines so a runaway log cannot flood
// the console.
const maxErrorLines = 20

// FailureClassifier picks the lines of a stage's diagnostic output that
// identify the failure. The two runtimes write errors differently:
//
//   - Statistical runtime log: "ERROR: ...", "ERROR 22-322: ...", and the
//     "NOTE: The SAS System stopped processing" banner.
//   - Interpreted script stderr: "Traceback (most recent call last):" and
//     the terminal "SomethingError: message" line.
type FailureClassifier struct {
	patterns map[StageKind][]*regexp.Regexp
}

// NewFailureClassifier creates a classifier with the built-in patterns.
func NewFailureClassifier() *FailureClassifier {
	return &FailureClassifier{
		patterns: map[StageKind][]*regexp.Regexp{
			KindStatistical: {
				regexp.MustCompile(`^ERROR(\s+\d+-\d+)?:`),
				regexp.MustCompile(`^ERROR\b`),
				regexp.MustCompile(`^NOTE: The SAS System stopped processing`),
			},
			KindScript: {
				regexp.MustCompile(`^Traceback \(most recent call last\):`),
				regexp.MustCompile(`^[A-Za-z_][\w.]*(Error|Exception|Interrupt|Exit)(:|$)`),
				regexp.MustCompile(`^(fatal|FATAL|error|ERROR)[:\s]`),
			},
		},
	}
}

// Classify returns the matching lines of text, in order, bounded by
// maxErrorLines (the last ones are kept).
func (c *FailureClassifier) Classify(kind StageKind, text string) []string {
	if c == nil || text == "" {
		return nil
	}
	pats := c.patterns[kind]
	if len(pats) == 0 {
		return nil
	}

	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		for _, p := range pats {
			if p.MatchString(trimmed) {
				out = append(out, trimmed)
				break
			}
		}
	}
	if len(out) > maxErrorLines {
		out = out[len(out)-maxErrorLines:]
	}
	return out
}
