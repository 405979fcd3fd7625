package escalation

import (
	"strings"
)

// humanLabels prefix the lines spoken by the person who picked up the
// escalation call. Provider transcripts label the callee "User"/"Customer".
var humanLabels = []string{"human:", "user:", "customer:", "owner:"}

// ExtractAnswer picks the human's answer: the structured answer when the
// provider extracted one, then the human-labelled transcript lines, then the
// call summary.
func ExtractAnswer(structured, transcript, summary string) string {
	if a := strings.TrimSpace(structured); a != "" {
		return a
	}
	if a := HumanLines(transcript); a != "" {
		return a
	}
	return strings.TrimSpace(summary)
}

// HumanLines returns the human-labelled lines of a transcript with their
// labels removed, joined by a space.
func HumanLines(transcript string) string {
	var parts []string
	for _, line := range strings.Split(transcript, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		for _, label := range humanLabels {
			if strings.HasPrefix(lower, label) {
				if text := strings.TrimSpace(line[len(label):]); text != "" {
					parts = append(parts, text)
				}
				break
			}
		}
	}
	return strings.Join(parts, " ")
}
