package generator

import "strings"

// xml tags models sometimes echo back from the template.
var strayTags = []string{
	"<AgentOutput>", "</AgentOutput>",
	"<Post>", "</Post>",
	"<Output>", "</Output>",
}

// CleanDraft strips stray XML tags and collapses runs of blank lines so the
// text is ready to publish as-is.
func CleanDraft(text string) string {
	cleaned := strings.TrimSpace(text)
	for _, tag := range strayTags {
		cleaned = strings.ReplaceAll(cleaned, tag, "")
	}

	// A reply wrapped in one unknown tag pair: drop the wrapper.
	if strings.HasPrefix(cleaned, "<") {
		if close := strings.Index(cleaned, ">"); close != -1 {
			cleaned = strings.TrimSpace(cleaned[close+1:])
		}
	}
	if strings.HasSuffix(cleaned, ">") {
		if open := strings.LastIndex(cleaned, "<"); open != -1 {
			cleaned = strings.TrimSpace(cleaned[:open])
		}
	}

	lines := strings.Split(cleaned, "\n")
	out := make([]string, 0, len(lines))
	prevEmpty := false
	for _, line := range lines {
		empty := strings.TrimSpace(line) == ""
		if empty && prevEmpty {
			continue
		}
		out = append(out, line)
		prevEmpty = empty
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// WordCount counts whitespace-separated words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
