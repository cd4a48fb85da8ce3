package llm

import (
	"regexp"
	"strings"
)

var thinkTagRe = regexp.MustCompile(`(?s)<think(?:ing)?>(.*?)</think(?:ing)?>`)

// ExtractReasoning separates model thinking from answer content. Servers
// that populate the reasoning field win; otherwise <think>/<thinking> tags
// are stripped out of the content, including an unclosed trailing tag.
func ExtractReasoning(msg *Message) (reasoning, content string) {
	if strings.TrimSpace(msg.Reasoning) != "" {
		return strings.TrimSpace(msg.Reasoning), strings.TrimSpace(msg.Content)
	}
	return extractThinkTags(msg.Content)
}

func extractThinkTags(content string) (string, string) {
	var parts []string
	cleaned := thinkTagRe.ReplaceAllStringFunc(content, func(m string) string {
		sub := thinkTagRe.FindStringSubmatch(m)
		if body := strings.TrimSpace(sub[1]); body != "" {
			parts = append(parts, body)
		}
		return ""
	})

	// an unclosed opening tag swallows the rest of the message
	for _, open := range []string{"<think>", "<thinking>"} {
		if i := strings.Index(cleaned, open); i >= 0 {
			if body := strings.TrimSpace(cleaned[i+len(open):]); body != "" {
				parts = append(parts, body)
			}
			cleaned = cleaned[:i]
		}
	}

	// stray closers left over from malformed output
	for _, closer := range []string{"</think>", "</thinking>"} {
		cleaned = strings.ReplaceAll(cleaned, closer, "")
	}

	return strings.Join(parts, "\n\n"), strings.TrimSpace(cleaned)
}
