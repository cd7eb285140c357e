package providers

import (
	"regexp"
	"strings"
)

var thinkingBlock = regexp.MustCompile(`(?is)<(thinking|think)>.*?</(?:thinking|think)>`)

// StripThinkingTags removes reasoning blocks some models emit before their
// answer and trims what is left.
func StripThinkingTags(text string) string {
	return strings.TrimSpace(thinkingBlock.ReplaceAllString(text, ""))
}
