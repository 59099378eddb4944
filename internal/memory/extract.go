// Package memory parses durable user facts out of finished assistant replies.
package memory

import (
	"regexp"
	"strings"
)

// The assistant is prompted to append at most one annotation of the form
// [MEMORY: <fact>] to a reply. Facts never contain a closing bracket.
var annotation = regexp.MustCompile(`\[MEMORY:\s*([^\]]+)\]`)

// Extract returns the fact carried by the last memory annotation in text,
// trimmed of surrounding whitespace. The last occurrence wins: a reply that
// restates an annotation is trusted over what came before it.
func Extract(text string) (string, bool) {
	matches := annotation.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return "", false
	}
	fact := strings.TrimSpace(matches[len(matches)-1][1])
	if fact == "" {
		return "", false
	}
	return fact, true
}
