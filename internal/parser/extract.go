package parser

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")

// extractJSON finds a JSON object in a model reply: the whole reply, a
// fenced code block, or the first balanced {...} span. It reports whether
// the reply looked like it was trying to be JSON even if nothing valid was found.
func extractJSON(text string) (doc string, found bool, attempted bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false, false
	}
	attempted = strings.HasPrefix(text, "{") || strings.HasPrefix(text, "```")

	if strings.HasPrefix(text, "{") && gjson.Valid(text) {
		return text, true, true
	}
	for _, m := range fencedJSON.FindAllStringSubmatch(text, -1) {
		candidate := strings.TrimSpace(m[1])
		if strings.HasPrefix(candidate, "{") && gjson.Valid(candidate) {
			return candidate, true, true
		}
		if strings.HasPrefix(candidate, "{") {
			attempted = true
		}
	}
	if span := firstObject(text); span != "" && gjson.Valid(span) {
		return span, true, attempted
	}
	return "", false, attempted
}

// firstObject returns the first balanced {...} span, respecting strings.
func firstObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
