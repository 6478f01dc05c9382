package ai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON pulls the first JSON object out of an LLM completion and
// unmarshals it into v. Tolerates markdown code fences and prose around
// the object.
func ExtractJSON(text string, v any) error {
	cleaned := stripFences(text)

	start := strings.Index(cleaned, "{")
	if start < 0 {
		return fmt.Errorf("no JSON object in completion")
	}
	// Walk to the matching close brace, respecting strings.
	depth, inString, escaped := 0, false, false
	for i := start; i < len(cleaned); i++ {
		ch := cleaned[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return json.Unmarshal([]byte(cleaned[start:i+1]), v)
			}
		}
	}
	return fmt.Errorf("unbalanced JSON object in completion")
}

func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		// Drop an optional language tag on the fence line.
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && nl < 20 {
			s = s[nl+1:]
		}
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	return strings.TrimSpace(s)
}
