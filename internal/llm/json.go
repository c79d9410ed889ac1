package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// DecodeJSON parses a JSON document out of a model reply. Models wrap
// JSON in markdown fences or prose and occasionally emit malformed
// documents (trailing commas, single quotes); plain unmarshalling is
// tried first and jsonrepair is the fallback.
func DecodeJSON(content string, v any) error {
	raw := extractJSON(content)
	if raw == "" {
		return fmt.Errorf("no JSON document in reply")
	}
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return fmt.Errorf("repair JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("decode repaired JSON: %w", err)
	}
	return nil
}

// extractJSON strips markdown fences and surrounding prose, returning
// the outermost {...} or [...] slice of the reply.
func extractJSON(content string) string {
	s := strings.TrimSpace(content)
	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		rest = strings.TrimPrefix(rest, "JSON")
		if end := strings.Index(rest, "```"); end >= 0 {
			s = strings.TrimSpace(rest[:end])
		} else {
			s = strings.TrimSpace(rest)
		}
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	var end int
	if s[start] == '{' {
		end = strings.LastIndex(s, "}")
	} else {
		end = strings.LastIndex(s, "]")
	}
	if end <= start {
		// Unterminated document: let jsonrepair close it.
		return s[start:]
	}
	return s[start : end+1]
}
