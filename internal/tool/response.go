package tool

import (
	"encoding/json"
	"strings"
)

// rawCaptureLimit bounds the raw text preserved inside a degraded result.
const rawCaptureLimit = 1000

// Normalize strips markdown fence markers from raw tool output and parses
// it as a JSON object. Malformed output never fails the caller: it degrades
// to a wrapper carrying the parse error and a truncated copy of the raw
// text, so one bad response costs one inspectable unit result, not a phase.
func Normalize(raw string) map[string]any {
	cleaned := stripFences(raw)
	var parsed map[string]any
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return map[string]any{
			"parse_error":  err.Error(),
			"raw_response": truncate(raw, rawCaptureLimit),
		}
	}
	return parsed
}

// IsDegraded reports whether a normalized result is a parse-failure wrapper.
func IsDegraded(result map[string]any) bool {
	if result == nil {
		return false
	}
	_, ok := result["parse_error"]
	return ok
}

// stripFences removes a leading ```json marker and a trailing ``` marker.
// Only the very start and end are touched; fences inside the body belong to
// the payload.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "```json") {
		s = s[len("```json"):]
		s = strings.TrimLeft(s, " \t\r\n")
	}
	if strings.HasSuffix(s, "```") {
		s = s[:len(s)-len("```")]
		s = strings.TrimRight(s, " \t\r\n")
	}
	return s
}
