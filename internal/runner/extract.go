package runner

import (
	"regexp"
	"strings"
)

// maxExtractDepth bounds the recursive descent into nested payloads.
const maxExtractDepth = 6

// extractIgnoreKeys are structural keys whose string values are never
// assistant text.
var extractIgnoreKeys = map[string]struct{}{
	"type":              {},
	"role":              {},
	"name":              {},
	"item_type":         {},
	"status":            {},
	"id":                {},
	"item_id":           {},
	"session_id":        {},
	"command":           {},
	"args":              {},
	"exit_code":         {},
	"aggregated_output": {},
}

var itemIDToken = regexp.MustCompile(`\bitem_\d+\b`)

// StripItemIDs removes vendor item-identifier tokens embedded in assistant
// text before emission.
func StripItemIDs(text string) string {
	out := itemIDToken.ReplaceAllString(text, "")
	return strings.TrimSpace(strings.Join(strings.Fields(out), " "))
}

// ExtractText collects the human-readable text scattered through a nested
// payload: a depth-limited visitor that dedupes string pieces and skips
// the structural key set.
func ExtractText(payload any) string {
	var pieces []string
	seen := make(map[string]struct{})
	visitText(payload, 0, seen, &pieces)
	return strings.TrimSpace(strings.Join(pieces, "\n"))
}

func visitText(node any, depth int, seen map[string]struct{}, pieces *[]string) {
	if depth > maxExtractDepth {
		return
	}
	switch v := node.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		*pieces = append(*pieces, s)
	case map[string]any:
		// Prefer well-known text keys first so ordering is stable.
		for _, key := range []string{"text", "message", "content", "body", "delta"} {
			if child, ok := v[key]; ok {
				visitText(child, depth+1, seen, pieces)
			}
		}
		for key, child := range v {
			if _, skip := extractIgnoreKeys[key]; skip {
				continue
			}
			switch key {
			case "text", "message", "content", "body", "delta":
				continue
			}
			visitText(child, depth+1, seen, pieces)
		}
	case []any:
		for _, child := range v {
			visitText(child, depth+1, seen, pieces)
		}
	}
}
