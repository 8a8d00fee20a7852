package ai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseJSON decodes model output that may be wrapped in markdown code fences
// or surrounded by prose. It tries the raw text first, then a fence-stripped
// version, then the outermost JSON object.
func parseJSON(text string, dst any) error {
	candidates := []string{text, stripFences(text)}
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			candidates = append(candidates, text[start:end+1])
		}
	}
	var lastErr error
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if err := json.Unmarshal([]byte(c), dst); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("empty response")
	}
	return fmt.Errorf("no JSON found in model output: %w", lastErr)
}

func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
