package analyzer

import (
	"encoding/json"
	"fmt"
	"strings"
)

// stripFences removes a ```json ... ``` wrapper, if present.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) < 3 {
		return text
	}
	end := len(lines) - 1
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			end = i
			break
		}
	}
	return strings.Join(lines[1:end], "\n")
}

// extractJSON returns the outermost JSON object or array in text.
func extractJSON(text string) (string, error) {
	obj := strings.Index(text, "{")
	arr := strings.Index(text, "[")
	if obj == -1 && arr == -1 {
		return "", fmt.Errorf("no JSON content found")
	}

	start, closer := obj, "}"
	if obj == -1 || (arr != -1 && arr < obj) {
		start, closer = arr, "]"
	}
	text = text[start:]
	end := strings.LastIndex(text, closer)
	if end == -1 {
		return "", fmt.Errorf("no closing %s found", closer)
	}
	return text[:end+1], nil
}

// parseJSON decodes a model reply that may wrap its JSON in fences or prose.
func parseJSON[T any](raw string) (T, error) {
	var out T
	body, err := extractJSON(stripFences(raw))
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return out, fmt.Errorf("unmarshal: %w", err)
	}
	return out, nil
}
