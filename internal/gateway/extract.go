package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoJSONObject is returned when no part of a reply contains a JSON object.
var ErrNoJSONObject = errors.New("no JSON object found in provider reply")

var (
	fencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*[ \t]*\r?\n?(.*?)```")
	thinkPattern = regexp.MustCompile(`(?s)<think>.*?</think>`)
)

// ExtractJSONObject returns the first JSON value whose root is an object.
// Parts are tried in order, then their concatenation. Within a part the whole
// text is tried first, then fenced blocks, then a scan over embedded values.
// Arrays and scalars are skipped, never unwrapped.
func ExtractJSONObject(parts []string) (json.RawMessage, error) {
	return ExtractAcceptedObject(parts, nil)
}

// ExtractAcceptedObject is ExtractJSONObject with a filter: candidates rejected by accept
// are skipped and the search continues in the same reply. When every candidate is
// rejected the last rejection is returned.
func ExtractAcceptedObject(parts []string, accept func(json.RawMessage) error) (json.RawMessage, error) {
	var (
		found   json.RawMessage
		lastErr error
	)
	seen := make(map[string]struct{})
	visit := func(obj json.RawMessage) bool {
		key := string(bytes.TrimSpace(obj))
		if _, dup := seen[key]; dup {
			return false
		}
		seen[key] = struct{}{}
		if accept != nil {
			if err := accept(obj); err != nil {
				lastErr = err
				return false
			}
		}
		found = obj
		return true
	}

	for _, part := range parts {
		if eachObject(part, visit) {
			return found, nil
		}
	}
	if len(parts) > 1 && eachObject(strings.Join(parts, "\n"), visit) {
		return found, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("no acceptable JSON object: %w", lastErr)
	}
	return nil, ErrNoJSONObject
}

// eachObject offers every object candidate of text to visit until it returns true.
func eachObject(text string, visit func(json.RawMessage) bool) bool {
	text = strings.TrimSpace(thinkPattern.ReplaceAllString(text, ""))
	if text == "" {
		return false
	}
	if obj, ok := wholeObject(text); ok && visit(obj) {
		return true
	}
	for _, m := range fencePattern.FindAllStringSubmatch(text, -1) {
		if obj, ok := wholeObject(strings.TrimSpace(m[1])); ok && visit(obj) {
			return true
		}
	}
	return scanObjects(text, visit)
}

func wholeObject(text string) (json.RawMessage, bool) {
	if !strings.HasPrefix(text, "{") {
		return nil, false
	}
	var raw json.RawMessage
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, false
	}
	return raw, true
}

// scanObjects walks the text and decodes a JSON value at every '{' or '['.
// A decoded array or a rejected object is skipped as a whole so values nested
// in it are not mistaken for the answer.
func scanObjects(text string, visit func(json.RawMessage) bool) bool {
	data := []byte(text)
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c != '{' && c != '[' {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(data[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			continue
		}
		if c == '{' && visit(raw) {
			return true
		}
		i += int(dec.InputOffset()) - 1
	}
	return false
}
