package synthesis

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kalambet/askcube/internal/cube"
)

// thinkTagPattern matches <think>...</think> blocks some models emit before
// the answer.
var thinkTagPattern = regexp.MustCompile(`(?s)<think>.*?</think>`)

var errNoJSON = errors.New("no JSON object found in response")

// extractJSON returns the first balanced JSON object in a model response,
// ignoring think blocks, markdown fences and surrounding prose.
func extractJSON(response string) (string, error) {
	cleaned := thinkTagPattern.ReplaceAllString(response, "")

	for rest := cleaned; ; {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			break
		}
		if obj, ok := balancedObject(rest[start:]); ok {
			if json.Valid([]byte(obj)) {
				return obj, nil
			}
		}
		rest = rest[start+1:]
	}
	return "", errNoJSON
}

// balancedObject returns the prefix of s (which starts with '{') up to its
// matching closing brace, honouring string literals.
func balancedObject(s string) (string, bool) {
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

// parseQuery decodes a model response into a cube.Query.
func parseQuery(response string) (*cube.Query, error) {
	obj, err := extractJSON(response)
	if err != nil {
		return nil, err
	}

	// Some models wrap the query as {"query": {...}}.
	var wrapped struct {
		Query json.RawMessage `json:"query"`
	}
	if err := json.Unmarshal([]byte(obj), &wrapped); err == nil && len(wrapped.Query) > 0 && wrapped.Query[0] == '{' {
		obj = string(wrapped.Query)
	}

	var q cube.Query
	if err := json.Unmarshal([]byte(obj), &q); err != nil {
		return nil, fmt.Errorf("decoding structured query: %w", err)
	}
	return &q, nil
}
