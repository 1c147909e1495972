package replay

import (
	"fmt"
	"strings"

	"github.com/funnyzak/reqreplay/pkg/jsonvalue"
)

// DefaultValueChars bounds how much of a value is shown in diagnostics
const DefaultValueChars = 200

// TransportError wraps a request that never produced a response
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BodyParseError reports a response body that could not be decoded as JSON
type BodyParseError struct {
	Err error
}

func (e *BodyParseError) Error() string {
	return "body: failed to parse JSON response"
}

func (e *BodyParseError) Unwrap() error {
	return e.Err
}

// ComparisonError is a single mismatch at a JSON path. Detail holds
// optional indented lines rendered under the summary.
type ComparisonError struct {
	Path    string
	Message string
	Detail  []string
}

func (e *ComparisonError) Error() string {
	var b strings.Builder
	b.WriteString(e.Path)
	b.WriteString(":")
	if e.Message != "" {
		b.WriteString(" ")
		b.WriteString(e.Message)
	}
	for _, line := range e.Detail {
		b.WriteString("\n  ")
		b.WriteString(line)
	}
	return b.String()
}

// valueMismatch renders expected and received values with their types
func valueMismatch(path, message string, expected, actual any, limit int) *ComparisonError {
	return &ComparisonError{
		Path:    path,
		Message: message,
		Detail: []string{
			"Expected: " + TypeOf(expected) + " " + FormatValue(expected, limit),
			"Received: " + TypeOf(actual) + " " + FormatValue(actual, limit),
		},
	}
}

// TypeOf describes the shape of v for diagnostics
func TypeOf(v any) string {
	if items, ok := v.([]any); ok {
		return fmt.Sprintf("array (%d items)", len(items))
	}
	return jsonvalue.KindOf(v).String()
}

// FormatValue renders v for diagnostics. Strings are quoted and clipped at
// limit characters, arrays preview their first three items and objects are
// pretty-printed.
func FormatValue(v any, limit int) string {
	if limit <= 0 {
		limit = DefaultValueChars
	}
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		runes := []rune(t)
		if len(runes) <= limit {
			return `"` + t + `"`
		}
		return fmt.Sprintf(`"%s..." (truncated, %d chars)`, string(runes[:limit]), len(runes))
	case []any:
		if len(t) == 0 {
			return "[]"
		}
		preview := make([]string, 0, 3)
		for i, item := range t {
			if i == 3 {
				break
			}
			preview = append(preview, FormatValue(item, 50))
		}
		suffix := "]"
		if len(t) > 3 {
			suffix = fmt.Sprintf(", ...] (%d items)", len(t))
		}
		return "[" + strings.Join(preview, ", ") + suffix
	case map[string]any:
		data, err := jsonvalue.MarshalIndent(t, "  ")
		if err != nil {
			return "[object]"
		}
		runes := []rune(string(data))
		if len(runes) <= limit {
			return string(data)
		}
		return fmt.Sprintf("%s... (truncated, %d chars)", string(runes[:limit]), len(runes))
	default:
		return jsonvalue.Stringify(v)
	}
}
