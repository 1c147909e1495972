package replay

import (
	"fmt"

	"github.com/funnyzak/reqreplay/pkg/jsonvalue"
	"github.com/funnyzak/reqreplay/pkg/placeholder"
	"github.com/funnyzak/reqreplay/pkg/policy"
	"github.com/funnyzak/reqreplay/pkg/similarity"
	"github.com/funnyzak/reqreplay/pkg/sse"
)

// comparer walks an expected body against an actual one, binding
// placeholders as it goes and collecting errors and warnings.
type comparer struct {
	store  *placeholder.Store
	repl   *placeholder.ReplacementStore
	policy *policy.Policy
	limit  int

	errs  []error
	warns []string
}

func (c *comparer) fail(err error) {
	c.errs = append(c.errs, err)
}

func (c *comparer) warn(path, message string, expected, actual any) {
	c.warns = append(c.warns, fmt.Sprintf("⚠️  %s: %s\n  Expected: %s\n  Received: %s",
		path, message, FormatValue(expected, c.limit), FormatValue(actual, c.limit)))
}

func (c *comparer) compare(expected, actual any, path string) {
	if s, ok := expected.(string); ok {
		if name, whole := placeholder.WholeName(s); whole {
			c.bind(path, name, actual)
			return
		}
		expected = c.repl.Replace(s)
	}

	if m, ok := c.policy.MatcherFor(path); ok && m.Strategy == policy.StrategyIgnore {
		return
	}

	switch exp := expected.(type) {
	case nil:
		if actual != nil {
			c.fail(valueMismatch(path, "", expected, actual, c.limit))
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			c.fail(valueMismatch(path, "", expected, actual, c.limit))
			return
		}
		if len(exp) != len(act) {
			c.fail(&ComparisonError{
				Path:    path,
				Message: "array length mismatch.",
				Detail: []string{
					fmt.Sprintf("Expected: %d items %s", len(exp), FormatValue(exp, c.limit)),
					fmt.Sprintf("Received: %d items %s", len(act), FormatValue(act, c.limit)),
				},
			})
			return
		}
		for i := range exp {
			c.compare(exp[i], act[i], jsonvalue.Index(path, i))
		}
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			c.fail(valueMismatch(path, "", expected, actual, c.limit))
			return
		}
		for _, key := range jsonvalue.SortedKeys(exp) {
			c.compare(exp[key], act[key], jsonvalue.Field(path, key))
		}
	default:
		if !jsonvalue.Equal(expected, actual) {
			c.leafMismatch(path, expected, actual)
		}
	}
}

func (c *comparer) bind(path, name string, actual any) {
	if actual == nil {
		c.fail(&ComparisonError{
			Path:    path,
			Message: fmt.Sprintf("expected value for placeholder %s but received null", placeholder.Token(name)),
		})
		return
	}
	if err := c.store.Bind(path, name, actual); err != nil {
		c.fail(err)
	}
}

func (c *comparer) leafMismatch(path string, expected, actual any) {
	m, ok := c.policy.MatcherFor(path)
	if !ok {
		c.fail(valueMismatch(path, "", expected, actual, c.limit))
		return
	}

	switch m.Strategy {
	case policy.StrategyFuzzy:
		exp, expOK := expected.(string)
		act, actOK := actual.(string)
		if !expOK || !actOK {
			break
		}
		result := similarity.Compare(exp, act, c.policy.Threshold(m))
		if result.Matches {
			c.warn(path, result.Message(), expected, actual)
		} else {
			c.fail(valueMismatch(path, result.Message(), expected, actual, c.limit))
		}
		return
	case policy.StrategyRegex:
		if m.Expect == nil || !jsonvalue.IsScalar(actual) || actual == nil {
			break
		}
		if m.Expect.MatchString(jsonvalue.Stringify(actual)) {
			c.warn(path, fmt.Sprintf("Matched pattern %s", m.Expect), expected, actual)
		} else {
			c.fail(valueMismatch(path, fmt.Sprintf("value does not match pattern %s", m.Expect), expected, actual, c.limit))
		}
		return
	}
	c.fail(valueMismatch(path, "", expected, actual, c.limit))
}

// compareEvents checks event names in order and compares each payload
func (c *comparer) compareEvents(expected any, actual []sse.Event) {
	events, err := sse.FromValues(expected)
	if err != nil {
		c.fail(&ComparisonError{Path: jsonvalue.Root, Message: "Expected SSE response body to be an array of events (" + err.Error() + ")"})
		return
	}
	if len(events) != len(actual) {
		c.fail(&ComparisonError{
			Path:    jsonvalue.Root,
			Message: "SSE event count mismatch.",
			Detail: []string{
				fmt.Sprintf("Expected: %d events %s", len(events), eventNames(events)),
				fmt.Sprintf("Received: %d events %s", len(actual), eventNames(actual)),
			},
		})
		return
	}
	for i := range events {
		base := jsonvalue.Index(jsonvalue.Root, i)
		if events[i].Event != actual[i].Event {
			c.fail(valueMismatch(jsonvalue.Field(base, "event"), "", events[i].Event, actual[i].Event, c.limit))
			continue
		}
		c.compare(events[i].Data, actual[i].Data, jsonvalue.Field(base, "data"))
	}
}

func eventNames(events []sse.Event) string {
	names := make([]any, len(events))
	for i, ev := range events {
		names[i] = ev.Event
	}
	return FormatValue(names, 0)
}
