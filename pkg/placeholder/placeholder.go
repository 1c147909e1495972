// Package placeholder implements the {{var:NAME}} token protocol used to
// decouple recorded identifiers from the values seen during replay.
package placeholder

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/google/uuid"

	"github.com/funnyzak/reqreplay/pkg/jsonvalue"
)

var (
	tokenPattern = regexp.MustCompile(`\{\{var:([A-Z0-9_:-]+)\}\}`)
	wholePattern = regexp.MustCompile(`^\{\{var:([A-Z0-9_:-]+)\}\}$`)
)

// Token renders the placeholder for name
func Token(name string) string {
	return "{{var:" + name + "}}"
}

// WholeName reports whether s consists of exactly one placeholder token
func WholeName(s string) (string, bool) {
	m := wholePattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Names returns every placeholder name referenced in s, in order of appearance
func Names(s string) []string {
	matches := tokenPattern.FindAllStringSubmatch(s, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// Value is a bound placeholder. Raw is the typed value (string, number, ...)
// and Text its string form used for substring substitution.
type Value struct {
	Raw  any
	Text string
}

// UnboundError reports a placeholder referenced before it was bound
type UnboundError struct {
	Name string
}

func (e *UnboundError) Error() string {
	return fmt.Sprintf("Missing value for placeholder %s", Token(e.Name))
}

// ConflictError reports a placeholder observed with two different values
type ConflictError struct {
	Path     string
	Name     string
	Existing any
	Received any
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: placeholder %s mismatch (expected %s, received %s)",
		e.Path, Token(e.Name), jsonvalue.Display(e.Existing, 200), jsonvalue.Display(e.Received, 200))
}

// Store holds placeholder bindings for one artifact replay. A name keeps
// its first binding for the rest of the run.
type Store struct {
	values map[string]Value
	newID  func() string
}

// NewStore creates an empty store that generates UUIDs for unbound names
func NewStore() *Store {
	return &Store{
		values: make(map[string]Value),
		newID:  uuid.NewString,
	}
}

// WithGenerator overrides the id generator used for fresh values
func (s *Store) WithGenerator(gen func() string) *Store {
	s.newID = gen
	return s
}

// Get returns the binding for name
func (s *Store) Get(name string) (Value, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Len returns the number of bound names
func (s *Store) Len() int {
	return len(s.values)
}

// Names returns the bound names in sorted order
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Require returns the binding for name or an *UnboundError
func (s *Store) Require(name string) (Value, error) {
	v, ok := s.values[name]
	if !ok {
		return Value{}, &UnboundError{Name: name}
	}
	return v, nil
}

// Bind records actual under name. Binding an already bound name to the same
// text is a no-op; a different text yields a *ConflictError.
func (s *Store) Bind(path, name string, actual any) error {
	text := jsonvalue.Stringify(actual)
	if existing, ok := s.values[name]; ok {
		if existing.Text != text {
			return &ConflictError{Path: path, Name: name, Existing: existing.Raw, Received: actual}
		}
		return nil
	}
	s.values[name] = Value{Raw: actual, Text: text}
	return nil
}

// Ensure binds name if it is not bound yet, preferring predefined values
// over a freshly generated id.
func (s *Store) Ensure(name string, predefined map[string]string) {
	if _, ok := s.values[name]; ok {
		return
	}
	if v, ok := predefined[name]; ok {
		s.values[name] = Value{Raw: v, Text: v}
		return
	}
	id := s.newID()
	s.values[name] = Value{Raw: id, Text: id}
}

// ResolveString substitutes every embedded token with its bound text
func (s *Store) ResolveString(str string) (string, error) {
	var missing error
	out := tokenPattern.ReplaceAllStringFunc(str, func(tok string) string {
		name := tokenPattern.FindStringSubmatch(tok)[1]
		v, ok := s.values[name]
		if !ok {
			if missing == nil {
				missing = &UnboundError{Name: name}
			}
			return tok
		}
		return v.Text
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

// ResolveValue returns a copy of v with placeholders resolved. A string
// that is exactly one token becomes the bound raw value; other strings get
// substring substitution. repl, when non-nil, is applied to the remaining
// string leaves.
func (s *Store) ResolveValue(v any, repl *ReplacementStore) (any, error) {
	return jsonvalue.Transform(v, func(_ string, node any) (any, bool, error) {
		str, ok := node.(string)
		if !ok {
			return nil, false, nil
		}
		if name, whole := WholeName(str); whole {
			bound, err := s.Require(name)
			if err != nil {
				return nil, true, err
			}
			if bound.Raw != nil {
				return bound.Raw, true, nil
			}
			return bound.Text, true, nil
		}
		resolved, err := s.ResolveString(str)
		if err != nil {
			return nil, true, err
		}
		if repl != nil {
			if fresh, ok := repl.Lookup(resolved); ok {
				return fresh, true, nil
			}
		}
		return resolved, true, nil
	})
}

// CollectNames appends every placeholder name found in string leaves of v
func CollectNames(v any, names []string) []string {
	jsonvalue.Walk(v, func(_, _ string, node any) bool {
		if str, ok := node.(string); ok {
			names = append(names, Names(str)...)
		}
		return true
	})
	return names
}
