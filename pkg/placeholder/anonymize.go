package placeholder

import (
	"fmt"
	"strings"

	"github.com/funnyzak/reqreplay/pkg/jsonvalue"
)

// Anonymizer rewrites recorded identifiers into placeholder tokens.
// Identifiers are values of keys named "id" (any case); each distinct
// value gets a sequential ID_001, ID_002, ... name in order of discovery.
type Anonymizer struct {
	names map[string]string
	vars  map[string]string
	next  int
}

// NewAnonymizer creates an empty anonymizer
func NewAnonymizer() *Anonymizer {
	return &Anonymizer{
		names: make(map[string]string),
		vars:  make(map[string]string),
	}
}

// Collect registers every identifier found in v
func (a *Anonymizer) Collect(v any) {
	jsonvalue.Walk(v, func(_, key string, node any) bool {
		if !strings.EqualFold(key, "id") {
			return true
		}
		switch jsonvalue.KindOf(node) {
		case jsonvalue.String, jsonvalue.Number:
			a.register(jsonvalue.Stringify(node))
		}
		return true
	})
}

func (a *Anonymizer) register(literal string) {
	if literal == "" {
		return
	}
	if _, ok := a.names[literal]; ok {
		return
	}
	a.next++
	name := fmt.Sprintf("ID_%03d", a.next)
	a.names[literal] = name
	a.vars[name] = literal
}

// Replace returns the token for s when s is a collected identifier
func (a *Anonymizer) Replace(s string) (string, bool) {
	name, ok := a.names[s]
	if !ok {
		return s, false
	}
	return Token(name), true
}

// ApplyPath replaces every path segment equal to a collected identifier
func (a *Anonymizer) ApplyPath(p string) string {
	if len(a.names) == 0 {
		return p
	}
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		if tok, ok := a.Replace(seg); ok {
			segments[i] = tok
		}
	}
	return strings.Join(segments, "/")
}

// ApplyQuery returns a copy of query with identifier values replaced
func (a *Anonymizer) ApplyQuery(query map[string]string) map[string]string {
	out := make(map[string]string, len(query))
	for k, v := range query {
		out[k], _ = a.Replace(v)
	}
	return out
}

// Apply returns a copy of v with identifiers replaced. Strings under a key
// named "path" are treated as URL paths.
func (a *Anonymizer) Apply(v any) any {
	if len(a.names) == 0 {
		return v
	}
	out, _ := jsonvalue.Transform(v, func(key string, node any) (any, bool, error) {
		switch jsonvalue.KindOf(node) {
		case jsonvalue.String:
			s := node.(string)
			if key == "path" {
				return a.ApplyPath(s), true, nil
			}
			tok, _ := a.Replace(s)
			return tok, true, nil
		case jsonvalue.Number:
			if tok, ok := a.Replace(jsonvalue.Stringify(node)); ok {
				return tok, true, nil
			}
			return node, true, nil
		}
		return nil, false, nil
	})
	return out
}

// Variables returns the token name to literal mapping
func (a *Anonymizer) Variables() map[string]string {
	out := make(map[string]string, len(a.vars))
	for k, v := range a.vars {
		out[k] = v
	}
	return out
}
