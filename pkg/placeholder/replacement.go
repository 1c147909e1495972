package placeholder

import (
	"strings"

	"github.com/google/uuid"

	"github.com/funnyzak/reqreplay/pkg/artifact"
	"github.com/funnyzak/reqreplay/pkg/jsonvalue"
)

// EnsureRequest binds every placeholder referenced by req that is still
// unbound, using predefined values first and fresh ids otherwise.
func (s *Store) EnsureRequest(req artifact.Request, predefined map[string]string) {
	names := Names(req.Path)
	for _, v := range req.Query {
		names = append(names, Names(v)...)
	}
	names = CollectNames(req.Body, names)
	for _, name := range names {
		s.Ensure(name, predefined)
	}
}

// ReplacementStore maps recorded values of configured fields to values
// generated fresh for this run. Lookups are case-insensitive on the whole string.
type ReplacementStore struct {
	values map[string]string
	newID  func() string
}

// NewReplacementStore creates an empty store. gen defaults to uuid.NewString.
func NewReplacementStore(gen func() string) *ReplacementStore {
	if gen == nil {
		gen = uuid.NewString
	}
	return &ReplacementStore{values: make(map[string]string), newID: gen}
}

// ScanReplacements collects the recorded values of fields across every
// request of a: query parameters, form-data fields and JSON body keys at
// any depth. Each distinct value gets one fresh id.
func ScanReplacements(a *artifact.Artifact, fields []string, gen func() string) *ReplacementStore {
	r := NewReplacementStore(gen)
	if len(fields) == 0 || a == nil {
		return r
	}
	wanted := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		wanted[f] = struct{}{}
	}

	for _, step := range a.Requests {
		req := step.Request
		for key, v := range req.Query {
			if _, ok := wanted[key]; ok {
				r.Add(v)
			}
		}

		switch req.EffectiveBodyType() {
		case artifact.BodyFormData:
			form, err := artifact.ParseForm(req.Body)
			if err != nil {
				continue
			}
			for key, v := range form.Fields {
				if _, ok := wanted[key]; ok {
					r.addScalar(v)
				}
			}
		case artifact.BodyJSON:
			jsonvalue.Walk(req.Body, func(_, key string, v any) bool {
				if _, ok := wanted[key]; ok && key != "" {
					r.addScalar(v)
				}
				return true
			})
		}
	}
	return r
}

func (r *ReplacementStore) addScalar(v any) {
	switch jsonvalue.KindOf(v) {
	case jsonvalue.String, jsonvalue.Number:
		r.Add(jsonvalue.Stringify(v))
	case jsonvalue.Array:
		for _, item := range v.([]any) {
			r.addScalar(item)
		}
	}
}

// Add registers original and returns its replacement. Empty values and
// values carrying placeholders are ignored.
func (r *ReplacementStore) Add(original string) string {
	if original == "" || len(Names(original)) > 0 {
		return original
	}
	key := strings.ToLower(original)
	if fresh, ok := r.values[key]; ok {
		return fresh
	}
	fresh := r.newID()
	r.values[key] = fresh
	return fresh
}

// Lookup returns the replacement for s, if any
func (r *ReplacementStore) Lookup(s string) (string, bool) {
	if r == nil || len(r.values) == 0 {
		return "", false
	}
	fresh, ok := r.values[strings.ToLower(s)]
	return fresh, ok
}

// Replace returns the replacement for s, or s unchanged
func (r *ReplacementStore) Replace(s string) string {
	if fresh, ok := r.Lookup(s); ok {
		return fresh
	}
	return s
}

// Apply returns a copy of v with every matching string leaf replaced
func (r *ReplacementStore) Apply(v any) any {
	if r == nil || len(r.values) == 0 {
		return v
	}
	return jsonvalue.MapStrings(v, r.Replace)
}

// Len returns the number of distinct recorded values
func (r *ReplacementStore) Len() int {
	if r == nil {
		return 0
	}
	return len(r.values)
}
