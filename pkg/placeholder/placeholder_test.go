package placeholder

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/funnyzak/reqreplay/pkg/artifact"
)

func sequence(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func TestWholeNameAndNames(t *testing.T) {
	if name, ok := WholeName("{{var:ID_001}}"); !ok || name != "ID_001" {
		t.Fatalf("expected whole token, got %q %v", name, ok)
	}
	if _, ok := WholeName("x{{var:ID_001}}"); ok {
		t.Fatalf("embedded token must not count as whole")
	}
	if _, ok := WholeName("{{var:lower}}"); ok {
		t.Fatalf("lowercase names are not tokens")
	}
	got := Names("/a/{{var:A}}/b/{{var:B:1}}")
	if diff := cmp.Diff([]string{"A", "B:1"}, got); diff != "" {
		t.Fatalf("names mismatch:\n%s", diff)
	}
}

func TestBindAndConflict(t *testing.T) {
	s := NewStore()
	if err := s.Bind("$.id", "ID", json.Number("42")); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if err := s.Bind("$.again", "ID", "42"); err != nil {
		t.Fatalf("same text must not conflict: %v", err)
	}
	err := s.Bind("$.other", "ID", "43")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if !strings.Contains(err.Error(), "42") || !strings.Contains(err.Error(), "43") {
		t.Fatalf("conflict message must show both values: %v", err)
	}
	v, _ := s.Get("ID")
	if v.Raw != json.Number("42") || v.Text != "42" {
		t.Fatalf("first binding must win, got %+v", v)
	}
}

func TestResolveValue(t *testing.T) {
	s := NewStore()
	_ = s.Bind("$", "N", json.Number("7"))
	_ = s.Bind("$", "S", "abc")

	in := map[string]any{
		"n":     "{{var:N}}",
		"label": "item-{{var:S}}-{{var:N}}",
		"list":  []any{"{{var:S}}", true},
	}
	out, err := s.ResolveValue(in, nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	want := map[string]any{
		"n":     json.Number("7"),
		"label": "item-abc-7",
		"list":  []any{"abc", true},
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("resolved mismatch (-want +got):\n%s", diff)
	}
	if in["n"] != "{{var:N}}" {
		t.Fatalf("input must not be mutated")
	}
}

func TestResolveUnbound(t *testing.T) {
	s := NewStore()
	_, err := s.ResolveString("/x/{{var:MISSING}}")
	var unbound *UnboundError
	if !errors.As(err, &unbound) || unbound.Name != "MISSING" {
		t.Fatalf("expected UnboundError, got %v", err)
	}
	if err.Error() != "Missing value for placeholder {{var:MISSING}}" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if _, err := s.ResolveValue(map[string]any{"a": "{{var:MISSING}}"}, nil); !errors.As(err, &unbound) {
		t.Fatalf("expected UnboundError from whole token, got %v", err)
	}
}

func TestEnsureRequest(t *testing.T) {
	s := NewStore().WithGenerator(sequence("gen"))
	req := artifact.Request{
		Method: "POST",
		Path:   "/items/{{var:ID_001}}",
		Query:  map[string]string{"q": "{{var:ID_002}}"},
		Body: map[string]any{
			"fields": map[string]any{"x": "{{var:ID_003}}"},
		},
	}
	s.EnsureRequest(req, map[string]string{"ID_002": "predefined"})

	for name, want := range map[string]string{"ID_001": "gen-1", "ID_002": "predefined", "ID_003": "gen-2"} {
		v, ok := s.Get(name)
		if !ok || v.Text != want {
			t.Fatalf("%s: expected %q, got %+v", name, want, v)
		}
	}

	// Existing bindings are left alone.
	_ = s.Bind("$", "ID_004", "bound")
	s.EnsureRequest(artifact.Request{Path: "/{{var:ID_004}}"}, map[string]string{"ID_004": "other"})
	if v, _ := s.Get("ID_004"); v.Text != "bound" {
		t.Fatalf("ensure must not overwrite, got %+v", v)
	}
}

func TestScanReplacements(t *testing.T) {
	a := &artifact.Artifact{Requests: []artifact.Step{
		{Request: artifact.Request{
			Method: "GET", Path: "/a",
			Query: map[string]string{"clientActivityId": "AAA-111"},
		}},
		{Request: artifact.Request{
			Method: "POST", Path: "/b", BodyType: artifact.BodyFormData,
			Body: map[string]any{"fields": map[string]any{"clientActivityId": "aaa-111"}},
		}},
		{Request: artifact.Request{
			Method: "POST", Path: "/c", BodyType: artifact.BodyJSON,
			Body: map[string]any{"nested": map[string]any{"clientActivityId": "BBB-222"}},
		}},
		{Request: artifact.Request{
			Method: "GET", Path: "/d",
			Query: map[string]string{"clientActivityId": "{{var:ID_001}}"},
		}},
	}}
	r := ScanReplacements(a, []string{"clientActivityId"}, sequence("fresh"))
	if r.Len() != 2 {
		t.Fatalf("expected two distinct values, got %d", r.Len())
	}
	if got := r.Replace("Aaa-111"); got != "fresh-1" {
		t.Fatalf("expected case-insensitive replacement, got %q", got)
	}
	if got := r.Replace("BBB-222"); got != "fresh-2" {
		t.Fatalf("expected nested json replacement, got %q", got)
	}
	out := r.Apply(map[string]any{"k": []any{"AAA-111", "AAA-111 suffix"}})
	want := map[string]any{"k": []any{"fresh-1", "AAA-111 suffix"}}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("apply mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveValueAppliesReplacements(t *testing.T) {
	r := NewReplacementStore(sequence("fresh"))
	r.Add("old-id")
	out, err := NewStore().ResolveValue(map[string]any{"clientActivityId": "OLD-ID"}, r)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if out.(map[string]any)["clientActivityId"] != "fresh-1" {
		t.Fatalf("expected replacement, got %v", out)
	}
}

func TestAnonymizer(t *testing.T) {
	a := NewAnonymizer()
	a.Collect(map[string]any{"id": "abc", "items": []any{map[string]any{"ID": json.Number("42")}}})
	a.Collect(map[string]any{"id": "abc"})

	if diff := cmp.Diff(map[string]string{"ID_001": "abc", "ID_002": "42"}, a.Variables()); diff != "" {
		t.Fatalf("variables mismatch:\n%s", diff)
	}
	if got := a.ApplyPath("/items/abc/detail/42"); got != "/items/{{var:ID_001}}/detail/{{var:ID_002}}" {
		t.Fatalf("unexpected path %q", got)
	}
	out := a.Apply(map[string]any{
		"ref":   "abc",
		"count": json.Number("42"),
		"path":  "/list/abc",
		"text":  "abc is here",
	})
	want := map[string]any{
		"ref":   "{{var:ID_001}}",
		"count": "{{var:ID_002}}",
		"path":  "/list/{{var:ID_001}}",
		"text":  "abc is here",
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("apply mismatch (-want +got):\n%s", diff)
	}
	if q := a.ApplyQuery(map[string]string{"id": "42"}); q["id"] != "{{var:ID_002}}" {
		t.Fatalf("unexpected query %v", q)
	}
}
