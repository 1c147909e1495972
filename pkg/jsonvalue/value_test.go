package jsonvalue

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeKeepsNumbers(t *testing.T) {
	v, err := Decode([]byte(`{"n": 12345678901234567890, "f": 1.5}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	obj := v.(map[string]any)
	if n, ok := obj["n"].(json.Number); !ok || n.String() != "12345678901234567890" {
		t.Fatalf("expected json.Number to keep precision, got %#v", obj["n"])
	}
	if KindOf(obj["f"]) != Number {
		t.Fatalf("expected number kind, got %s", KindOf(obj["f"]))
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	if _, err := Decode([]byte(`{} {}`)); err == nil {
		t.Fatalf("expected error for trailing data")
	}
}

func TestStringify(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"abc", "abc"},
		{true, "true"},
		{json.Number("42"), "42"},
		{float64(1.25), "1.25"},
		{[]any{"a", json.Number("1")}, `["a",1]`},
		{map[string]any{"k": "<v>"}, `{"k":"<v>"}`},
	}
	for _, tc := range cases {
		if got := Stringify(tc.in); got != tc.want {
			t.Fatalf("Stringify(%#v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEqual(t *testing.T) {
	if !Equal(json.Number("1"), json.Number("1.0")) {
		t.Fatalf("expected numeric equality")
	}
	if Equal("1", json.Number("1")) {
		t.Fatalf("string and number must differ")
	}
	a := map[string]any{"x": []any{json.Number("1"), "b", nil}}
	b := map[string]any{"x": []any{json.Number("1"), "b", nil}}
	if !Equal(a, b) {
		t.Fatalf("expected deep equality")
	}
	b["y"] = true
	if Equal(a, b) {
		t.Fatalf("extra key must break equality")
	}
}

func TestWalkPaths(t *testing.T) {
	v, _ := Decode([]byte(`{"b": [1, {"id": "x"}], "a": null}`))
	var paths []string
	Walk(v, func(path, key string, _ any) bool {
		paths = append(paths, path+"|"+key)
		return true
	})
	want := []string{"$|", "$.a|a", "$.b|b", "$.b[0]|", "$.b[1]|", "$.b[1].id|id"}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Fatalf("paths mismatch (-want +got):\n%s", diff)
	}
}

func TestTransformDoesNotMutate(t *testing.T) {
	orig := map[string]any{"a": []any{"x", "y"}}
	out := MapStrings(orig, strings.ToUpper)
	if diff := cmp.Diff(map[string]any{"a": []any{"X", "Y"}}, out); diff != "" {
		t.Fatalf("unexpected transform result:\n%s", diff)
	}
	if orig["a"].([]any)[0] != "x" {
		t.Fatalf("transform mutated input")
	}
}

func TestDisplayClips(t *testing.T) {
	got := Display(strings.Repeat("a", 50), 10)
	if !strings.HasSuffix(got, "…") || len([]rune(got)) != 11 {
		t.Fatalf("unexpected clip %q", got)
	}
	if Display(nil, 0) != "null" {
		t.Fatalf("expected null rendering")
	}
}
