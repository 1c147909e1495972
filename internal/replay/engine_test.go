package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/funnyzak/reqreplay/pkg/artifact"
	"github.com/funnyzak/reqreplay/pkg/placeholder"
	"github.com/funnyzak/reqreplay/pkg/policy"
	"github.com/funnyzak/reqreplay/pkg/sse"
)

type capturedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   string
}

type backend struct {
	mu       sync.Mutex
	requests []capturedRequest
	server   *httptest.Server
}

func newBackend(t *testing.T, handler http.HandlerFunc) *backend {
	t.Helper()
	b := &backend{}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.requests = append(b.requests, capturedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   string(data),
		})
		b.mu.Unlock()
		r.Body = io.NopCloser(strings.NewReader(string(data)))
		handler(w, r)
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *backend) url() string {
	return b.server.URL + "/functions/v1"
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func mustArtifact(t *testing.T, raw string) *artifact.Artifact {
	t.Helper()
	a, err := artifact.Decode(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	return a
}

func newTestEngine(t *testing.T, b *backend, opts Options) *Engine {
	t.Helper()
	opts.FunctionsURL = b.url()
	if opts.APIKey == "" {
		opts.APIKey = "anon-key"
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Sleep == nil {
		opts.Sleep = func(context.Context, time.Duration) error { return nil }
	}
	e, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func sequence(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func TestRunBindsServerGeneratedID(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/functions/v1/widgets":
			writeJSON(w, http.StatusCreated, `{"id":"server-generated-77","name":"a"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/functions/v1/widgets/server-generated-77":
			writeJSON(w, http.StatusOK, `{"id":"server-generated-77","name":"a","count":3}`)
		default:
			http.NotFound(w, r)
		}
	})

	a := mustArtifact(t, `{
		"recordingSessionId": "s1",
		"requests": [
			{"request": {"method": "POST", "path": "/widgets", "bodyType": "json", "body": {"name": "a"}},
			 "response": {"status": 201, "body": {"id": "{{var:ID_1}}"}}},
			{"request": {"method": "GET", "path": "/widgets/{{var:ID_1}}", "bodyType": "empty"},
			 "response": {"status": 200, "body": {"id": "{{var:ID_1}}", "count": 3}}}
		]
	}`)

	e := newTestEngine(t, b, Options{})
	result, err := e.Run(context.Background(), "widgets", a, Credentials{AccessToken: "tok"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for _, step := range result.Steps {
		if !step.Passed() {
			t.Fatalf("step %s failed: err=%v errors=%v", step.Label, step.Err, step.Errors)
		}
	}
	if diff := cmp.Diff(Stats{Total: 2, Passed: 2}, result.Stats); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
	if got := result.Variables["ID_1"]; got != "server-generated-77" {
		t.Fatalf("expected ID_1 bound to server id, got %q", got)
	}

	first := b.requests[0]
	if first.Header.Get("Authorization") != "Bearer tok" || first.Header.Get("apikey") != "anon-key" {
		t.Fatalf("missing auth headers: %v", first.Header)
	}
	if first.Header.Get("Content-Type") != "application/json" || first.Body != `{"name":"a"}` {
		t.Fatalf("unexpected json request: %s %q", first.Header.Get("Content-Type"), first.Body)
	}
}

func TestRunReportsPlaceholderConflict(t *testing.T) {
	calls := 0
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, http.StatusOK, fmt.Sprintf(`{"id":"value-%d"}`, calls))
	})
	a := mustArtifact(t, `{
		"recordingSessionId": "s1",
		"requests": [
			{"request": {"method": "GET", "path": "/a"}, "response": {"status": 200, "body": {"id": "{{var:ID_1}}"}}},
			{"request": {"method": "GET", "path": "/b"}, "response": {"status": 200, "body": {"id": "{{var:ID_1}}"}}}
		]
	}`)

	result, err := newTestEngine(t, b, Options{}).Run(context.Background(), "conflict", a, Credentials{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Steps[0].Passed() {
		t.Fatalf("first step should pass: %v", result.Steps[0].Errors)
	}
	errs := result.Steps[1].Errors
	if len(errs) != 1 {
		t.Fatalf("expected exactly one error, got %v", errs)
	}
	var conflict *placeholder.ConflictError
	if !errors.As(errs[0], &conflict) || conflict.Path != "$.id" {
		t.Fatalf("expected conflict at $.id, got %#v", errs[0])
	}
}

// Ignored fields such as created_at may drift without producing warnings.
func TestRunFuzzyMatchWarns(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"annotatedText":"I like apples","created_at":"2026-01-02"}`)
	})
	a := mustArtifact(t, `{
		"recordingSessionId": "s1",
		"requests": [
			{"request": {"method": "POST", "path": "/analyze", "body": {"q": 1}},
			 "response": {"status": 200, "body": {"annotatedText": "I like **apples**", "created_at": "2025-05-05"}}}
		]
	}`)

	result, err := newTestEngine(t, b, Options{}).Run(context.Background(), "fuzzy", a, Credentials{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	step := result.Steps[0]
	if !step.Passed() {
		t.Fatalf("expected pass, got %v", step.Errors)
	}
	if len(step.Warnings) != 1 {
		t.Fatalf("expected only the fuzzy warning, got %q", step.Warnings)
	}
	if !strings.Contains(step.Warnings[0], "$.annotatedText: Fuzzy matched") {
		t.Fatalf("unexpected fuzzy warning %q", step.Warnings[0])
	}
}

func TestRunRewritesReplacementFieldsConsistently(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{}`)
	})
	a := mustArtifact(t, `{
		"recordingSessionId": "s1",
		"requests": [
			{"request": {"method": "POST", "path": "/activity", "body": {"clientActivityId": "fixed-uuid-1"}},
			 "response": {"status": 200, "body": {}}},
			{"request": {"method": "GET", "path": "/activity", "query": {"clientActivityId": "FIXED-UUID-1"}},
			 "response": {"status": 200, "body": {}}}
		]
	}`)

	e := newTestEngine(t, b, Options{NewID: sequence("fresh")})
	if _, err := e.Run(context.Background(), "replacement", a, Credentials{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if b.requests[0].Body != `{"clientActivityId":"fresh-1"}` {
		t.Fatalf("unexpected first body %q", b.requests[0].Body)
	}
	if b.requests[1].Query != "clientActivityId=fresh-1" {
		t.Fatalf("unexpected second query %q", b.requests[1].Query)
	}
}

func TestRunArrayLengthMismatchReportedOnce(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"items":[1,2,3,4,5]}`)
	})
	a := mustArtifact(t, `{
		"recordingSessionId": "s1",
		"requests": [
			{"request": {"method": "GET", "path": "/items"}, "response": {"status": 200, "body": {"items": [9, 9, 9]}}}
		]
	}`)

	result, _ := newTestEngine(t, b, Options{}).Run(context.Background(), "arrays", a, Credentials{})
	errs := result.Steps[0].Errors
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %d: %v", len(errs), errs)
	}
	var cmpErr *ComparisonError
	if !errors.As(errs[0], &cmpErr) || cmpErr.Path != "$.items" || cmpErr.Message != "array length mismatch." {
		t.Fatalf("unexpected error %#v", errs[0])
	}
}

func TestRunStopOnFailure(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, `{"error":"boom"}`)
	})
	a := mustArtifact(t, `{
		"recordingSessionId": "s1",
		"requests": [
			{"request": {"method": "GET", "path": "/one"}, "response": {"status": 200, "body": {}}},
			{"request": {"method": "GET", "path": "/two"}, "response": {"status": 200, "body": {}}},
			{"request": {"method": "GET", "path": "/three"}, "response": {"status": 200, "body": {}}}
		]
	}`)

	result, err := newTestEngine(t, b, Options{StopOnFailure: true}).Run(context.Background(), "abort", a, Credentials{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Aborted || len(result.Steps) != 1 {
		t.Fatalf("expected abort after first step, got aborted=%v steps=%d", result.Aborted, len(result.Steps))
	}
	if diff := cmp.Diff(Stats{Total: 3, Failed: 1}, result.Stats); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
	if got := result.Steps[0].Errors[0].Error(); got != "status: expected 200, received 500" {
		t.Fatalf("unexpected status error %q", got)
	}
}

func TestRunComparesEventStream(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_ = sse.Encode(w, []sse.Event{
			{Event: "progress", Data: map[string]any{"step": json.Number("1")}},
			{Event: "done", Data: map[string]any{"id": "evt-9"}},
		})
	})
	a := mustArtifact(t, `{
		"recordingSessionId": "s1",
		"requests": [
			{"request": {"method": "POST", "path": "/stream", "body": {}},
			 "response": {"status": 200, "bodyType": "sse", "body": [
				{"event": "progress", "data": {"step": 1}},
				{"event": "done", "data": {"id": "{{var:EVT}}"}}
			 ]}}
		]
	}`)

	result, _ := newTestEngine(t, b, Options{}).Run(context.Background(), "stream", a, Credentials{})
	step := result.Steps[0]
	if !step.Passed() {
		t.Fatalf("expected pass, got err=%v errors=%v", step.Err, step.Errors)
	}
	if len(step.Warnings) != 0 {
		t.Fatalf("unexpected warnings %q", step.Warnings)
	}
	if result.Variables["EVT"] != "evt-9" {
		t.Fatalf("expected EVT bound, got %v", result.Variables)
	}
}

func TestRunSendsMultipartForm(t *testing.T) {
	var gotFields map[string][]string
	var gotFile string
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotFields = r.MultipartForm.Value
		f, header, err := r.FormFile("image")
		if err == nil {
			data, _ := io.ReadAll(f)
			gotFile = header.Filename + ":" + header.Header.Get("Content-Type") + ":" + string(data)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	a := mustArtifact(t, `{
		"recordingSessionId": "s1",
		"requests": [
			{"request": {"method": "POST", "path": "/upload", "bodyType": "form-data", "body": {
				"fields": {"tags": ["a", "b"], "note": null, "count": 2},
				"files": [{"name": "image", "filename": "dir/photo.png", "type": "image/png", "content": "aGVsbG8="}]
			 }},
			 "response": {"status": 204, "bodyType": "empty"}}
		]
	}`)

	result, _ := newTestEngine(t, b, Options{}).Run(context.Background(), "form", a, Credentials{})
	if !result.Steps[0].Passed() {
		t.Fatalf("expected pass, got err=%v errors=%v", result.Steps[0].Err, result.Steps[0].Errors)
	}
	want := map[string][]string{"tags": {"a", "b"}, "note": {""}, "count": {"2"}}
	if diff := cmp.Diff(want, gotFields); diff != "" {
		t.Fatalf("form fields mismatch (-want +got):\n%s", diff)
	}
	if gotFile != "photo.png:image/png:hello" {
		t.Fatalf("unexpected file part %q", gotFile)
	}
}

func TestRunAppliesDelayRule(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[]`)
	})
	a := mustArtifact(t, `{
		"recordingSessionId": "s1",
		"requests": [
			{"request": {"method": "GET", "path": "/ingredicheck/history"}, "response": {"status": 200, "body": []}},
			{"request": {"method": "POST", "path": "/ingredicheck/history"}, "response": {"status": 200, "body": []}}
		]
	}`)

	var slept []time.Duration
	e := newTestEngine(t, b, Options{Sleep: func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}})
	if _, err := e.Run(context.Background(), "delay", a, Credentials{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if diff := cmp.Diff([]time.Duration{2 * time.Second}, slept); diff != "" {
		t.Fatalf("delay mismatch (-want +got):\n%s", diff)
	}
}

func TestRunReportsUnparseableJSON(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{not json`)
	})
	a := mustArtifact(t, `{
		"recordingSessionId": "s1",
		"requests": [
			{"request": {"method": "GET", "path": "/broken"}, "response": {"status": 200, "body": {"ok": true}}}
		]
	}`)

	result, _ := newTestEngine(t, b, Options{}).Run(context.Background(), "broken", a, Credentials{})
	step := result.Steps[0]
	var parseErr *BodyParseError
	if len(step.Errors) != 1 || !errors.As(step.Errors[0], &parseErr) {
		t.Fatalf("expected a single parse error, got %v", step.Errors)
	}
	if step.ActualBody != "{not json" {
		t.Fatalf("expected raw body preserved, got %#v", step.ActualBody)
	}
}

func TestRunTransportError(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {})
	url := b.url()
	b.server.Close()

	a := mustArtifact(t, `{
		"recordingSessionId": "s1",
		"requests": [
			{"request": {"method": "GET", "path": "/gone"}, "response": {"status": 200, "body": {}}},
			{"request": {"method": "GET", "path": "/gone-too"}, "response": {"status": 200, "body": {}}}
		]
	}`)

	e, err := NewEngine(Options{FunctionsURL: url, Logger: noopLogger{}})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	result, err := e.Run(context.Background(), "gone", a, Credentials{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	var transportErr *TransportError
	if !errors.As(result.Steps[0].Err, &transportErr) {
		t.Fatalf("expected transport error, got %v", result.Steps[0].Err)
	}
	if result.Stats.Failed != 2 {
		t.Fatalf("expected both steps to fail and the run to continue, got %+v", result.Stats)
	}
}

func TestRunUnboundPlaceholderInRequestUsesFreshID(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{}`)
	})
	a := mustArtifact(t, `{
		"recordingSessionId": "s1",
		"variables": {"ID_002": "seeded"},
		"requests": [
			{"request": {"method": "PUT", "path": "/lists/{{var:ID_001}}/items/{{var:ID_002}}"}, "response": {"status": 200, "body": {}}}
		]
	}`)

	e := newTestEngine(t, b, Options{NewID: sequence("gen")})
	if _, err := e.Run(context.Background(), "fresh", a, Credentials{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := b.requests[0].Path; got != "/functions/v1/lists/gen-1/items/seeded" {
		t.Fatalf("unexpected path %q", got)
	}
}

func TestNewEngineRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "not a url", "/relative"} {
		if _, err := NewEngine(Options{FunctionsURL: raw}); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestRunUsesPolicyFromFile(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"token":"abc-123"}`)
	})
	p, err := policy.Parse([]byte(`
field_matchers:
  - path: "$.token"
    strategy: regex
    expect: "^[a-z]+-[0-9]+$"
`))
	if err != nil {
		t.Fatalf("parse policy: %v", err)
	}
	a := mustArtifact(t, `{
		"recordingSessionId": "s1",
		"requests": [
			{"request": {"method": "GET", "path": "/token"}, "response": {"status": 200, "body": {"token": "xyz-999"}}}
		]
	}`)

	result, _ := newTestEngine(t, b, Options{Policy: p}).Run(context.Background(), "regex", a, Credentials{})
	if !result.Steps[0].Passed() {
		t.Fatalf("expected regex match to pass, got %v", result.Steps[0].Errors)
	}
}

type recordingObserver struct {
	events []string
}

func (o *recordingObserver) ArtifactStarted(name string, total int, target string) {
	o.events = append(o.events, fmt.Sprintf("start %s %d", name, total))
}

func (o *recordingObserver) StepFinished(name string, step *StepResult) {
	o.events = append(o.events, fmt.Sprintf("step %s %v", step.Label, step.Passed()))
}

func (o *recordingObserver) ArtifactFinished(result *Result) {
	o.events = append(o.events, fmt.Sprintf("finish %s %d/%d", result.Name, result.Stats.Passed, result.Stats.Total))
}

func TestRunNotifiesObserver(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"ok":true}`)
	})
	a := mustArtifact(t, `{
		"recordingSessionId": "s1",
		"requests": [
			{"request": {"method": "GET", "path": "/ping"}, "response": {"status": 200, "body": {"ok": true}}}
		]
	}`)

	obs := &recordingObserver{}
	if _, err := newTestEngine(t, b, Options{Observer: obs}).Run(context.Background(), "ping", a, Credentials{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := []string{"start ping 1", "step 1/1 GET /ping true", "finish ping 1/1"}
	if diff := cmp.Diff(want, obs.events); diff != "" {
		t.Fatalf("observer events mismatch (-want +got):\n%s", diff)
	}
}

// noopLogger implements logger.Logger for tests
type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}
func (noopLogger) Fatal(string, ...interface{}) {}
