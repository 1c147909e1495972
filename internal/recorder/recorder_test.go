package recorder

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/funnyzak/reqreplay/internal/logger"
	"github.com/funnyzak/reqreplay/pkg/artifact"
)

type memoryStore struct {
	mu   sync.Mutex
	rows []*artifact.Row
}

func (m *memoryStore) Record(row *artifact.Row) (*artifact.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row.ID = int64(len(m.rows) + 1)
	m.rows = append(m.rows, row)
	return row, nil
}

func (m *memoryStore) all() []*artifact.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*artifact.Row(nil), m.rows...)
}

type countingPrinter struct {
	mu   sync.Mutex
	rows int
}

func (p *countingPrinter) PrintExchange(*artifact.Row) error {
	p.mu.Lock()
	p.rows++
	p.mu.Unlock()
	return nil
}

type fixture struct {
	rec     *Recorder
	store   *memoryStore
	printer *countingPrinter
	proxy   *httptest.Server
}

func newFixture(t *testing.T, backend http.Handler, opts Options) *fixture {
	t.Helper()
	upstreamSrv := httptest.NewServer(backend)
	t.Cleanup(upstreamSrv.Close)

	upstream, err := NewUpstream(logger.Nop(), upstreamSrv.URL+"/functions/v1", UpstreamOptions{
		Timeout:         5 * time.Second,
		HeaderBlacklist: []string{"host", "connection", "content-length", "accept-encoding"},
	})
	if err != nil {
		t.Fatalf("new upstream: %v", err)
	}

	f := &fixture{store: &memoryStore{}, printer: &countingPrinter{}}
	f.rec = New(opts, upstream, f.store, f.printer, logger.Nop())
	f.proxy = httptest.NewServer(f.rec.Handler())
	t.Cleanup(func() {
		f.proxy.Close()
		f.rec.Close()
	})
	return f
}

func recording() Options {
	return Options{ControlPath: "/_recorder", Session: Session{ID: "sess-1", UserID: "user-1"}}
}

func TestProxyRecordsJSONExchange(t *testing.T) {
	var gotAuth, gotForwarded, gotPath string
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotForwarded = r.Header.Get("X-Forwarded-For")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":"abc","count":2}`)
	})
	f := newFixture(t, backend, recording())

	req, _ := http.NewRequest(http.MethodPost, f.proxy.URL+"/ingredicheck/items?lang=en", strings.NewReader(`{"name":"Fav"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusCreated || string(body) != `{"id":"abc","count":2}` {
		t.Fatalf("unexpected proxied response %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Backend") != "yes" {
		t.Fatalf("backend headers should be relayed")
	}
	if gotPath != "/functions/v1/ingredicheck/items" || gotAuth != "Bearer tok" || gotForwarded == "" {
		t.Fatalf("unexpected upstream request path=%s auth=%s xff=%s", gotPath, gotAuth, gotForwarded)
	}

	f.rec.Wait()
	rows := f.store.all()
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	row := rows[0]
	if row.SessionID != "sess-1" || row.UserID != "user-1" || row.Method != "POST" || row.Path != "/ingredicheck/items" {
		t.Fatalf("unexpected row %+v", row)
	}
	wantReq := &artifact.RowBody{
		Type:    artifact.BodyJSON,
		Payload: map[string]any{"name": "Fav"},
		Search:  map[string]string{"lang": "en"},
	}
	if diff := cmp.Diff(wantReq, row.RequestBody); diff != "" {
		t.Fatalf("request body mismatch (-want +got):\n%s", diff)
	}
	wantResp := map[string]any{"id": "abc", "count": json.Number("2")}
	if diff := cmp.Diff(wantResp, row.ResponseBody); diff != "" {
		t.Fatalf("response body mismatch (-want +got):\n%s", diff)
	}
	if f.printer.rows != 1 {
		t.Fatalf("expected printed exchange")
	}
	if sess, _ := f.rec.Session(); sess.Rows != 1 {
		t.Fatalf("session row count not updated: %+v", sess)
	}
}

func TestProxyWithoutSessionDoesNotRecord(t *testing.T) {
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	f := newFixture(t, backend, Options{})

	resp, err := http.Get(f.proxy.URL + "/ingredicheck/ping")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	f.rec.Wait()
	if rows := f.store.all(); len(rows) != 0 {
		t.Fatalf("no session is active, got %d rows", len(rows))
	}
}

func TestProxyRelaysEventStream(t *testing.T) {
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		io.WriteString(w, "event: progress\r\ndata: {\"step\":")
		flusher.Flush()
		io.WriteString(w, "1}\r\n\r\n")
		flusher.Flush()
		io.WriteString(w, "data: done")
	})
	f := newFixture(t, backend, recording())

	resp, err := http.Get(f.proxy.URL + "/ingredicheck/analyze")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	want := "event: progress\r\ndata: {\"step\":1}\r\n\r\ndata: done"
	if string(body) != want {
		t.Fatalf("unexpected relayed stream %q", body)
	}
	if resp.Header.Get("Cache-Control") != "no-cache" {
		t.Fatalf("event streams are not cached")
	}

	f.rec.Wait()
	rows := f.store.all()
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	bodyType, events := artifact.NormalizeResponse(rows[0].ResponseBody)
	if bodyType != artifact.BodySSE {
		t.Fatalf("expected sse body, got %s", bodyType)
	}
	wantEvents := []any{
		map[string]any{"event": "progress", "data": map[string]any{"step": json.Number("1")}},
		map[string]any{"event": "message", "data": "done"},
	}
	if diff := cmp.Diff(wantEvents, events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestProxyKeepsEventStreamBytes(t *testing.T) {
	upstream := "id: 7\nretry: 1000\n: keepalive\nevent: note\ndata: \"42\"\n\n"
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, upstream)
	})
	f := newFixture(t, backend, recording())

	resp, err := http.Get(f.proxy.URL + "/ingredicheck/analyze")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != upstream {
		t.Fatalf("relayed stream differs from backend: %q", body)
	}

	f.rec.Wait()
	rows := f.store.all()
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	_, events := artifact.NormalizeResponse(rows[0].ResponseBody)
	wantEvents := []any{
		map[string]any{"event": "note", "data": "42"},
	}
	if diff := cmp.Diff(wantEvents, events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestProxyRecordsMultipartForm(t *testing.T) {
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "stored")
	})
	f := newFixture(t, backend, recording())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("tag", "a")
	mw.WriteField("tag", "b")
	mw.WriteField("note", "hi")
	part, _ := mw.CreateFormFile("photo", "p.png")
	part.Write([]byte("hello"))
	mw.Close()

	resp, err := http.Post(f.proxy.URL+"/ingredicheck/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	f.rec.Wait()
	rows := f.store.all()
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	if rows[0].RequestBody.Type != artifact.BodyFormData {
		t.Fatalf("expected form-data, got %s", rows[0].RequestBody.Type)
	}
	form, err := artifact.ParseForm(rows[0].RequestBody.Payload)
	if err != nil {
		t.Fatalf("parse stored form: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"tag": []any{"a", "b"}, "note": "hi"}, form.Fields); diff != "" {
		t.Fatalf("fields mismatch (-want +got):\n%s", diff)
	}
	if len(form.Files) != 1 || form.Files[0].Name != "photo" || form.Files[0].Filename != "p.png" {
		t.Fatalf("unexpected files %+v", form.Files)
	}
	if form.Files[0].Content != base64.StdEncoding.EncodeToString([]byte("hello")) {
		t.Fatalf("file content should be base64, got %s", form.Files[0].Content)
	}
	if rows[0].ResponseBody != "stored" {
		t.Fatalf("text responses are stored as strings, got %#v", rows[0].ResponseBody)
	}
}

func TestSessionControl(t *testing.T) {
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	f := newFixture(t, backend, Options{ControlPath: "_recorder"})
	f.rec.now = func() time.Time { return time.Date(2024, 3, 9, 14, 5, 0, 0, time.UTC) }

	decode := func(resp *http.Response) sessionResponse {
		t.Helper()
		defer resp.Body.Close()
		var out sessionResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode control response: %v", err)
		}
		return out
	}
	do := func(method, body string) *http.Response {
		t.Helper()
		req, _ := http.NewRequest(method, f.proxy.URL+"/_recorder/session", strings.NewReader(body))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s session: %v", method, err)
		}
		return resp
	}

	if got := decode(do(http.MethodGet, "")); got.Active {
		t.Fatalf("no session should be active initially")
	}

	resp := do(http.MethodPost, `{"test_case":"Scan History","user_id":"u-9"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	started := decode(resp)
	if started.Session.ID != "2024-03-09-1405-scan-history" || started.Session.UserID != "u-9" {
		t.Fatalf("unexpected session %+v", started.Session)
	}

	if got := decode(do(http.MethodGet, "")); !got.Active || got.Session.ID != started.Session.ID {
		t.Fatalf("session should be active: %+v", got)
	}

	resp = do(http.MethodDelete, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = do(http.MethodDelete, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stopping twice should 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = do(http.MethodPost, `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("a session needs an id or test case, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRequestBodyLimit(t *testing.T) {
	called := false
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	opts := recording()
	opts.MaxBodyBytes = 4
	f := newFixture(t, backend, opts)

	resp, err := http.Post(f.proxy.URL+"/x", "text/plain", strings.NewReader("too large"))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge || called {
		t.Fatalf("expected 413 without reaching the backend, got %d", resp.StatusCode)
	}
}

func TestBackendUnavailable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	upstream, err := NewUpstream(logger.Nop(), dead.URL, UpstreamOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("new upstream: %v", err)
	}
	store := &memoryStore{}
	rec := New(recording(), upstream, store, nil, logger.Nop())
	defer rec.Close()

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ingredicheck/history", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	rec.Wait()
	if len(store.all()) != 0 {
		t.Fatalf("failed exchanges are not recorded")
	}
}

func TestLiveFeed(t *testing.T) {
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true}`)
	})
	opts := recording()
	opts.LiveFeed = true
	f := newFixture(t, backend, opts)

	wsURL := "ws" + strings.TrimPrefix(f.proxy.URL, "http") + "/_recorder/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial live feed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.rec.hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("websocket client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get(f.proxy.URL + "/ingredicheck/history")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read feed: %v", err)
	}
	var ev FeedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("decode feed event: %v", err)
	}
	if ev.Type != "exchange" || ev.Row == nil || ev.Row.Path != "/ingredicheck/history" {
		t.Fatalf("unexpected feed event %s", payload)
	}
}

func TestResponseBodyTagging(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        []byte
		want        any
	}{
		{"no content", http.StatusNoContent, "", nil, map[string]any{"type": "empty"}},
		{"empty body", http.StatusOK, "application/json", nil, map[string]any{"type": "empty"}},
		{"json", http.StatusOK, "application/json; charset=utf-8", []byte(`[1]`), []any{json.Number("1")}},
		{"problem json", http.StatusBadRequest, "application/problem+json", []byte(`{"error":"x"}`), map[string]any{"error": "x"}},
		{"broken json", http.StatusOK, "application/json", []byte(`{`), "{"},
		{"text", http.StatusOK, "text/plain", []byte("hi"), "hi"},
		{"image", http.StatusOK, "image/png", []byte{0x89, 'P'}, map[string]any{"type": "bytes", "value": base64.StdEncoding.EncodeToString([]byte{0x89, 'P'})}},
		{"invalid utf8", http.StatusOK, "text/plain", []byte{0xff, 0xfe}, map[string]any{"type": "bytes", "value": "//4="}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := responseBody(tt.status, tt.contentType, tt.body)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRequestBodyClassification(t *testing.T) {
	tests := []struct {
		contentType string
		body        string
		wantType    artifact.BodyType
		wantPayload any
	}{
		{"", "", artifact.BodyEmpty, nil},
		{"application/json", `{"a":"b"}`, artifact.BodyJSON, map[string]any{"a": "b"}},
		{"application/json", `not json`, artifact.BodyText, "not json"},
		{"text/plain", "hello", artifact.BodyText, "hello"},
		{"application/octet-stream", "bin", artifact.BodyBytes, base64.StdEncoding.EncodeToString([]byte("bin"))},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprintf("%d_%s", i, tt.wantType), func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/x", nil)
			if tt.contentType != "" {
				r.Header.Set("Content-Type", tt.contentType)
			}
			got, err := requestBody(r, []byte(tt.body))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Type != tt.wantType {
				t.Fatalf("expected %s, got %s", tt.wantType, got.Type)
			}
			if diff := cmp.Diff(tt.wantPayload, got.Payload); diff != "" {
				t.Fatalf("payload mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUpstreamURL(t *testing.T) {
	u, err := NewUpstream(nil, "http://backend:54321/functions/v1/", UpstreamOptions{})
	if err != nil {
		t.Fatalf("new upstream: %v", err)
	}
	defer u.Close()
	if got := u.URL("/ingredicheck/history", "a=1"); got != "http://backend:54321/functions/v1/ingredicheck/history?a=1" {
		t.Fatalf("unexpected url %s", got)
	}
	if _, err := NewUpstream(nil, "ftp://backend", UpstreamOptions{}); err == nil {
		t.Fatalf("expected scheme error")
	}
}
