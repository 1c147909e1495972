// Package recorder implements the recording proxy: every exchange between a
// client and the backend is relayed unchanged and, while a session is
// active, stored as a row for later capture.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/funnyzak/reqreplay/internal/capture"
	"github.com/funnyzak/reqreplay/internal/logger"
	"github.com/funnyzak/reqreplay/pkg/artifact"
	"github.com/funnyzak/reqreplay/pkg/sse"
)

// RowStore persists recorded exchanges
type RowStore interface {
	Record(*artifact.Row) (*artifact.Row, error)
}

// ExchangePrinter displays recorded exchanges
type ExchangePrinter interface {
	PrintExchange(*artifact.Row) error
}

// Options recorder settings
type Options struct {
	Port         int
	ControlPath  string
	MaxBodyBytes int64
	LiveFeed     bool
	// Session starts recording immediately when its ID is set
	Session Session
}

// Recorder is the recording reverse proxy
type Recorder struct {
	opts     Options
	logger   logger.Logger
	upstream *Upstream
	store    RowStore
	printer  ExchangePrinter
	hub      *Hub
	session  sessionState
	router   *mux.Router
	procWG   sync.WaitGroup
	now      func() time.Time
}

var errRequestBodyTooLarge = errors.New("request body exceeds configured limit")

// hopHeaders are response headers that are not copied back to the client
var hopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"content-length":      true,
}

// New creates a recorder. store and printer may be nil.
func New(opts Options, upstream *Upstream, store RowStore, printer ExchangePrinter, log logger.Logger) *Recorder {
	if log == nil {
		log = logger.Nop()
	}
	opts.ControlPath = "/" + strings.Trim(opts.ControlPath, "/")
	if opts.ControlPath == "/" {
		opts.ControlPath = "/_recorder"
	}

	rec := &Recorder{
		opts:     opts,
		logger:   log,
		upstream: upstream,
		store:    store,
		printer:  printer,
		now:      time.Now,
	}
	if opts.LiveFeed {
		rec.hub = NewHub(log)
	}
	if opts.Session.ID != "" {
		rec.session.Start(opts.Session)
	}
	rec.router = rec.routes()
	return rec
}

func (rec *Recorder) routes() *mux.Router {
	router := mux.NewRouter()
	control := router.PathPrefix(rec.opts.ControlPath).Subrouter()
	control.HandleFunc("/session", rec.handleSessionGet).Methods(http.MethodGet)
	control.HandleFunc("/session", rec.handleSessionStart).Methods(http.MethodPost)
	control.HandleFunc("/session", rec.handleSessionStop).Methods(http.MethodDelete)
	if rec.hub != nil {
		control.Handle("/ws", rec.hub)
	}
	router.PathPrefix("/").Handler(http.HandlerFunc(rec.proxy))
	return router
}

// Handler returns the HTTP handler serving control endpoints and the proxy
func (rec *Recorder) Handler() http.Handler {
	return rec.router
}

// Session returns the active session, if any
func (rec *Recorder) Session() (Session, bool) {
	return rec.session.Current()
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (rec *Recorder) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", rec.opts.Port),
		Handler:     rec.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	rec.logger.Info("Starting recorder",
		"addr", srv.Addr,
		"upstream", rec.upstream.URL("/", ""),
		"control_path", rec.opts.ControlPath,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("recorder server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		rec.logger.Info("Shutting down recorder...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			rec.logger.Error("Recorder forced to shutdown", "error", err)
		}
		return nil
	})

	err := group.Wait()
	rec.Close()
	rec.logger.Info("Recorder exited")
	return err
}

// Wait blocks until every stored exchange has been processed
func (rec *Recorder) Wait() {
	rec.procWG.Wait()
}

// Close waits for pending rows and releases connections
func (rec *Recorder) Close() {
	rec.procWG.Wait()
	rec.upstream.Close()
	if rec.hub != nil {
		rec.hub.Close()
	}
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	TestCase  string `json:"test_case"`
}

type sessionResponse struct {
	Active  bool     `json:"active"`
	Session *Session `json:"session,omitempty"`
}

func (rec *Recorder) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := rec.session.Current()
	if !ok {
		writeJSON(w, http.StatusOK, sessionResponse{})
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Active: true, Session: &sess})
}

func (rec *Recorder) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session payload: " + err.Error()})
		return
	}
	id := strings.TrimSpace(req.SessionID)
	if id == "" && strings.TrimSpace(req.TestCase) != "" {
		id = capture.SessionTag(rec.now(), req.TestCase)
	}
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id or test_case is required"})
		return
	}

	if previous, ok := rec.session.Current(); ok {
		rec.logger.Warn("Replacing active recording session", "previous", previous.ID, "rows", previous.Rows)
	}
	sess := rec.session.Start(Session{
		ID:        id,
		UserID:    strings.TrimSpace(req.UserID),
		TestCase:  strings.TrimSpace(req.TestCase),
		StartedAt: rec.now().UTC(),
	})
	rec.logger.Info("Recording session started", "session", sess.ID, "user", sess.UserID)
	rec.broadcast(FeedEvent{Type: "session_started", Session: &sess})
	writeJSON(w, http.StatusCreated, sessionResponse{Active: true, Session: &sess})
}

func (rec *Recorder) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	rec.procWG.Wait()
	sess, ok := rec.session.Stop()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active session"})
		return
	}
	rec.logger.Info("Recording session stopped", "session", sess.ID, "rows", sess.Rows)
	rec.broadcast(FeedEvent{Type: "session_stopped", Session: &sess})
	writeJSON(w, http.StatusOK, sessionResponse{Session: &sess})
}

// proxy relays one exchange and stores it under the active session
func (rec *Recorder) proxy(w http.ResponseWriter, r *http.Request) {
	started := rec.now()
	body, err := rec.readRequestBody(r)
	if err != nil {
		rec.handleBodyReadError(w, err)
		return
	}

	resp, err := rec.upstream.Do(r.Context(), r, body)
	if err != nil {
		rec.logger.Error("Failed to reach backend", "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		if hopHeaders[strings.ToLower(key)] {
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	var stored any
	if isEventStream(resp.Header.Get("Content-Type")) {
		stored, err = rec.relayEvents(w, resp)
		if err != nil {
			rec.logger.Warn("Event stream ended with error", "path", r.URL.Path, "error", err)
		}
	} else {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			rec.logger.Error("Failed to read backend response", "path", r.URL.Path, "error", err)
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
			return
		}
		w.WriteHeader(resp.StatusCode)
		if _, err := w.Write(data); err != nil {
			rec.logger.Warn("Failed to write response to client", "error", err)
		}
		stored = responseBody(resp.StatusCode, resp.Header.Get("Content-Type"), data)
	}

	elapsed := rec.now().Sub(started)
	sess, active := rec.session.Current()
	rec.logger.Info("Exchange proxied",
		"method", r.Method,
		"path", r.URL.Path,
		"status", resp.StatusCode,
		"duration", elapsed,
		"recording", active,
	)
	if !active {
		return
	}

	reqBody, err := requestBody(r, body)
	if err != nil {
		rec.logger.Warn("Request body stored as text", "path", r.URL.Path, "error", err)
		reqBody = &artifact.RowBody{Type: artifact.BodyText, Payload: string(body), Search: searchParams(r.URL.Query())}
	}
	row := &artifact.Row{
		SessionID:      sess.ID,
		UserID:         sess.UserID,
		RecordedAt:     started.UTC(),
		Method:         r.Method,
		Path:           r.URL.Path,
		RequestBody:    reqBody,
		ResponseStatus: resp.StatusCode,
		ResponseBody:   stored,
		Duration:       elapsed,
	}

	rec.procWG.Add(1)
	go func() {
		defer rec.procWG.Done()
		rec.processRow(row)
	}()
}

// relayEvents copies the backend stream to the client byte for byte,
// flushing after every read, and decodes the same bytes into the tagged
// event list that gets stored.
func (rec *Recorder) relayEvents(w http.ResponseWriter, resp *http.Response) (any, error) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	var (
		dec     sse.Decoder
		events  []sse.Event
		relayed = true
	)
	buf := make([]byte, 32*1024)
	var readErr error
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			events = append(events, dec.Feed(buf[:n])...)
			if relayed {
				if _, werr := w.Write(buf[:n]); werr != nil {
					// keep reading so the row is complete
					rec.logger.Warn("Client stopped reading event stream", "error", werr)
					relayed = false
				} else if flusher != nil {
					flusher.Flush()
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}
	events = append(events, dec.Flush()...)
	return artifact.Tag(artifact.BodySSE, sse.ToValues(events)), readErr
}

// processRow persists the row, then prints and broadcasts it
func (rec *Recorder) processRow(row *artifact.Row) {
	if rec.store != nil {
		if _, err := rec.store.Record(row); err != nil {
			rec.logger.Error("Failed to persist row", "error", err, "session", row.SessionID, "path", row.Path)
			return
		}
	}
	rec.session.countRow(row.SessionID)

	var group errgroup.Group
	if rec.printer != nil {
		group.Go(func() error {
			if err := rec.printer.PrintExchange(row); err != nil {
				rec.logger.Error("Failed to print exchange", "error", err, "path", row.Path)
			}
			return nil
		})
	}
	if rec.hub != nil {
		group.Go(func() error {
			rec.hub.Broadcast(FeedEvent{Type: "exchange", Row: row})
			return nil
		})
	}
	_ = group.Wait()
}

func (rec *Recorder) broadcast(ev FeedEvent) {
	if rec.hub != nil {
		rec.hub.Broadcast(ev)
	}
}

func (rec *Recorder) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()

	if rec.opts.MaxBodyBytes <= 0 {
		return io.ReadAll(r.Body)
	}

	limited := io.LimitReader(r.Body, rec.opts.MaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > rec.opts.MaxBodyBytes {
		return nil, errRequestBodyTooLarge
	}
	return body, nil
}

func (rec *Recorder) handleBodyReadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errRequestBodyTooLarge):
		rec.logger.Warn("Request body exceeds configured limit",
			"limit_bytes", rec.opts.MaxBodyBytes,
		)
		http.Error(w, "Payload Too Large", http.StatusRequestEntityTooLarge)
	default:
		rec.logger.Error("Failed to read request body", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
