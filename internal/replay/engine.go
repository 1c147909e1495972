// Package replay sends the recorded requests of an artifact to a live
// backend and compares each response with the recorded one.
package replay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/funnyzak/reqreplay/internal/logger"
	"github.com/funnyzak/reqreplay/internal/metrics"
	"github.com/funnyzak/reqreplay/pkg/artifact"
	"github.com/funnyzak/reqreplay/pkg/jsonvalue"
	"github.com/funnyzak/reqreplay/pkg/placeholder"
	"github.com/funnyzak/reqreplay/pkg/policy"
)

// Credentials authenticate replayed requests
type Credentials struct {
	AccessToken string
	UserID      string
}

// Observer receives progress while an artifact is replayed
type Observer interface {
	ArtifactStarted(name string, total int, target string)
	StepFinished(name string, step *StepResult)
	ArtifactFinished(result *Result)
}

// Options configures an Engine
type Options struct {
	// FunctionsURL is the base every recorded path is resolved against
	FunctionsURL  string
	APIKey        string
	Client        *http.Client
	Policy        *policy.Policy
	Logger        logger.Logger
	Observer      Observer
	Metrics       *metrics.Recorder
	StopOnFailure bool
	MaxValueChars int

	// Sleep and NewID are replaced in tests
	Sleep func(ctx context.Context, d time.Duration) error
	NewID func() string
}

// StepResult is the outcome of one replayed step
type StepResult struct {
	Index       int
	Total       int
	Label       string
	Step        artifact.Step
	URL         string
	Status      int
	ContentType string
	ActualType  artifact.BodyType
	ActualBody  any
	Size        int
	Delay       time.Duration
	Duration    time.Duration

	// Err is set when the step could not be executed at all
	Err      error
	Errors   []error
	Warnings []string
}

// Passed reports whether the step completed without errors
func (s *StepResult) Passed() bool {
	return s.Err == nil && len(s.Errors) == 0
}

// Stats counts step outcomes. Total is the artifact's step count even
// when the run stopped early.
type Stats struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// Add accumulates other into s
func (s *Stats) Add(other Stats) {
	s.Total += other.Total
	s.Passed += other.Passed
	s.Failed += other.Failed
}

// Result is the outcome of replaying one artifact
type Result struct {
	Name      string
	Target    string
	Stats     Stats
	Aborted   bool
	Steps     []*StepResult
	Variables map[string]string
	StartedAt time.Time
	Duration  time.Duration
}

// Engine replays artifacts against one backend
type Engine struct {
	base   *url.URL
	opts   Options
	client *http.Client
	log    logger.Logger
	policy *policy.Policy
	sleep  func(ctx context.Context, d time.Duration) error
	newID  func() string
	limit  int
}

// NewEngine validates the functions URL and applies option defaults
func NewEngine(opts Options) (*Engine, error) {
	raw := strings.TrimSpace(opts.FunctionsURL)
	if raw == "" {
		return nil, errors.New("functions url is required")
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	base, err := url.Parse(raw)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid functions url %q", opts.FunctionsURL)
	}

	e := &Engine{
		base:   base,
		opts:   opts,
		client: opts.Client,
		log:    opts.Logger,
		policy: opts.Policy,
		sleep:  opts.Sleep,
		newID:  opts.NewID,
		limit:  opts.MaxValueChars,
	}
	if e.client == nil {
		e.client = &http.Client{Timeout: 120 * time.Second}
	}
	if e.log == nil {
		e.log = logger.Nop()
	}
	if e.policy == nil {
		e.policy = policy.Default()
	}
	if e.sleep == nil {
		e.sleep = sleepContext
	}
	if e.limit <= 0 {
		e.limit = DefaultValueChars
	}
	return e, nil
}

// Target returns the base URL requests are sent to
func (e *Engine) Target() string {
	return e.base.String()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run replays every step of a in order. Step failures are recorded in the
// result; the returned error is only set when the context is cancelled.
func (e *Engine) Run(ctx context.Context, name string, a *artifact.Artifact, creds Credentials) (*Result, error) {
	store := placeholder.NewStore()
	if e.newID != nil {
		store.WithGenerator(e.newID)
	}
	repl := placeholder.ScanReplacements(a, e.policy.ReplacementFields(), e.newID)
	log := logger.With(e.log, "artifact", name)

	result := &Result{
		Name:      name,
		Target:    e.Target(),
		Stats:     Stats{Total: len(a.Requests)},
		StartedAt: time.Now(),
	}
	if e.opts.Observer != nil {
		e.opts.Observer.ArtifactStarted(name, len(a.Requests), result.Target)
	}
	log.Debug("Replaying artifact", "steps", len(a.Requests), "replacements", repl.Len())

	var runErr error
	for i, step := range a.Requests {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		sr := e.runStep(ctx, store, repl, a, step, i+1, len(a.Requests), creds)
		result.Steps = append(result.Steps, sr)

		outcome := metrics.OutcomePassed
		switch {
		case sr.Err != nil:
			outcome = metrics.OutcomeError
		case !sr.Passed():
			outcome = metrics.OutcomeFailed
		}
		e.opts.Metrics.ObserveStep(name, strings.ToUpper(step.Request.Method), outcome, sr.Duration)

		if sr.Passed() {
			result.Stats.Passed++
		} else {
			result.Stats.Failed++
			log.Debug("Step failed", "step", sr.Label, "errors", len(sr.Errors), "error", sr.Err)
		}
		if e.opts.Observer != nil {
			e.opts.Observer.StepFinished(name, sr)
		}

		if errors.Is(sr.Err, context.Canceled) || errors.Is(sr.Err, context.DeadlineExceeded) {
			runErr = sr.Err
			break
		}
		if !sr.Passed() && e.opts.StopOnFailure {
			result.Aborted = true
			break
		}
	}

	result.Variables = snapshot(store)
	result.Duration = time.Since(result.StartedAt)
	e.opts.Metrics.ObserveArtifact(result.Stats.Failed, result.Aborted)
	if e.opts.Observer != nil {
		e.opts.Observer.ArtifactFinished(result)
	}
	log.Debug("Artifact finished", "passed", result.Stats.Passed, "failed", result.Stats.Failed, "aborted", result.Aborted)
	return result, runErr
}

func snapshot(store *placeholder.Store) map[string]string {
	names := store.Names()
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]string, len(names))
	for _, name := range names {
		v, _ := store.Get(name)
		out[name] = v.Text
	}
	return out
}

func (e *Engine) runStep(ctx context.Context, store *placeholder.Store, repl *placeholder.ReplacementStore,
	a *artifact.Artifact, step artifact.Step, index, total int, creds Credentials) *StepResult {
	sr := &StepResult{
		Index: index,
		Total: total,
		Label: step.Label(index, total),
		Step:  step,
	}
	start := time.Now()
	defer func() { sr.Duration = time.Since(start) }()

	store.EnsureRequest(step.Request, a.Variables)
	res := resolver{store: store, repl: repl}

	path, err := res.path(step.Request.Path)
	if err != nil {
		sr.Err = err
		return sr
	}
	query, err := res.query(step.Request.Query)
	if err != nil {
		sr.Err = err
		return sr
	}
	target, err := buildURL(e.base, path, query)
	if err != nil {
		sr.Err = err
		return sr
	}
	sr.URL = target.String()

	body, err := res.body(step.Request)
	if err != nil {
		sr.Err = err
		return sr
	}

	method := strings.ToUpper(step.Request.Method)
	if delay := e.policy.DelayFor(method, path); delay > 0 {
		sr.Delay = delay
		e.log.Debug("Delaying request", "method", method, "path", path, "delay", delay)
		if err := e.sleep(ctx, delay); err != nil {
			sr.Err = err
			return sr
		}
	}

	req, err := newHTTPRequest(ctx, method, target, body, e.opts.APIKey, creds)
	if err != nil {
		sr.Err = err
		return sr
	}
	resp, err := e.client.Do(req)
	if err != nil {
		sr.Err = &TransportError{Method: method, URL: sr.URL, Err: err}
		return sr
	}

	expectedType, expectedBody := step.Response.Normalized()
	actual, err := readResponse(resp, expectedType)
	if err != nil {
		sr.Status = resp.StatusCode
		sr.Err = &TransportError{Method: method, URL: sr.URL, Err: err}
		return sr
	}
	sr.Status = actual.status
	sr.ContentType = actual.contentType
	sr.ActualType = actual.bodyType
	sr.ActualBody = actual.body
	sr.Size = actual.size
	sr.Warnings = append(sr.Warnings, actual.warnings...)

	c := &comparer{store: store, repl: repl, policy: e.policy, limit: e.limit}
	if actual.status != step.Response.Status {
		c.fail(&ComparisonError{
			Path:    "status",
			Message: fmt.Sprintf("expected %d, received %d", step.Response.Status, actual.status),
		})
	}

	switch {
	case actual.parseErr != nil:
		c.fail(actual.parseErr)
	case expectedType == artifact.BodySSE:
		c.compareEvents(expectedBody, actual.events)
	case expectedType == artifact.BodyEmpty:
		c.compare(nil, actual.body, jsonvalue.Root)
	default:
		c.compare(expectedBody, actual.body, jsonvalue.Root)
	}

	sr.Errors = c.errs
	sr.Warnings = append(sr.Warnings, c.warns...)
	return sr
}
