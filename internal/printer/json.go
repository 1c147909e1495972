package printer

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/funnyzak/reqreplay/internal/identity"
	"github.com/funnyzak/reqreplay/internal/logger"
	"github.com/funnyzak/reqreplay/internal/replay"
	"github.com/funnyzak/reqreplay/internal/suite"
	"github.com/funnyzak/reqreplay/pkg/artifact"
)

// JSONPrinter writes one JSON object per event
type JSONPrinter struct {
	mu      sync.Mutex
	encoder *json.Encoder
	logger  logger.Logger
	out     io.Writer
	redact  *redactor
}

// NewJSONPrinter creates a JSON lines printer
func NewJSONPrinter(log logger.Logger, redactFields []string) *JSONPrinter {
	p := &JSONPrinter{logger: log, redact: newRedactor(redactFields)}
	p.SetOutput(os.Stdout)
	return p
}

// SetOutput replaces the output target, mainly for tests
func (p *JSONPrinter) SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	p.out = w
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	p.encoder = encoder
}

type jsonEvent struct {
	Type     string `json:"type"`
	Time     string `json:"time"`
	Case     string `json:"case,omitempty"`
	Artifact string `json:"artifact,omitempty"`
	Target   string `json:"target,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Error    string `json:"error,omitempty"`

	Step   *jsonStep         `json:"step,omitempty"`
	Stats  *replay.Stats     `json:"stats,omitempty"`
	Total  int               `json:"total,omitempty"`
	Result *jsonResult       `json:"result,omitempty"`
	Row    *artifact.Row     `json:"row,omitempty"`
	Vars   map[string]string `json:"variables,omitempty"`
}

type jsonStep struct {
	Index      int      `json:"index"`
	Total      int      `json:"total"`
	Label      string   `json:"label"`
	URL        string   `json:"url,omitempty"`
	Status     int      `json:"status"`
	Expected   int      `json:"expected_status"`
	Passed     bool     `json:"passed"`
	DurationMS int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
	Errors     []string `json:"errors,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
	Actual     any      `json:"actual,omitempty"`
}

type jsonResult struct {
	Aborted    bool  `json:"aborted"`
	DurationMS int64 `json:"duration_ms"`
}

func (p *JSONPrinter) emit(ev jsonEvent) {
	ev.Time = time.Now().UTC().Format(time.RFC3339Nano)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.encoder.Encode(ev); err != nil && p.logger != nil {
		p.logger.Error("Failed to encode report event", "type", ev.Type, "error", err)
	}
}

func (p *JSONPrinter) CaseStarted(c suite.Case) {
	p.emit(jsonEvent{Type: "case_started", Case: c.Slug})
}

func (p *JSONPrinter) IdentityCreated(c suite.Case, id *identity.Identity) {
	p.emit(jsonEvent{Type: "identity_created", Case: c.Slug, UserID: id.UserID})
}

func (p *JSONPrinter) TeardownFailed(c suite.Case, err error) {
	p.emit(jsonEvent{Type: "teardown_failed", Case: c.Slug, Error: err.Error()})
}

func (p *JSONPrinter) ArtifactStarted(name string, total int, target string) {
	p.emit(jsonEvent{Type: "artifact_started", Artifact: name, Total: total, Target: target})
}

func (p *JSONPrinter) StepFinished(name string, step *replay.StepResult) {
	js := &jsonStep{
		Index:      step.Index,
		Total:      step.Total,
		Label:      step.Label,
		URL:        step.URL,
		Status:     step.Status,
		Expected:   step.Step.Response.Status,
		Passed:     step.Passed(),
		DurationMS: step.Duration.Milliseconds(),
		Warnings:   step.Warnings,
	}
	if step.Err != nil {
		js.Error = step.Err.Error()
	}
	for _, err := range step.Errors {
		js.Errors = append(js.Errors, err.Error())
	}
	if !js.Passed {
		js.Actual = p.redact.Apply(step.ActualBody)
	}
	p.emit(jsonEvent{Type: "step", Artifact: name, Step: js})
}

func (p *JSONPrinter) ArtifactFinished(r *replay.Result) {
	stats := r.Stats
	p.emit(jsonEvent{
		Type:     "artifact_finished",
		Artifact: r.Name,
		Target:   r.Target,
		Stats:    &stats,
		Result:   &jsonResult{Aborted: r.Aborted, DurationMS: r.Duration.Milliseconds()},
		Vars:     r.Variables,
	})
}

func (p *JSONPrinter) SuiteStopped(t *suite.Totals) {
	stats := t.Stats
	p.emit(jsonEvent{Type: "suite_stopped", Stats: &stats, Result: &jsonResult{Aborted: true}})
}

func (p *JSONPrinter) SuiteFinished(t *suite.Totals) {
	stats := t.Stats
	p.emit(jsonEvent{Type: "suite_finished", Stats: &stats, Result: &jsonResult{Aborted: t.Aborted}})
}

// PrintExchange writes a recorded row
func (p *JSONPrinter) PrintExchange(row *artifact.Row) error {
	masked := *row
	masked.ResponseBody = p.redact.Apply(row.ResponseBody)
	if row.RequestBody != nil {
		body := *row.RequestBody
		body.Payload = p.redact.Apply(body.Payload)
		masked.RequestBody = &body
	}
	p.emit(jsonEvent{Type: "exchange", Row: &masked})
	return nil
}
