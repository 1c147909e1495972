package printer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/funnyzak/reqreplay/internal/identity"
	"github.com/funnyzak/reqreplay/internal/logger"
	"github.com/funnyzak/reqreplay/internal/replay"
	"github.com/funnyzak/reqreplay/internal/suite"
	"github.com/funnyzak/reqreplay/pkg/artifact"
	"github.com/funnyzak/reqreplay/pkg/jsonvalue"
)

// ColorScheme color scheme
type ColorScheme struct {
	MethodGET    *color.Color
	MethodPOST   *color.Color
	MethodPUT    *color.Color
	MethodDELETE *color.Color
	MethodPATCH  *color.Color
	Pass         *color.Color
	Fail         *color.Color
	Warning      *color.Color
	Heading      *color.Color
	Separator    *color.Color
	Timestamp    *color.Color
	Muted        *color.Color
	Query        *color.Color
}

// NewColorScheme creates a new color scheme
func NewColorScheme() *ColorScheme {
	return &ColorScheme{
		MethodGET:    color.New(color.FgBlue, color.Bold),
		MethodPOST:   color.New(color.FgGreen, color.Bold),
		MethodPUT:    color.New(color.FgYellow, color.Bold),
		MethodDELETE: color.New(color.FgRed, color.Bold),
		MethodPATCH:  color.New(color.FgMagenta, color.Bold),
		Pass:         color.New(color.FgGreen),
		Fail:         color.New(color.FgRed, color.Bold),
		Warning:      color.New(color.FgYellow),
		Heading:      color.New(color.FgCyan, color.Bold),
		Separator:    color.New(color.FgYellow, color.Bold),
		Timestamp:    color.New(color.FgHiBlack),
		Muted:        color.New(color.FgHiBlack),
		Query:        color.New(color.FgHiMagenta),
	}
}

// ConsolePrinter renders human readable progress. Failures go to errOut.
type ConsolePrinter struct {
	colorScheme *ColorScheme
	logger      logger.Logger
	out         io.Writer
	errOut      io.Writer
	silence     bool
	limit       int
	redact      *redactor

	mu       sync.Mutex
	current  *suite.Case
	files    map[string]string
	exchange uint64
}

// NewConsolePrinter creates a new console printer
func NewConsolePrinter(log logger.Logger, silence bool, maxValueChars int, redactFields []string) *ConsolePrinter {
	if maxValueChars <= 0 {
		maxValueChars = replay.DefaultValueChars
	}
	return &ConsolePrinter{
		colorScheme: NewColorScheme(),
		logger:      log,
		out:         os.Stdout,
		errOut:      os.Stderr,
		silence:     silence,
		limit:       maxValueChars,
		redact:      newRedactor(redactFields),
		files:       map[string]string{},
	}
}

// SetOutput replaces both writers, mainly for tests
func (p *ConsolePrinter) SetOutput(out, errOut io.Writer) {
	p.out = out
	p.errOut = errOut
	if p.errOut == nil {
		p.errOut = out
	}
}

// getTerminalWidth gets the current terminal width with fallback
func (p *ConsolePrinter) getTerminalWidth() int {
	if testWidth := os.Getenv("REQREPLAY_TEST_WIDTH"); testWidth != "" {
		if width, err := strconv.Atoi(testWidth); err == nil {
			return clampWidth(width)
		}
	}

	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return clampWidth(width)
}

func clampWidth(width int) int {
	switch {
	case width < 40:
		return 40
	case width > 150:
		return 150
	default:
		return width
	}
}

func (p *ConsolePrinter) buildSeparator(width int) string {
	return strings.Repeat("-", clampWidth(width))
}

// fit truncates s to the terminal width by display cells
func (p *ConsolePrinter) fit(s string) string {
	return runewidth.Truncate(s, p.getTerminalWidth(), "…")
}

// CaseStarted prints the case heading
func (p *ConsolePrinter) CaseStarted(c suite.Case) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cc := c
	p.current = &cc
	p.files[c.Slug] = filepath.Base(c.FilePath)
	fmt.Fprintln(p.out)
	p.colorScheme.Heading.Fprintf(p.out, "=== %s ===\n", c.DisplayName)
	fmt.Fprintln(p.out, "Creating new test identity for this test case...")
}

// IdentityCreated reports the identity a case runs under
func (p *ConsolePrinter) IdentityCreated(_ suite.Case, id *identity.Identity) {
	if id.UserID == "" {
		fmt.Fprintln(p.out, "Using configured access token")
		return
	}
	fmt.Fprintf(p.out, "Created test user: %s\n", id.UserID)
}

// TeardownFailed reports an identity that could not be removed
func (p *ConsolePrinter) TeardownFailed(c suite.Case, err error) {
	p.colorScheme.Warning.Fprintf(p.errOut, "⚠️  Failed to delete test user for %s: %v\n", c.DisplayName, err)
}

func (p *ConsolePrinter) sessionLabel(name string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	display := name
	if p.current != nil && p.current.Slug == name {
		display = p.current.DisplayName
	}
	if file, ok := p.files[name]; ok {
		return display + " :: " + file
	}
	return display
}

// ArtifactStarted prints the replay header
func (p *ConsolePrinter) ArtifactStarted(name string, total int, target string) {
	fmt.Fprintf(p.out, "\nReplaying %d request(s) for %s against %s\n", total, p.sessionLabel(name), target)
}

// StepFinished prints one step and, on failure, the full diagnostic dump
func (p *ConsolePrinter) StepFinished(_ string, step *replay.StepResult) {
	if step.Passed() {
		if p.silence && len(step.Warnings) == 0 {
			return
		}
		p.colorScheme.Pass.Fprint(p.out, "✅ ")
		fmt.Fprint(p.out, p.fit(step.Label))
		p.colorScheme.Muted.Fprintf(p.out, " (%s)\n", formatDuration(step.Duration))
		for _, w := range step.Warnings {
			p.colorScheme.Warning.Fprintln(p.out, indent(w))
		}
		return
	}

	w := p.errOut
	p.colorScheme.Fail.Fprint(w, "❌ ")
	fmt.Fprintln(w, p.fit(step.Label))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "   Request Details:")
	fmt.Fprintln(w, indent(formatRequestDetails(step.Step, p.redact)))
	fmt.Fprintln(w)

	if step.Err != nil {
		fmt.Fprintf(w, "   Unexpected error: %v\n", step.Err)
		fmt.Fprintln(w)
		return
	}

	_, expectedBody := step.Step.Response.Normalized()
	fmt.Fprintln(w, "   Expected Response:")
	fmt.Fprintln(w, indent(formatResponseDetails(step.Step.Response.Status, expectedBody, "", p.redact, p.limit)))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "   Actual Response:")
	fmt.Fprintln(w, indent(formatResponseDetails(step.Status, step.ActualBody, step.ContentType, p.redact, p.limit)))
	if step.Size > 0 {
		p.colorScheme.Muted.Fprintf(w, "   • Size: %s, took %s\n", humanize.Bytes(uint64(step.Size)), formatDuration(step.Duration))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "   Comparison Errors:")
	for _, err := range step.Errors {
		p.colorScheme.Fail.Fprintln(w, indent(err.Error()))
	}
	for _, warn := range step.Warnings {
		p.colorScheme.Warning.Fprintln(w, indent(warn))
	}
	fmt.Fprintln(w)
}

// ArtifactFinished prints the per-artifact summary
func (p *ConsolePrinter) ArtifactFinished(r *replay.Result) {
	s := r.Stats
	fmt.Fprintf(p.out, "Result for %s: Passed %d/%d, Failed %d/%d\n",
		p.sessionLabel(r.Name), s.Passed, s.Total, s.Failed, s.Total)
}

// SuiteStopped prints the early stop notice followed by the totals
func (p *ConsolePrinter) SuiteStopped(t *suite.Totals) {
	fmt.Fprintln(p.out, "\nStopping early because --stop-on-failure was set and a failure occurred.")
	p.printOverall(t, "")
}

// SuiteFinished prints the overall summary
func (p *ConsolePrinter) SuiteFinished(t *suite.Totals) {
	p.printOverall(t, "\n")
}

func (p *ConsolePrinter) printOverall(t *suite.Totals, lead string) {
	line := fmt.Sprintf("%sOverall: Passed %d/%d, Failed %d/%d", lead, t.Passed, t.Total, t.Failed, t.Total)
	if t.Failed > 0 {
		p.colorScheme.Fail.Fprintln(p.out, line)
		return
	}
	p.colorScheme.Pass.Fprintln(p.out, line)
}

// PrintExchange prints one exchange captured by the recorder
func (p *ConsolePrinter) PrintExchange(row *artifact.Row) error {
	p.mu.Lock()
	p.exchange++
	num := p.exchange
	p.mu.Unlock()

	width := p.getTerminalWidth()
	separator := p.buildSeparator(width)
	p.colorScheme.Separator.Fprintln(p.out, separator)
	p.colorScheme.Separator.Fprintf(p.out, "Exchange #%d  %s\n", num, row.RecordedAt.Format("2006-01-02T15:04:05-07:00"))

	meta := []string{}
	if row.SessionID != "" {
		meta = append(meta, "Session: "+row.SessionID)
	}
	meta = append(meta, fmt.Sprintf("Status: %d", row.ResponseStatus))
	if row.Duration > 0 {
		meta = append(meta, "Took: "+formatDuration(row.Duration))
	}
	if data, err := jsonvalue.Marshal(row.ResponseBody); err == nil {
		meta = append(meta, "Size: "+humanize.Bytes(uint64(len(data))))
	}
	fmt.Fprintln(p.out, p.fit(strings.Join(meta, " | ")))
	p.colorScheme.Separator.Fprintln(p.out, separator)

	method := strings.ToUpper(row.Method)
	p.getMethodColor(method).Fprintf(p.out, "%s ", method)
	fmt.Fprint(p.out, row.Path)
	if row.RequestBody != nil && len(row.RequestBody.Search) > 0 {
		step := row.Step()
		values := make([]string, 0, len(step.Request.Query))
		for _, k := range jsonvalue.SortedKeys(stringMap(step.Request.Query)) {
			values = append(values, k+"="+step.Request.Query[k])
		}
		fmt.Fprint(p.out, "?")
		p.colorScheme.Query.Fprint(p.out, strings.Join(values, "&"))
	}
	fmt.Fprintln(p.out)

	if row.RequestBody != nil && row.RequestBody.Payload != nil {
		fmt.Fprintf(p.out, "Request (%s): %s\n", row.RequestBody.Type, replay.FormatValue(p.redact.Apply(row.RequestBody.Payload), p.limit))
	}
	bodyType, body := artifact.NormalizeResponse(row.ResponseBody)
	if bodyType == artifact.BodyEmpty {
		p.colorScheme.Muted.Fprintln(p.out, "Response: [Empty Body]")
	} else {
		fmt.Fprintf(p.out, "Response (%s): %s\n", bodyType, replay.FormatValue(p.redact.Apply(body), p.limit))
	}
	fmt.Fprintln(p.out)
	return nil
}

func stringMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Millisecond:
		return d.String()
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(10 * time.Millisecond).String()
	}
}

// getMethodColor gets the corresponding color based on HTTP method
func (p *ConsolePrinter) getMethodColor(method string) *color.Color {
	switch strings.ToUpper(method) {
	case "GET":
		return p.colorScheme.MethodGET
	case "POST":
		return p.colorScheme.MethodPOST
	case "PUT":
		return p.colorScheme.MethodPUT
	case "DELETE":
		return p.colorScheme.MethodDELETE
	case "PATCH":
		return p.colorScheme.MethodPATCH
	default:
		return color.New(color.FgWhite, color.Bold)
	}
}
