// Package capture turns the rows of a recording session into a replayable,
// anonymized artifact.
package capture

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/funnyzak/reqreplay/internal/logger"
	"github.com/funnyzak/reqreplay/pkg/artifact"
	"github.com/funnyzak/reqreplay/pkg/placeholder"
)

// DefaultCase names a capture that was given no test case
const DefaultCase = "adhoc"

// Source supplies the rows of a recording session ordered by recording time
type Source interface {
	Rows(sessionID string) ([]*artifact.Row, error)
}

// Options describes the session being exported
type Options struct {
	SessionID string
	// UserID defaults to the user of the first row
	UserID   string
	TestCase string
	Now      func() time.Time
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s and collapses every run of other characters into "-"
func Slugify(s string) string {
	s = nonSlug.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "-")
	return strings.Trim(s, "-")
}

// CaseSlug returns the file-safe name of a test case
func CaseSlug(testCase string) string {
	if slug := Slugify(testCase); slug != "" {
		return slug
	}
	return DefaultCase
}

// SessionTag builds the recording session id for a test case started at now
func SessionTag(now time.Time, testCase string) string {
	now = now.UTC()
	return Slugify(fmt.Sprintf("%s-%s-%s", now.Format("2006-01-02"), now.Format("1504"), testCase))
}

// OutputPath is where the artifact of testCase is written inside suiteDir
func OutputPath(suiteDir, testCase string) string {
	return filepath.Join(suiteDir, CaseSlug(testCase)+".json")
}

// Export reads the session rows from src and builds its artifact
func Export(src Source, opts Options, log logger.Logger) (*artifact.Artifact, error) {
	if opts.SessionID == "" {
		return nil, fmt.Errorf("capture: session id is required")
	}
	rows, err := src.Rows(opts.SessionID)
	if err != nil {
		return nil, fmt.Errorf("fetch rows for session %s: %w", opts.SessionID, err)
	}
	if len(rows) == 0 && log != nil {
		log.Warn("No entries captured for this session", "session", opts.SessionID)
	}
	return Build(opts, rows), nil
}

// Build converts rows into an artifact and replaces every recorded
// identifier with a shared ID_NNN placeholder.
func Build(opts Options, rows []*artifact.Row) *artifact.Artifact {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	userID := opts.UserID
	if userID == "" && len(rows) > 0 {
		userID = rows[0].UserID
	}

	a := &artifact.Artifact{
		SessionID:    opts.SessionID,
		RecordedUser: userID,
		ExportedAt:   now().UTC(),
		TotalEntries: len(rows),
		Requests:     make([]artifact.Step, 0, len(rows)),
	}
	if opts.TestCase != "" {
		a.TestCase = CaseSlug(opts.TestCase)
	}
	for _, row := range rows {
		a.Requests = append(a.Requests, row.Step())
	}

	anonymize(a)
	return a
}

func anonymize(a *artifact.Artifact) {
	anon := placeholder.NewAnonymizer()
	for _, step := range a.Requests {
		anon.Collect(step.Request.Body)
		bodyType, body := step.Response.Normalized()
		if bodyType == artifact.BodySSE {
			for _, ev := range events(body) {
				anon.Collect(ev["data"])
			}
			continue
		}
		anon.Collect(body)
	}

	vars := anon.Variables()
	if len(vars) == 0 {
		return
	}
	for i := range a.Requests {
		step := &a.Requests[i]
		step.Request.Path = anon.ApplyPath(step.Request.Path)
		step.Request.Query = anon.ApplyQuery(step.Request.Query)
		step.Request.Body = anon.Apply(step.Request.Body)

		if step.Response.BodyType == artifact.BodySSE {
			step.Response.Body = anonymizeEvents(anon, step.Response.Body)
			continue
		}
		step.Response.Body = anon.Apply(step.Response.Body)
	}
	a.Variables = vars
}

func events(body any) []map[string]any {
	items, _ := body.([]any)
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if ev, ok := item.(map[string]any); ok {
			out = append(out, ev)
		}
	}
	return out
}

// anonymizeEvents rewrites only the data of each event, event names stay literal
func anonymizeEvents(anon *placeholder.Anonymizer, body any) any {
	items, ok := body.([]any)
	if !ok {
		return anon.Apply(body)
	}
	out := make([]any, len(items))
	for i, item := range items {
		ev, ok := item.(map[string]any)
		if !ok {
			out[i] = item
			continue
		}
		copied := make(map[string]any, len(ev))
		for k, v := range ev {
			copied[k] = v
		}
		if data, ok := copied["data"]; ok {
			copied["data"] = anon.Apply(data)
		}
		out[i] = copied
	}
	return out
}
