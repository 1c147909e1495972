// Package artifact defines the recorded test artifact format.
package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrMissingRequests is returned for documents without a requests array
var ErrMissingRequests = errors.New("recording artifact is missing requests array")

// Artifact is an exported recording session
type Artifact struct {
	SessionID    string            `json:"recordingSessionId"`
	RecordedUser string            `json:"recordedUserId"`
	ExportedAt   time.Time         `json:"exportedAt"`
	TotalEntries int               `json:"totalEntries"`
	TestCase     string            `json:"testCase,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	Requests     []Step            `json:"requests"`
}

// Step pairs a recorded request with its recorded response
type Step struct {
	RecordedAt string   `json:"recordedAt,omitempty"`
	Request    Request  `json:"request"`
	Response   Response `json:"response"`
}

// Request is the recorded request half of a step
type Request struct {
	Method   string            `json:"method"`
	Path     string            `json:"path"`
	Query    map[string]string `json:"query,omitempty"`
	BodyType BodyType          `json:"bodyType,omitempty"`
	Body     any               `json:"body"`
}

// Response is the recorded response half of a step
type Response struct {
	Status   int      `json:"status"`
	BodyType BodyType `json:"bodyType,omitempty"`
	Body     any      `json:"body"`
}

// Label renders the step header shown in reports
func (s Step) Label(index, total int) string {
	return fmt.Sprintf("%d/%d %s %s", index, total, strings.ToUpper(s.Request.Method), s.Request.Path)
}

// Decode reads an artifact from r. Numbers inside bodies are kept as json.Number.
func Decode(r io.Reader) (*Artifact, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var a Artifact
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if a.Requests == nil {
		return nil, ErrMissingRequests
	}
	for i := range a.Requests {
		if a.Requests[i].Request.Method == "" {
			return nil, fmt.Errorf("decode artifact: request %d has no method", i+1)
		}
	}
	return &a, nil
}

// Load reads and decodes an artifact file
func Load(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	a, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// Encode writes a as two-space indented JSON
func Encode(w io.Writer, a *Artifact) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(a)
}

// Save writes a to path, creating parent directories as needed
func Save(path string, a *Artifact) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}
	var buf bytes.Buffer
	if err := Encode(&buf, a); err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
