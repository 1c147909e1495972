package artifact

import (
	"time"
)

// Row is one exchange captured by the recorder, stored as-is until a
// capture turns a session's rows into an Artifact.
type Row struct {
	ID             int64         `json:"id,omitempty"`
	SessionID      string        `json:"recording_session_id"`
	UserID         string        `json:"user_id"`
	RecordedAt     time.Time     `json:"recorded_at"`
	Method         string        `json:"request_method"`
	Path           string        `json:"request_path"`
	RequestBody    *RowBody      `json:"request_body"`
	ResponseStatus int           `json:"response_status"`
	ResponseBody   any           `json:"response_body"`
	Duration       time.Duration `json:"duration_ns,omitempty"`
}

// RowBody is the tagged request body of a recorded row
type RowBody struct {
	Type    BodyType          `json:"type"`
	Payload any               `json:"payload"`
	Search  map[string]string `json:"search,omitempty"`
}

// Step converts a row into an artifact step without anonymization
func (r *Row) Step() Step {
	req := Request{
		Method:   r.Method,
		Path:     r.Path,
		Query:    map[string]string{},
		BodyType: BodyEmpty,
	}
	if r.RequestBody != nil {
		if r.RequestBody.Search != nil {
			req.Query = r.RequestBody.Search
		}
		if r.RequestBody.Type != "" {
			req.BodyType = r.RequestBody.Type
		}
		req.Body = r.RequestBody.Payload
	}

	bodyType, body := NormalizeResponse(r.ResponseBody)
	return Step{
		RecordedAt: r.RecordedAt.UTC().Format(time.RFC3339Nano),
		Request:    req,
		Response: Response{
			Status:   r.ResponseStatus,
			BodyType: bodyType,
			Body:     body,
		},
	}
}
