package replay

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/funnyzak/reqreplay/pkg/artifact"
	"github.com/funnyzak/reqreplay/pkg/jsonvalue"
	"github.com/funnyzak/reqreplay/pkg/sse"
)

// actualResponse is a backend response decoded according to the expected body type
type actualResponse struct {
	status      int
	contentType string
	bodyType    artifact.BodyType
	body        any
	events      []sse.Event
	size        int
	parseErr    error
	warnings    []string
}

func isJSONContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// readResponse drains resp.Body and decodes it the way the expected type asks
func readResponse(resp *http.Response, expected artifact.BodyType) (*actualResponse, error) {
	defer resp.Body.Close()

	out := &actualResponse{
		status:      resp.StatusCode,
		contentType: resp.Header.Get("Content-Type"),
	}

	switch expected {
	case artifact.BodySSE:
		if !strings.Contains(strings.ToLower(out.contentType), "text/event-stream") {
			out.warnings = append(out.warnings, fmt.Sprintf(
				"⚠️  Expected text/event-stream response but received %q", out.contentType))
		}
		events, err := sse.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read event stream: %w", err)
		}
		out.bodyType = artifact.BodySSE
		out.events = events
		out.body = sse.ToValues(events)
		return out, nil

	case artifact.BodyBytes:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		out.bodyType = artifact.BodyBytes
		out.body = base64.StdEncoding.EncodeToString(data)
		out.size = len(data)
		return out, nil

	case artifact.BodyEmpty:
		out.bodyType = artifact.BodyEmpty
		if resp.StatusCode == http.StatusNoContent {
			return out, nil
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		out.size = len(data)
		if len(data) > 0 {
			out.bodyType = artifact.BodyText
			out.body = string(data)
		}
		return out, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	out.size = len(data)
	if resp.StatusCode == http.StatusNoContent || len(data) == 0 {
		out.bodyType = artifact.BodyEmpty
		return out, nil
	}

	if isJSONContentType(out.contentType) || expected == artifact.BodyJSON || expected == "" {
		value, err := jsonvalue.Decode(data)
		if err != nil {
			out.bodyType = artifact.BodyText
			out.body = string(data)
			out.parseErr = &BodyParseError{Err: err}
			return out, nil
		}
		out.bodyType = artifact.BodyJSON
		out.body = value
		return out, nil
	}

	out.bodyType = artifact.BodyText
	out.body = string(data)
	return out, nil
}
