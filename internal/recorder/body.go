package recorder

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/funnyzak/reqreplay/pkg/artifact"
	"github.com/funnyzak/reqreplay/pkg/jsonvalue"
)

// requestBody converts a proxied request into the tagged row body
func requestBody(r *http.Request, body []byte) (*artifact.RowBody, error) {
	row := &artifact.RowBody{Type: artifact.BodyEmpty, Search: searchParams(r.URL.Query())}
	if len(body) == 0 {
		return row, nil
	}

	contentType := r.Header.Get("Content-Type")
	mediaType, params, _ := mime.ParseMediaType(contentType)
	switch {
	case isJSONMediaType(mediaType):
		value, err := jsonvalue.Decode(body)
		if err != nil {
			row.Type, row.Payload = artifact.BodyText, string(body)
			return row, nil
		}
		row.Type, row.Payload = artifact.BodyJSON, value
	case mediaType == "multipart/form-data":
		form, err := parseMultipart(body, params["boundary"])
		if err != nil {
			return nil, err
		}
		row.Type, row.Payload = artifact.BodyFormData, form.Value()
	case isBinaryContent(mediaType, body):
		row.Type, row.Payload = artifact.BodyBytes, base64.StdEncoding.EncodeToString(body)
	default:
		row.Type, row.Payload = artifact.BodyText, string(body)
	}
	return row, nil
}

// searchParams keeps the first value of every query parameter
func searchParams(values url.Values) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// parseMultipart reads every part. Repeated fields become arrays, file
// contents are base64 encoded.
func parseMultipart(body []byte, boundary string) (artifact.FormBody, error) {
	form := artifact.FormBody{Fields: map[string]any{}}
	if boundary == "" {
		return form, fmt.Errorf("multipart body without boundary")
	}
	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return form, nil
		}
		if err != nil {
			return form, fmt.Errorf("read multipart body: %w", err)
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return form, fmt.Errorf("read multipart part %q: %w", part.FormName(), err)
		}

		if part.FileName() != "" {
			form.Files = append(form.Files, artifact.FormFile{
				Name:        part.FormName(),
				Filename:    part.FileName(),
				ContentType: part.Header.Get("Content-Type"),
				Content:     base64.StdEncoding.EncodeToString(data),
			})
			continue
		}

		name := part.FormName()
		switch existing := form.Fields[name].(type) {
		case nil:
			form.Fields[name] = string(data)
		case []any:
			form.Fields[name] = append(existing, string(data))
		default:
			form.Fields[name] = []any{existing, string(data)}
		}
	}
}

// responseBody converts a buffered backend response into its tagged stored form
func responseBody(status int, contentType string, body []byte) any {
	if status == http.StatusNoContent || len(body) == 0 {
		return artifact.Tag(artifact.BodyEmpty, nil)
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if isJSONMediaType(mediaType) {
		if value, err := jsonvalue.Decode(body); err == nil {
			return value
		}
		return string(body)
	}
	if isBinaryContent(mediaType, body) || !utf8.Valid(body) {
		return artifact.Tag(artifact.BodyBytes, base64.StdEncoding.EncodeToString(body))
	}
	return string(body)
}

func isJSONMediaType(mediaType string) bool {
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func isEventStream(contentType string) bool {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	return mediaType == "text/event-stream"
}

// isBinaryContent detects if it's binary content
func isBinaryContent(mediaType string, body []byte) bool {
	binaryTypes := []string{
		"image/", "video/", "audio/",
		"application/octet-stream",
		"application/zip", "application/gzip",
		"application/pdf",
	}
	for _, binaryType := range binaryTypes {
		if strings.HasPrefix(mediaType, binaryType) {
			return true
		}
	}

	// More than 10% null bytes
	nullCount := bytes.Count(body, []byte{0})
	return len(body) > 0 && nullCount > len(body)/10
}

// clientIP gets client real IP address
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx > 0 {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
}
