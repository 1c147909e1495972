package replay

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/funnyzak/reqreplay/pkg/artifact"
	"github.com/funnyzak/reqreplay/pkg/jsonvalue"
	"github.com/funnyzak/reqreplay/pkg/placeholder"
)

// resolver resolves recorded request parts against the run's bindings
type resolver struct {
	store *placeholder.Store
	repl  *placeholder.ReplacementStore
}

func (r resolver) path(p string) (string, error) {
	return r.store.ResolveString(p)
}

func (r resolver) query(q map[string]string) (url.Values, error) {
	values := url.Values{}
	for key, raw := range q {
		resolved, err := r.store.ResolveString(raw)
		if err != nil {
			return nil, err
		}
		values.Set(key, r.repl.Replace(resolved))
	}
	return values, nil
}

// text renders a scalar in text position: null is empty, arrays join with commas
func (r resolver) text(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		resolved, err := r.store.ResolveString(t)
		if err != nil {
			return "", err
		}
		return r.repl.Replace(resolved), nil
	case []any:
		parts := make([]string, len(t))
		for i, item := range t {
			s, err := r.text(item)
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		return strings.Join(parts, ","), nil
	default:
		return jsonvalue.Stringify(v), nil
	}
}

func (r resolver) binary(encoded string) ([]byte, error) {
	resolved, err := r.store.ResolveString(encoded)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(resolved)
	if err != nil {
		return nil, fmt.Errorf("decode base64 payload: %w", err)
	}
	return data, nil
}

// builtBody is an encoded request body with its content type
type builtBody struct {
	reader      io.Reader
	contentType string
	size        int
}

func (r resolver) body(req artifact.Request) (*builtBody, error) {
	bodyType := req.EffectiveBodyType()
	if bodyType == artifact.BodyEmpty || req.Body == nil {
		return nil, nil
	}

	switch bodyType {
	case artifact.BodyJSON:
		resolved, err := r.store.ResolveValue(req.Body, r.repl)
		if err != nil {
			return nil, err
		}
		data, err := jsonvalue.Marshal(resolved)
		if err != nil {
			return nil, fmt.Errorf("encode json body: %w", err)
		}
		return &builtBody{reader: bytes.NewReader(data), contentType: "application/json", size: len(data)}, nil

	case artifact.BodyText:
		text, err := r.text(req.Body)
		if err != nil {
			return nil, err
		}
		return &builtBody{reader: strings.NewReader(text), contentType: "text/plain", size: len(text)}, nil

	case artifact.BodyBytes:
		encoded, ok := req.Body.(string)
		if !ok {
			return nil, fmt.Errorf("expected base64 string for byte payload")
		}
		data, err := r.binary(encoded)
		if err != nil {
			return nil, err
		}
		return &builtBody{reader: bytes.NewReader(data), contentType: "application/octet-stream", size: len(data)}, nil

	case artifact.BodyFormData:
		return r.form(req.Body)
	}

	return nil, fmt.Errorf("unsupported body type: %s", bodyType)
}

func (r resolver) form(body any) (*builtBody, error) {
	form, err := artifact.ParseForm(body)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, key := range jsonvalue.SortedKeys(form.Fields) {
		resolved, err := r.store.ResolveValue(form.Fields[key], r.repl)
		if err != nil {
			return nil, err
		}
		items, isList := resolved.([]any)
		if !isList {
			items = []any{resolved}
		}
		for _, item := range items {
			if err := w.WriteField(key, jsonvalue.Stringify(item)); err != nil {
				return nil, err
			}
		}
	}

	for _, file := range form.Files {
		data, err := r.binary(file.Content)
		if err != nil {
			return nil, fmt.Errorf("file %s: %w", file.Name, err)
		}
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			escapeQuotes(file.Name), escapeQuotes(file.Filename)))
		header.Set("Content-Type", file.ContentType)
		part, err := w.CreatePart(header)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(data); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return &builtBody{reader: &buf, contentType: w.FormDataContentType(), size: buf.Len()}, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// buildURL joins path onto base and appends query parameters
func buildURL(base *url.URL, path string, query url.Values) (*url.URL, error) {
	rel := strings.TrimPrefix(path, "/")
	ref, err := url.Parse(rel)
	if err != nil || ref.Scheme != "" || ref.Host != "" {
		ref = &url.URL{Path: rel}
	}
	u := base.ResolveReference(ref)
	if len(query) > 0 {
		q := u.Query()
		for key, values := range query {
			for _, v := range values {
				q.Add(key, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

func newHTTPRequest(ctx context.Context, method string, u *url.URL, body *builtBody, apiKey string, creds Credentials) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = body.reader
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), u.String(), reader)
	if err != nil {
		return nil, err
	}
	if creds.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	}
	if apiKey != "" {
		req.Header.Set("apikey", apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", body.contentType)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	return req, nil
}
