package artifact

import (
	"github.com/funnyzak/reqreplay/pkg/jsonvalue"
)

// BodyType tags how a body is encoded in an artifact
type BodyType string

const (
	BodyJSON     BodyType = "json"
	BodyFormData BodyType = "form-data"
	BodyText     BodyType = "text"
	BodyBytes    BodyType = "bytes"
	BodyEmpty    BodyType = "empty"
	BodySSE      BodyType = "sse"
)

// Tagged wrapper shapes written by the recorder
const (
	tagKey     = "type"
	tagPayload = "payload"
	tagValue   = "value"
)

// NormalizeResponse infers the body type of a recorded response body and
// unwraps tagged shapes. Unknown shapes are treated as JSON.
func NormalizeResponse(raw any) (BodyType, any) {
	switch v := raw.(type) {
	case nil:
		return BodyEmpty, nil
	case string:
		return BodyText, v
	case map[string]any:
		switch v[tagKey] {
		case string(BodySSE):
			if payload, ok := v[tagPayload].([]any); ok && isEventList(payload) {
				return BodySSE, payload
			}
		case string(BodyBytes):
			if value, ok := v[tagValue].(string); ok {
				return BodyBytes, value
			}
		case string(BodyEmpty):
			return BodyEmpty, nil
		}
	}
	return BodyJSON, raw
}

func isEventList(items []any) bool {
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return false
		}
		if _, ok := obj["event"].(string); !ok {
			return false
		}
	}
	return true
}

// Tag wraps body in the tagged shape for its type, the inverse of NormalizeResponse
func Tag(bodyType BodyType, body any) any {
	switch bodyType {
	case BodySSE:
		return map[string]any{tagKey: string(BodySSE), tagPayload: body}
	case BodyBytes:
		return map[string]any{tagKey: string(BodyBytes), tagValue: body}
	case BodyEmpty:
		return map[string]any{tagKey: string(BodyEmpty)}
	default:
		return body
	}
}

// Normalized returns the effective body type and body of the response.
// A declared type is trusted. Otherwise the type is inferred from shape.
func (r Response) Normalized() (BodyType, any) {
	if r.BodyType == "" {
		return NormalizeResponse(r.Body)
	}
	if r.BodyType == BodyEmpty {
		return BodyEmpty, nil
	}
	// Tolerate declared types that still carry the tagged wrapper.
	if inferred, body := NormalizeResponse(r.Body); inferred == r.BodyType && inferred != BodyJSON {
		return inferred, body
	}
	return r.BodyType, r.Body
}

// EffectiveBodyType returns the declared request body type, defaulting from shape
func (r Request) EffectiveBodyType() BodyType {
	if r.BodyType != "" {
		return r.BodyType
	}
	switch jsonvalue.KindOf(r.Body) {
	case jsonvalue.Null:
		return BodyEmpty
	case jsonvalue.String:
		return BodyText
	default:
		return BodyJSON
	}
}
