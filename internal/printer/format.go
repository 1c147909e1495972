package printer

import (
	"bytes"
	"fmt"
	"mime"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	nethtml "golang.org/x/net/html"

	"github.com/funnyzak/reqreplay/internal/replay"
	"github.com/funnyzak/reqreplay/pkg/artifact"
	"github.com/funnyzak/reqreplay/pkg/jsonvalue"
)

const redactedValue = "[REDACTED]"

// redactor masks configured field names anywhere inside a JSON body
type redactor struct {
	fields map[string]struct{}
}

func newRedactor(fields []string) *redactor {
	r := &redactor{fields: make(map[string]struct{}, len(fields))}
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			r.fields[strings.ToLower(f)] = struct{}{}
		}
	}
	return r
}

// Apply returns body with every matching key's value replaced
func (r *redactor) Apply(body any) any {
	if r == nil || len(r.fields) == 0 {
		return body
	}
	switch body.(type) {
	case map[string]any, []any:
	default:
		return body
	}

	var paths []string
	r.collect(body, "", &paths)
	if len(paths) == 0 {
		return body
	}

	data, err := jsonvalue.Marshal(body)
	if err != nil {
		return body
	}
	for _, p := range paths {
		if !gjson.GetBytes(data, p).Exists() {
			continue
		}
		if data, err = sjson.SetBytes(data, p, redactedValue); err != nil {
			return body
		}
	}
	masked, err := jsonvalue.Decode(data)
	if err != nil {
		return body
	}
	return masked
}

func (r *redactor) collect(v any, prefix string, paths *[]string) {
	switch t := v.(type) {
	case map[string]any:
		for _, key := range jsonvalue.SortedKeys(t) {
			p := joinGJSONPath(prefix, escapeGJSONKey(key))
			if _, ok := r.fields[strings.ToLower(key)]; ok {
				*paths = append(*paths, p)
				continue
			}
			r.collect(t[key], p, paths)
		}
	case []any:
		for i, item := range t {
			r.collect(item, joinGJSONPath(prefix, strconv.Itoa(i)), paths)
		}
	}
}

func joinGJSONPath(prefix, segment string) string {
	if prefix == "" {
		return segment
	}
	return prefix + "." + segment
}

var gjsonEscaper = strings.NewReplacer(
	`\`, `\\`, ".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`, "!", `\!`, "=", `\=`, "<", `\<`, ">", `\>`, "%", `\%`,
)

func escapeGJSONKey(key string) string {
	return gjsonEscaper.Replace(key)
}

// formatRequestDetails summarises a recorded request for failure dumps
func formatRequestDetails(step artifact.Step, red *redactor) string {
	req := step.Request
	lines := []string{
		"• Method: " + strings.ToUpper(req.Method),
		"• Path: " + req.Path,
	}
	if len(req.Query) > 0 {
		values := url.Values{}
		for k, v := range req.Query {
			values.Set(k, v)
		}
		lines = append(lines, "• Query: "+values.Encode())
	}

	bodyType := req.EffectiveBodyType()
	if bodyType == artifact.BodyEmpty || req.Body == nil {
		return strings.Join(lines, "\n")
	}
	switch bodyType {
	case artifact.BodyFormData:
		form, err := artifact.ParseForm(req.Body)
		if err != nil {
			lines = append(lines, "• Body: (form-data) "+replay.FormatValue(req.Body, 100))
			break
		}
		lines = append(lines, fmt.Sprintf("• Body: (form-data) %d fields, %d files", len(form.Fields), len(form.Files)))
		if len(form.Fields) > 0 {
			keys := jsonvalue.SortedKeys(form.Fields)
			preview := make([]string, 0, 2)
			for _, k := range keys {
				if len(preview) == 2 {
					break
				}
				preview = append(preview, k+": "+replay.FormatValue(red.Apply(form.Fields[k]), 30))
			}
			more := ""
			if len(keys) > 2 {
				more = ", ..."
			}
			lines = append(lines, "  Fields: { "+strings.Join(preview, ", ")+more+" }")
		}
	default:
		lines = append(lines, fmt.Sprintf("• Body: (%s) %s", bodyType, replay.FormatValue(red.Apply(req.Body), 100)))
	}
	return strings.Join(lines, "\n")
}

// formatResponseDetails renders a status and body pair
func formatResponseDetails(status int, body any, contentType string, red *redactor, limit int) string {
	lines := []string{fmt.Sprintf("• Status: %d", status)}
	if text, ok := body.(string); ok && isHTML(contentType, text) {
		lines = append(lines, "• Body: (html) "+replay.FormatValue(htmlText(text), limit))
		return strings.Join(lines, "\n")
	}
	lines = append(lines, "• Body: "+replay.FormatValue(red.Apply(body), limit))
	return strings.Join(lines, "\n")
}

func isHTML(contentType, body string) bool {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil && strings.Contains(mediaType, "html") {
		return true
	}
	trimmed := strings.ToLower(strings.TrimSpace(body))
	return strings.HasPrefix(trimmed, "<html") || strings.HasPrefix(trimmed, "<!doc")
}

// htmlText collapses an HTML document to its visible text, which is what
// matters when a gateway answers with an error page.
func htmlText(doc string) string {
	node, err := nethtml.Parse(strings.NewReader(doc))
	if err != nil {
		return doc
	}
	var buf bytes.Buffer
	var walk func(n *nethtml.Node)
	walk = func(n *nethtml.Node) {
		if n.Type == nethtml.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "head") {
			return
		}
		if n.Type == nethtml.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				if buf.Len() > 0 {
					buf.WriteByte(' ')
				}
				buf.WriteString(strings.Join(strings.Fields(text), " "))
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(node)
	return buf.String()
}

// indent prefixes every line after the first with three spaces
func indent(s string) string {
	return "   " + strings.ReplaceAll(s, "\n", "\n   ")
}
