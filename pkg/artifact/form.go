package artifact

import (
	"fmt"
	"path"

	"github.com/funnyzak/reqreplay/pkg/jsonvalue"
)

// DefaultFileContentType is used when a recorded file carries no type
const DefaultFileContentType = "application/octet-stream"

// FormBody is the recorded shape of a multipart request
type FormBody struct {
	Fields map[string]any `json:"fields"`
	Files  []FormFile     `json:"files"`
}

// FormFile is one recorded multipart file part. Content is base64.
type FormFile struct {
	Name        string `json:"name"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	Content     string `json:"content"`
}

// ParseForm reads a form-data body from its generic shape, applying
// defaults for missing file attributes.
func ParseForm(body any) (FormBody, error) {
	form := FormBody{Fields: map[string]any{}}
	if body == nil {
		return form, nil
	}
	obj, ok := body.(map[string]any)
	if !ok {
		return form, fmt.Errorf("form-data body must be an object, got %s", jsonvalue.KindOf(body))
	}

	if fields, ok := obj["fields"].(map[string]any); ok {
		form.Fields = fields
	} else if obj["fields"] != nil {
		return form, fmt.Errorf("form-data fields must be an object")
	}

	files, _ := obj["files"].([]any)
	for i, item := range files {
		entry, ok := item.(map[string]any)
		if !ok {
			return form, fmt.Errorf("form-data file %d must be an object", i)
		}
		f := FormFile{
			Name:        stringField(entry, "name"),
			Filename:    stringField(entry, "filename"),
			ContentType: stringField(entry, "contentType"),
			Content:     stringField(entry, "content"),
		}
		if f.Name == "" {
			f.Name = "file"
		}
		if f.Filename == "" {
			f.Filename = path.Base(f.Name)
		}
		if f.ContentType == "" {
			f.ContentType = stringField(entry, "type")
		}
		if f.ContentType == "" {
			f.ContentType = DefaultFileContentType
		}
		form.Files = append(form.Files, f)
	}
	return form, nil
}

// Value converts the form back into its generic shape
func (f FormBody) Value() any {
	files := make([]any, 0, len(f.Files))
	for _, file := range f.Files {
		files = append(files, map[string]any{
			"name":        file.Name,
			"filename":    file.Filename,
			"contentType": file.ContentType,
			"content":     file.Content,
		})
	}
	fields := f.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return map[string]any{"fields": fields, "files": files}
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}
