// Package validate implements the validator collaborator consumed by the sync
// manager: field-level validation and sanitization of records before they are
// written to the remote store.
package validate

import (
	"fmt"
	"strings"

	"github.com/nuwank-swivel/notesync/common"
)

const (
	maxTitleLen   = 200
	maxContentLen = 1 << 20 // 1 MiB
	maxTagLen     = 64
	maxTags       = 32
)

// FieldError is a single field-level validation failure.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) String() string {
	return e.Field + ": " + e.Message
}

// Result is the outcome of validating one record.
type Result struct {
	IsValid  bool
	Errors   []FieldError
	Warnings []string
}

// Err returns a common.ErrValidation-wrapping error describing every field
// failure, or nil when the result is valid.
func (r Result) Err() error {
	if r.IsValid {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.String()
	}
	return fmt.Errorf("%w: %s", common.ErrValidation, strings.Join(msgs, "; "))
}

// Validator validates and sanitizes records per entity type.
type Validator struct{}

// New returns a Validator.
func New() *Validator {
	return &Validator{}
}

// Validate checks data against the rules for entityType. Unknown entity types
// fail validation rather than passing silently.
func (v *Validator) Validate(entityType string, data map[string]any) Result {
	switch entityType {
	case "note", "page":
		return validateNote(data)
	case "notebook":
		return validateNotebook(data)
	default:
		return Result{Errors: []FieldError{{Field: "entityType", Message: fmt.Sprintf("unknown entity type %q", entityType)}}}
	}
}

func validateNote(data map[string]any) Result {
	var res Result

	title, _ := data["title"].(string)
	if strings.TrimSpace(title) == "" {
		res.Errors = append(res.Errors, FieldError{Field: "title", Message: "required"})
	} else if len(title) > maxTitleLen {
		res.Errors = append(res.Errors, FieldError{Field: "title", Message: fmt.Sprintf("longer than %d characters", maxTitleLen)})
	}

	content, _ := data["content"].(string)
	if len(content) > maxContentLen {
		res.Errors = append(res.Errors, FieldError{Field: "content", Message: fmt.Sprintf("larger than %d bytes", maxContentLen)})
	}
	if content == "" {
		res.Warnings = append(res.Warnings, "content is empty")
	}

	if tags := asStrings(data["tags"]); len(tags) > maxTags {
		res.Errors = append(res.Errors, FieldError{Field: "tags", Message: fmt.Sprintf("more than %d tags", maxTags)})
	} else {
		for _, tag := range tags {
			if len(tag) > maxTagLen {
				res.Errors = append(res.Errors, FieldError{Field: "tags", Message: fmt.Sprintf("tag %q longer than %d characters", tag, maxTagLen)})
				break
			}
		}
	}

	res.IsValid = len(res.Errors) == 0
	return res
}

func validateNotebook(data map[string]any) Result {
	var res Result

	name, _ := data["name"].(string)
	if strings.TrimSpace(name) == "" {
		res.Errors = append(res.Errors, FieldError{Field: "name", Message: "required"})
	} else if len(name) > maxTitleLen {
		res.Errors = append(res.Errors, FieldError{Field: "name", Message: fmt.Sprintf("longer than %d characters", maxTitleLen)})
	}

	res.IsValid = len(res.Errors) == 0
	return res
}

// Sanitize returns a copy of data restricted to the fields known for
// entityType, with string fields trimmed of surrounding whitespace. Content is
// deliberately left untrimmed; whitespace there is user data.
func (v *Validator) Sanitize(entityType string, data map[string]any) map[string]any {
	var fields []string
	switch entityType {
	case "note", "page":
		fields = []string{"id", "title", "content", "tags", "ownerId", "notebookId", "updatedBy"}
	case "notebook":
		fields = []string{"id", "name", "ownerId"}
	default:
		return map[string]any{}
	}

	out := make(map[string]any, len(fields))
	for _, f := range fields {
		val, ok := data[f]
		if !ok {
			continue
		}
		if s, isStr := val.(string); isStr && f != "content" {
			out[f] = strings.TrimSpace(s)
			continue
		}
		out[f] = val
	}
	return out
}

func asStrings(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
