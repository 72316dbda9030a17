package todoapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/todo-1m/todo-api/internal/app/todo"
)

var createSchema = jsonschema.MustCompileString("todo-create.json", `{
	"type": "object",
	"properties": {
		"title": {"type": "string", "minLength": 1, "maxLength": 200, "pattern": "^[^\\x00]*$"},
		"description": {"type": ["string", "null"], "pattern": "^[^\\x00]*$"},
		"completed": {"type": "boolean"}
	},
	"required": ["title"]
}`)

var updateSchema = jsonschema.MustCompileString("todo-update.json", `{
	"type": "object",
	"properties": {
		"title": {"type": "string", "minLength": 1, "maxLength": 200, "pattern": "^[^\\x00]*$"},
		"description": {"type": ["string", "null"], "pattern": "^[^\\x00]*$"},
		"completed": {"type": "boolean"}
	}
}`)

var quotedName = regexp.MustCompile(`['"]([^'"]+)['"]`)

type createInput struct {
	Title       string
	Description *string
	Completed   *bool
}

func decodeCreate(w http.ResponseWriter, r *http.Request, maxBytes int64) (createInput, error) {
	doc, err := decodeAndValidate(w, r, createSchema, maxBytes)
	if err != nil {
		return createInput{}, err
	}
	in := createInput{}
	in.Title, _ = doc["title"].(string)
	if raw, ok := doc["description"]; ok {
		in.Description = stringOrNil(raw)
	}
	if raw, ok := doc["completed"].(bool); ok {
		in.Completed = &raw
	}
	return in, nil
}

// decodeUpdate turns the body into a Patch. A key that is present is set
// even when its value equals the stored one; description:null clears the
// description.
func decodeUpdate(w http.ResponseWriter, r *http.Request, maxBytes int64) (todo.Patch, error) {
	doc, err := decodeAndValidate(w, r, updateSchema, maxBytes)
	if err != nil {
		return todo.Patch{}, err
	}
	var patch todo.Patch
	if raw, ok := doc["title"].(string); ok {
		patch.Title = todo.Some(raw)
	}
	if raw, ok := doc["description"]; ok {
		patch.Description = todo.Some(stringOrNil(raw))
	}
	if raw, ok := doc["completed"].(bool); ok {
		patch.Completed = todo.Some(raw)
	}
	return patch, nil
}

func stringOrNil(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, maxBytes int64) (map[string]any, error) {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()

	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, bodyError(err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, invalidBody("JSON decode error: unexpected data after top-level value", "json_invalid")
	}

	if err := schema.Validate(payload); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, &todo.ValidationError{Violations: schemaViolations(ve)}
		}
		return nil, invalidBody(err.Error(), "value_error")
	}
	doc, _ := payload.(map[string]any)
	return doc, nil
}

func bodyError(err error) error {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return invalidBody("request body exceeds "+strconv.FormatInt(maxErr.Limit, 10)+" bytes", "body_too_large")
	case errors.Is(err, io.EOF):
		return invalidBody("Field required", "required")
	default:
		return invalidBody("JSON decode error: "+err.Error(), "json_invalid")
	}
}

func invalidBody(msg, kind string) error {
	return &todo.ValidationError{Violations: []todo.Violation{{
		Loc:  []string{"body"},
		Msg:  msg,
		Type: kind,
	}}}
}

// schemaViolations flattens the cause tree to its leaves and keeps the first
// failure reported for each location.
func schemaViolations(root *jsonschema.ValidationError) []todo.Violation {
	var leaves []*jsonschema.ValidationError
	var walk func(*jsonschema.ValidationError)
	walk = func(ve *jsonschema.ValidationError) {
		if len(ve.Causes) == 0 {
			leaves = append(leaves, ve)
			return
		}
		for _, cause := range ve.Causes {
			walk(cause)
		}
	}
	walk(root)

	seen := map[string]bool{}
	violations := make([]todo.Violation, 0, len(leaves))
	for _, leaf := range leaves {
		keyword := lastSegment(leaf.KeywordLocation)
		loc := append([]string{"body"}, pointerSegments(leaf.InstanceLocation)...)
		msg := leaf.Message

		if keyword == "required" {
			names := quotedName.FindAllStringSubmatch(leaf.Message, -1)
			for _, name := range names {
				fieldLoc := append(append([]string(nil), loc...), name[1])
				key := strings.Join(fieldLoc, "\x00")
				if seen[key] {
					continue
				}
				seen[key] = true
				violations = append(violations, todo.Violation{Loc: fieldLoc, Msg: "Field required", Type: "required"})
			}
			if len(names) > 0 {
				continue
			}
		}

		key := strings.Join(loc, "\x00")
		if seen[key] {
			continue
		}
		seen[key] = true
		violations = append(violations, todo.Violation{Loc: loc, Msg: msg, Type: keyword})
	}

	sort.SliceStable(violations, func(i, j int) bool {
		return strings.Join(violations[i].Loc, ".") < strings.Join(violations[j].Loc, ".")
	})
	return violations
}

func lastSegment(keywordLocation string) string {
	if idx := strings.LastIndex(keywordLocation, "/"); idx >= 0 {
		return keywordLocation[idx+1:]
	}
	return keywordLocation
}

func pointerSegments(ptr string) []string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return nil
	}
	parts := strings.Split(ptr, "/")
	for i, part := range parts {
		part = strings.ReplaceAll(part, "~1", "/")
		parts[i] = strings.ReplaceAll(part, "~0", "~")
	}
	return parts
}

// parseListParams reads skip and limit; absent values take the defaults,
// anything else must be a non-negative integer.
func parseListParams(q url.Values) (int, int, error) {
	var violations []todo.Violation
	read := func(name string, def int) int {
		if !q.Has(name) {
			return def
		}
		raw := strings.TrimSpace(q.Get(name))
		n, err := strconv.Atoi(raw)
		switch {
		case err != nil:
			violations = append(violations, todo.Violation{
				Loc:  []string{"query", name},
				Msg:  "Input should be a valid integer, unable to parse string as an integer",
				Type: "type",
			})
		case n < 0:
			violations = append(violations, todo.Violation{
				Loc:  []string{"query", name},
				Msg:  "Input should be greater than or equal to 0",
				Type: "minimum",
			})
		}
		return n
	}

	skip := read("skip", 0)
	limit := read("limit", todo.DefaultLimit)
	if len(violations) > 0 {
		return 0, 0, &todo.ValidationError{Violations: violations}
	}
	return skip, limit, nil
}
