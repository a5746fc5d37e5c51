// Package extract pulls a JSON object out of free-form model output.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

var (
	// ErrNoJSON is returned when the text holds no candidate object at all.
	ErrNoJSON = errors.New("no JSON object found in response")

	// ErrInvalidJSON is matched by every InvalidJSONError.
	ErrInvalidJSON = errors.New("invalid JSON")
)

// InvalidJSONError carries the parse error of the last candidate tried.
type InvalidJSONError struct {
	Err error
}

func (e *InvalidJSONError) Error() string { return fmt.Sprintf("invalid JSON: %v", e.Err) }

func (e *InvalidJSONError) Unwrap() error { return e.Err }

func (e *InvalidJSONError) Is(target error) bool { return target == ErrInvalidJSON }

var (
	jsonFence = regexp.MustCompile("(?s)```[ \t]*json[^\n]*\n(.*?)```")
	anyFence  = regexp.MustCompile("(?s)```[^\n]*\n(.*?)```")
)

// Object returns the first JSON object found, trying in order: a fenced
// block tagged json, any fenced block, then the span from the first '{' to
// the last '}'.
func Object(text string) (map[string]any, error) {
	var obj map[string]any
	if err := Into(text, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Into decodes the first JSON object found in text into v, which must be a
// non-nil pointer. v is only assigned when a candidate decodes completely.
func Into(text string, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("extract: Into needs a non-nil pointer, got %T", v)
	}
	cands := candidates(text)
	if len(cands) == 0 {
		return ErrNoJSON
	}
	var lastErr error
	for _, c := range cands {
		if !looksLikeObject(c) {
			continue
		}
		fresh := reflect.New(rv.Elem().Type())
		if err := json.Unmarshal([]byte(c), fresh.Interface()); err != nil {
			lastErr = err
			continue
		}
		rv.Elem().Set(fresh.Elem())
		return nil
	}
	if lastErr == nil {
		return ErrNoJSON
	}
	return &InvalidJSONError{Err: lastErr}
}

func candidates(text string) []string {
	var out []string
	for _, m := range jsonFence.FindAllStringSubmatch(text, -1) {
		out = append(out, strings.TrimSpace(m[1]))
	}
	for _, m := range anyFence.FindAllStringSubmatch(text, -1) {
		out = append(out, strings.TrimSpace(m[1]))
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start != -1 && end > start {
		out = append(out, text[start:end+1])
	}
	return out
}

func looksLikeObject(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}
