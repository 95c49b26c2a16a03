// Package jsonx pulls JSON objects out of free-form model output.
package jsonx

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrNoObject is returned when the text contains no JSON object at all.
var ErrNoObject = errors.New("no JSON object found")

// ExtractObject returns the JSON object embedded in text. Markdown code fences
// and surrounding prose are stripped. The boolean reports whether the object
// had to be repaired.
func ExtractObject(text string) (string, bool, error) {
	candidate := stripFences(strings.TrimSpace(text))
	start := strings.Index(candidate, "{")
	if start < 0 {
		return "", false, ErrNoObject
	}
	candidate = candidate[start:]
	if end := strings.LastIndex(candidate, "}"); end >= 0 {
		if json.Valid([]byte(candidate[:end+1])) {
			return candidate[:end+1], false, nil
		}
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return "", false, fmt.Errorf("repair JSON: %w", err)
	}
	if !json.Valid([]byte(repaired)) {
		return "", false, errors.New("repaired output is still not valid JSON")
	}
	return repaired, true, nil
}

// Decode extracts the embedded object and unmarshals it into v.
func Decode(text string, v any) (repaired bool, err error) {
	obj, repaired, err := ExtractObject(text)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(obj), v); err != nil {
		return repaired, err
	}
	return repaired, nil
}

func stripFences(s string) string {
	open := strings.Index(s, "```")
	if open < 0 {
		return s
	}
	body := s[open+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		// Drop the language tag line ("```json").
		if !strings.Contains(body[:nl], "{") {
			body = body[nl+1:]
		}
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}
