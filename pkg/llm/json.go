package llm

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

// ExtractJSON pulls the JSON object out of model output. Models sometimes wrap
// JSON in markdown fences or add prose around it.
func ExtractJSON(content string) (json.RawMessage, error) {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, io.ErrUnexpectedEOF
	}

	if json.Valid([]byte(s)) {
		return compact(s)
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start != -1 && end == -1 {
		// An opening brace without a closing one is a truncated response.
		return nil, io.ErrUnexpectedEOF
	}
	if start == -1 || end <= start {
		return nil, &Error{Code: ErrParseFailure, Message: "no JSON object in model output", Details: truncate(s, 200)}
	}

	sub := s[start : end+1]
	if !json.Valid([]byte(sub)) {
		return nil, &Error{Code: ErrParseFailure, Message: "model output is not valid JSON", Details: truncate(sub, 200)}
	}
	return compact(sub)
}

func compact(s string) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return nil, &Error{Code: ErrParseFailure, Message: err.Error()}
	}
	return json.RawMessage(buf.Bytes()), nil
}
