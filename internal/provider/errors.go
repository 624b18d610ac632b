package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// RejectedError is a non-2xx answer to the generation request. Nothing
// was streamed.
type RejectedError struct {
	StatusCode   int
	ErrorType    string
	Message      string
	RetryAfterMs int
}

// Error satisfies the error interface.
func (e *RejectedError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("%s: %s", e.ErrorType, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// maxMessageLen bounds a server message taken from a raw body.
const maxMessageLen = 200

// NewRejectedError builds a RejectedError from a response status and body.
// It understands OpenAI-style {"error":{"message","type"}} and Ollama-style
// {"error":"..."} bodies and otherwise keeps the start of the raw body.
func NewRejectedError(statusCode int, body []byte, header http.Header) *RejectedError {
	e := &RejectedError{
		StatusCode:   statusCode,
		RetryAfterMs: parseRetryAfter(header),
	}

	var shaped struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &shaped) == nil && len(shaped.Error) > 0 {
		var obj struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		}
		var s string
		switch {
		case json.Unmarshal(shaped.Error, &obj) == nil && obj.Message != "":
			e.ErrorType = obj.Type
			e.Message = obj.Message
		case json.Unmarshal(shaped.Error, &s) == nil && s != "":
			e.Message = s
		}
	}
	if e.Message == "" {
		e.Message = truncateBody(strings.TrimSpace(string(body)), maxMessageLen)
	}
	if e.Message == "" {
		e.Message = http.StatusText(statusCode)
	}
	return e
}

func truncateBody(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// parseRetryAfter extracts the retry delay a server suggested, in
// milliseconds. Checks retry-after-ms first, then standard Retry-After
// (seconds or HTTP-date format).
func parseRetryAfter(h http.Header) int {
	if h == nil {
		return 0
	}

	if ms := h.Get("retry-after-ms"); ms != "" {
		if v, err := strconv.Atoi(strings.TrimSpace(ms)); err == nil && v > 0 {
			return v
		}
	}

	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
		return secs * 1000
	}
	if t, err := time.Parse(time.RFC1123, ra); err == nil {
		if ms := int(time.Until(t).Milliseconds()); ms > 0 {
			return ms
		}
	}
	return 0
}
