package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedRecord reports a framed line that could not be parsed. The
// stream carries on past it.
var ErrMalformedRecord = errors.New("malformed record")

// DoneSentinel is the event-stream payload marking the end of a response.
const DoneSentinel = "[DONE]"

// Delta is the change carried by one record.
type Delta struct {
	Visible   string
	Reasoning string
	// Terminal marks a record with no content: a blank separator line or
	// the end sentinel.
	Terminal bool
	// End is set by an explicit end-of-stream marker. Nothing after it is read.
	End bool
	// Fault holds an error message the backend sent in-band.
	Fault string
}

// Empty reports whether the delta adds no text.
func (d Delta) Empty() bool {
	return d.Visible == "" && d.Reasoning == ""
}

// Record is the union of the response shapes the interpreter understands.
// Pointer fields distinguish an absent key from an empty string.
type Record struct {
	Choices []RecordChoice `json:"choices"`

	// Ollama /api/generate and /api/chat.
	Response *string        `json:"response"`
	Thinking *string        `json:"thinking"`
	Message  *RecordMessage `json:"message"`
	Done     bool           `json:"done"`

	Error json.RawMessage `json:"error"`
}

// RecordChoice is one entry of an OpenAI-style choices array.
type RecordChoice struct {
	Delta        *RecordMessage `json:"delta"`
	Message      *RecordMessage `json:"message"`
	Text         *string        `json:"text"`
	FinishReason *string        `json:"finish_reason"`
}

// RecordMessage is a message or delta object.
type RecordMessage struct {
	Role             string  `json:"role"`
	Content          *string `json:"content"`
	Thinking         *string `json:"thinking"`
	ReasoningContent *string `json:"reasoning_content"`
	Reasoning        *string `json:"reasoning"`
}

// Extractor pulls one text field out of a record. ok is false when the
// field is absent or empty.
type Extractor struct {
	Name    string
	Extract func(r *Record) (string, bool)
}

func nonEmpty(s *string) (string, bool) {
	if s == nil || *s == "" {
		return "", false
	}
	return *s, true
}

func firstChoice(r *Record) *RecordChoice {
	if len(r.Choices) == 0 {
		return nil
	}
	return &r.Choices[0]
}

func choiceDelta(pick func(*RecordMessage) *string) func(*Record) (string, bool) {
	return func(r *Record) (string, bool) {
		c := firstChoice(r)
		if c == nil || c.Delta == nil {
			return "", false
		}
		return nonEmpty(pick(c.Delta))
	}
}

func topMessage(pick func(*RecordMessage) *string) func(*Record) (string, bool) {
	return func(r *Record) (string, bool) {
		if r.Message == nil {
			return "", false
		}
		return nonEmpty(pick(r.Message))
	}
}

func content(m *RecordMessage) *string          { return m.Content }
func thinking(m *RecordMessage) *string         { return m.Thinking }
func reasoningContent(m *RecordMessage) *string { return m.ReasoningContent }
func reasoning(m *RecordMessage) *string        { return m.Reasoning }

// DefaultVisibleExtractors lists the visible-text shapes in priority order.
func DefaultVisibleExtractors() []Extractor {
	return []Extractor{
		{Name: "choices.delta.content", Extract: choiceDelta(content)},
		{Name: "response", Extract: func(r *Record) (string, bool) { return nonEmpty(r.Response) }},
		{Name: "message.content", Extract: topMessage(content)},
		{Name: "choices.message.content", Extract: func(r *Record) (string, bool) {
			c := firstChoice(r)
			if c == nil || c.Message == nil {
				return "", false
			}
			return nonEmpty(c.Message.Content)
		}},
		{Name: "choices.text", Extract: func(r *Record) (string, bool) {
			c := firstChoice(r)
			if c == nil {
				return "", false
			}
			return nonEmpty(c.Text)
		}},
	}
}

// DefaultReasoningExtractors lists the structured reasoning shapes in
// priority order.
func DefaultReasoningExtractors() []Extractor {
	return []Extractor{
		{Name: "choices.delta.thinking", Extract: choiceDelta(thinking)},
		{Name: "thinking", Extract: func(r *Record) (string, bool) { return nonEmpty(r.Thinking) }},
		{Name: "choices.delta.reasoning_content", Extract: choiceDelta(reasoningContent)},
		{Name: "choices.delta.reasoning", Extract: choiceDelta(reasoning)},
		{Name: "message.thinking", Extract: topMessage(thinking)},
	}
}

// Interpreter turns framed lines into deltas.
type Interpreter struct {
	visible   []Extractor
	reasoning []Extractor
}

// NewInterpreter returns an interpreter using the default extractor lists.
func NewInterpreter() *Interpreter {
	return &Interpreter{
		visible:   DefaultVisibleExtractors(),
		reasoning: DefaultReasoningExtractors(),
	}
}

// WithVisible appends a visible-text extractor tried after the existing ones.
func (in *Interpreter) WithVisible(e Extractor) *Interpreter {
	in.visible = append(in.visible, e)
	return in
}

// WithReasoning appends a reasoning extractor tried after the existing ones.
func (in *Interpreter) WithReasoning(e Extractor) *Interpreter {
	in.reasoning = append(in.reasoning, e)
	return in
}

// Interpret parses one line. A parse failure returns an error wrapping
// ErrMalformedRecord; the caller skips the line.
func (in *Interpreter) Interpret(line string) (Delta, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Delta{Terminal: true}, nil
	}

	payload, isData := stripDataPrefix(line)
	if !isData && isEventStreamField(line) {
		// Comments, event names, ids and retry hints carry no text.
		return Delta{}, nil
	}
	if payload == DoneSentinel {
		return Delta{Terminal: true, End: true}, nil
	}

	var rec Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return Delta{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	var d Delta
	d.Visible = firstMatch(in.visible, &rec)
	d.Reasoning = firstMatch(in.reasoning, &rec)
	d.Fault = faultMessage(rec.Error)
	d.End = rec.Done || d.Fault != ""
	return d, nil
}

func firstMatch(list []Extractor, rec *Record) string {
	for _, e := range list {
		if s, ok := e.Extract(rec); ok {
			return s
		}
	}
	return ""
}

func stripDataPrefix(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return line, false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
}

func isEventStreamField(line string) bool {
	if strings.HasPrefix(line, ":") {
		return true
	}
	for _, f := range []string{"event:", "id:", "retry:"} {
		if strings.HasPrefix(line, f) {
			return true
		}
	}
	return false
}

// faultMessage reads an in-band error, which is a bare string for Ollama
// and an object with a message for OpenAI-compatible servers.
func faultMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		if obj.Type != "" {
			return obj.Type + ": " + obj.Message
		}
		return obj.Message
	}
	return string(raw)
}
