package stream

import (
	"strings"
)

// Logger is the logging surface the stream packages need. *config.Logger
// satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Snapshot is the resolved text of a response at one point in time.
type Snapshot struct {
	Visible   string
	Reasoning string
}

// FaultError is an error the backend reported inside the response body.
type FaultError struct {
	Message string
}

func (e *FaultError) Error() string {
	return "backend error: " + e.Message
}

// Stats counts what a session has seen.
type Stats struct {
	Bytes     int
	Records   int
	Malformed int
}

// Session holds the buffering state of one generation: decoder carry-over,
// framer tail, structured reasoning and the inline tag extractor. A session
// is used by a single goroutine.
type Session struct {
	dec    Decoder
	framer Framer
	interp *Interpreter
	tags   *TagExtractor
	log    Logger

	structured strings.Builder
	ended      bool
	stats      Stats
}

// NewSession returns a session using interp, or the default interpreter
// when interp is nil.
func NewSession(interp *Interpreter, log Logger) *Session {
	if interp == nil {
		interp = NewInterpreter()
	}
	if log == nil {
		log = nopLogger{}
	}
	return &Session{interp: interp, tags: NewTagExtractor(), log: log}
}

// Feed runs one body chunk through the pipeline. apply is called with the new snapshot after every record that
// added text, in arrival order. An error from apply stops the feed and is
// returned as is.
func (s *Session) Feed(chunk []byte, apply func(Snapshot) error) error {
	if s.ended {
		return nil
	}
	s.stats.Bytes += len(chunk)
	for _, line := range s.framer.Push(s.dec.Decode(chunk)) {
		if err := s.handle(line, apply); err != nil {
			return err
		}
		if s.ended {
			return nil
		}
	}
	return nil
}

// Finish processes whatever is left once the body is exhausted. An
// unterminated tail is interpreted as a last record; if it does not parse it
// is logged and dropped. Undecodable trailing bytes yield ErrDecode.
func (s *Session) Finish(apply func(Snapshot) error) error {
	if s.ended {
		return nil
	}
	decErr := s.dec.Finish()
	if tail, ok := s.framer.Flush(); ok {
		d, err := s.interp.Interpret(tail)
		if err != nil {
			s.stats.Malformed++
			s.log.Printf("stream: ended without a line terminator, dropping tail %q: %v", clip(tail), err)
		} else if err := s.apply(d, apply); err != nil {
			return err
		}
	}
	s.ended = true
	return decErr
}

func (s *Session) handle(line string, apply func(Snapshot) error) error {
	d, err := s.interp.Interpret(line)
	if err != nil {
		s.stats.Malformed++
		s.log.Printf("stream: skipping record %q: %v", clip(line), err)
		return nil
	}
	return s.apply(d, apply)
}

func (s *Session) apply(d Delta, apply func(Snapshot) error) error {
	if !d.Terminal {
		s.stats.Records++
	}
	if d.End {
		s.ended = true
	}
	if !d.Empty() {
		s.structured.WriteString(d.Reasoning)
		s.tags.Append(d.Visible)
		if err := apply(s.Snapshot()); err != nil {
			return err
		}
	}
	if d.Fault != "" {
		return &FaultError{Message: d.Fault}
	}
	return nil
}

// Ended reports whether an end marker was seen or Finish was called.
func (s *Session) Ended() bool {
	return s.ended
}

// Stats returns the counters collected so far.
func (s *Session) Stats() Stats {
	return s.stats
}

// Snapshot returns the untrimmed text accumulated so far.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		Visible:   s.tags.Visible(),
		Reasoning: joinReasoning(s.structured.String(), s.tags.Reasoning()),
	}
}

// Final returns the fully resolved text with surrounding whitespace trimmed.
func (s *Session) Final() Snapshot {
	return Snapshot{
		Visible: strings.TrimSpace(s.tags.Visible()),
		Reasoning: joinReasoning(
			strings.TrimSpace(s.structured.String()),
			strings.TrimSpace(s.tags.Reasoning()),
		),
	}
}

// joinReasoning puts structured reasoning first and inline reasoning second.
func joinReasoning(structured, inline string) string {
	switch {
	case structured == "":
		return inline
	case inline == "":
		return structured
	}
	return structured + "\n" + inline
}

func clip(s string) string {
	const limit = 120
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
