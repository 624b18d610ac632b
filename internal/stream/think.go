package stream

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	openThink  = "<think>"
	closeThink = "</think>"
)

// TagExtractor splits inline reasoning markup out of the accumulated visible
// text. Markers may be split across any number of appends.
//
// Closed spans move to the reasoning side. While a span is open, everything
// after the opening marker counts as reasoning until the closing marker shows
// up. Text that could still become a marker is kept in the tail and shown as
// visible text in the meantime.
type TagExtractor struct {
	open, close string

	visible   strings.Builder
	reasoning strings.Builder
	tail      string
	inSpan    bool
	// skipSpace drops whitespace at the seam left by a removed span, so
	// "a <think>x</think> b" reads "a b".
	skipSpace bool
}

// NewTagExtractor returns an extractor for <think>...</think> spans.
func NewTagExtractor() *TagExtractor {
	return &TagExtractor{open: openThink, close: closeThink}
}

// Append feeds the next piece of visible text.
func (x *TagExtractor) Append(s string) {
	if s == "" {
		return
	}
	buf := x.tail + s
	x.tail = ""
	for {
		if x.inSpan {
			i := strings.Index(buf, x.close)
			if i < 0 {
				x.tail = buf
				return
			}
			x.reasoning.WriteString(buf[:i])
			buf = buf[i+len(x.close):]
			x.inSpan = false
			x.skipSpace = x.visible.Len() == 0 || endsWithSpace(x.visible.String())
			continue
		}
		i := strings.Index(buf, x.open)
		if i < 0 {
			k := partialMarker(buf, x.open)
			x.commit(buf[:len(buf)-k])
			x.tail = buf[len(buf)-k:]
			return
		}
		x.commit(buf[:i])
		buf = buf[i+len(x.open):]
		x.inSpan = true
	}
}

func (x *TagExtractor) commit(s string) {
	if x.skipSpace {
		s = strings.TrimLeftFunc(s, unicode.IsSpace)
		if s == "" {
			return
		}
		x.skipSpace = false
	}
	x.visible.WriteString(s)
}

// InSpan reports whether an opening marker is still waiting to be closed.
func (x *TagExtractor) InSpan() bool {
	return x.inSpan
}

// Visible returns the displayed text so far, untrimmed.
func (x *TagExtractor) Visible() string {
	if x.inSpan || x.tail == "" {
		return x.visible.String()
	}
	return x.visible.String() + x.tail
}

// Reasoning returns the inline reasoning so far, untrimmed. An open span
// contributes everything after its opening marker.
func (x *TagExtractor) Reasoning() string {
	if x.inSpan {
		return x.reasoning.String() + x.tail
	}
	return x.reasoning.String()
}

// partialMarker returns the length of the longest suffix of s that is a
// proper prefix of marker.
func partialMarker(s, marker string) int {
	n := len(marker) - 1
	if n > len(s) {
		n = len(s)
	}
	for k := n; k > 0; k-- {
		if strings.HasSuffix(s, marker[:k]) {
			return k
		}
	}
	return 0
}

func endsWithSpace(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return unicode.IsSpace(r)
}
