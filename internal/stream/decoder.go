package stream

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrDecode reports bytes left over at the end of a stream that do not form
// a complete UTF-8 sequence.
var ErrDecode = errors.New("invalid utf-8 at end of stream")

// Decoder converts raw body chunks into text. An incomplete multi-byte
// sequence at the end of a chunk is held back and completed by the next one.
type Decoder struct {
	pending []byte
}

// Decode returns the text decodable from the carried-over bytes plus chunk.
// Invalid sequences in the middle of the data are replaced with U+FFFD.
func (d *Decoder) Decode(chunk []byte) string {
	buf := chunk
	if len(d.pending) > 0 {
		buf = append(d.pending, chunk...)
		d.pending = nil
	}
	if n := incompleteSuffix(buf); n > 0 {
		d.pending = append([]byte(nil), buf[len(buf)-n:]...)
		buf = buf[:len(buf)-n]
	}
	if len(buf) == 0 {
		return ""
	}
	s := string(buf)
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, string(utf8.RuneError))
}

// Pending reports how many bytes are waiting for the rest of their sequence.
func (d *Decoder) Pending() int {
	return len(d.pending)
}

// Finish must be called once the stream has ended. Bytes still pending at
// that point can never be completed.
func (d *Decoder) Finish() error {
	if len(d.pending) == 0 {
		return nil
	}
	p := d.pending
	d.pending = nil
	return fmt.Errorf("%w: %d trailing bytes [% x]", ErrDecode, len(p), p)
}

// incompleteSuffix returns the length of a trailing sequence that is the
// valid start of a multi-byte rune but is missing continuation bytes.
func incompleteSuffix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i > len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return 0
		}
		return len(b) - i
	}
	return 0
}
