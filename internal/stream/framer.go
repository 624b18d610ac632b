package stream

import "strings"

// Framer splits decoded text into newline-terminated records. The segment
// after the last newline is kept as the tail until more text arrives.
type Framer struct {
	tail string
}

// Push appends text to the tail and returns every complete line, without
// its terminator. A trailing carriage return is dropped so CRLF bodies frame
// the same as LF bodies.
func (f *Framer) Push(text string) []string {
	if text == "" {
		return nil
	}
	data := f.tail + text
	var lines []string
	for {
		i := strings.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimSuffix(data[:i], "\r"))
		data = data[i+1:]
	}
	f.tail = data
	return lines
}

// Flush returns the unterminated tail, if any, and resets the framer.
func (f *Framer) Flush() (string, bool) {
	tail := f.tail
	f.tail = ""
	if tail == "" {
		return "", false
	}
	return strings.TrimSuffix(tail, "\r"), true
}

// Buffered reports the size of the held-back tail in bytes.
func (f *Framer) Buffered() int {
	return len(f.tail)
}
