package domain

import (
	"strings"

	"github.com/rivo/uniseg"
)

const (
	// DefaultPreviewLength is the number of graphemes kept in a thread preview.
	DefaultPreviewLength = 50
	// TitleLength is the number of graphemes kept when deriving a title.
	TitleLength = 30

	ellipsis = "..."
)

// Preview derives the thread preview from visible content: whitespace runs
// collapse to single spaces and the result is cut to n graphemes, with an
// ellipsis when something was dropped.
func Preview(content string, n int) string {
	if n <= 0 {
		n = DefaultPreviewLength
	}
	flat := strings.Join(strings.Fields(content), " ")
	head, cut := truncateGraphemes(flat, n)
	if cut {
		return head + ellipsis
	}
	return head
}

// Title derives a thread title from the first user message.
func Title(text string) string {
	flat := strings.Join(strings.Fields(text), " ")
	head, _ := truncateGraphemes(flat, TitleLength)
	if head == "" {
		return "New chat"
	}
	return head
}

// truncateGraphemes keeps at most n user-perceived characters so a cut never
// splits a combining sequence or an emoji.
func truncateGraphemes(s string, n int) (string, bool) {
	if len(s) <= n {
		return s, false
	}
	g := uniseg.NewGraphemes(s)
	count, end := 0, 0
	for g.Next() {
		if count == n {
			return s[:end], true
		}
		_, end = g.Positions()
		count++
	}
	return s, false
}
