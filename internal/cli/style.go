package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/batalabs/minechat/internal/domain"
)

type styles struct {
	reasoning lipgloss.Style
	err       lipgloss.Style
	warn      lipgloss.Style
	meta      lipgloss.Style
	title     lipgloss.Style
	prompt    lipgloss.Style
	user      lipgloss.Style
}

// newStyles binds styles to w so that color is only emitted on a terminal.
func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		reasoning: r.NewStyle().Faint(true).Italic(true),
		err:       r.NewStyle().Foreground(lipgloss.Color("9")),
		warn:      r.NewStyle().Foreground(lipgloss.Color("11")),
		meta:      r.NewStyle().Foreground(lipgloss.Color("8")),
		title:     r.NewStyle().Bold(true),
		prompt:    r.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		user:      r.NewStyle().Foreground(lipgloss.Color("12")),
	}
}

// turnResult is the end of one streamed reply as the CLI sees it.
type turnResult struct {
	MessageID string
	Outcome   string // "done", "error", "cancelled"
	Error     string
	ErrorKind string
	Reason    string
	Visible   string
	Reasoning string
	Bytes     int
	Records   int
	Malformed int
	Duration  time.Duration
}

// streamPrinter writes a growing reply to a terminal. Progress carries the
// full text so far, so only the unseen suffix is printed. Reasoning is
// streamed until the first visible text arrives.
type streamPrinter struct {
	w             io.Writer
	st            styles
	showReasoning bool

	reasoningOut string
	visibleOut   string
}

func newStreamPrinter(w io.Writer, st styles, showReasoning bool) *streamPrinter {
	return &streamPrinter{w: w, st: st, showReasoning: showReasoning}
}

func (p *streamPrinter) progress(visible, reasoning string) {
	if p.showReasoning && p.visibleOut == "" && strings.HasPrefix(reasoning, p.reasoningOut) {
		if tail := reasoning[len(p.reasoningOut):]; tail != "" {
			fmt.Fprint(p.w, p.st.reasoning.Render(tail))
			p.reasoningOut = reasoning
		}
	}
	if visible == "" || !strings.HasPrefix(visible, p.visibleOut) {
		return
	}
	tail := visible[len(p.visibleOut):]
	if tail == "" {
		return
	}
	if p.visibleOut == "" && p.reasoningOut != "" {
		fmt.Fprint(p.w, "\n\n")
	}
	fmt.Fprint(p.w, tail)
	p.visibleOut = visible
}

// finish prints whatever the stream rewrote and a status line.
func (p *streamPrinter) finish(res turnResult) {
	if res.Visible != p.visibleOut {
		// Removed think spans can change already printed text.
		if p.visibleOut != "" || p.reasoningOut != "" {
			fmt.Fprint(p.w, "\n")
		}
		fmt.Fprint(p.w, res.Visible)
	}
	if p.showReasoning && res.Reasoning != "" && res.Reasoning != p.reasoningOut {
		fmt.Fprintf(p.w, "\n%s", p.st.reasoning.Render("("+res.Reasoning+")"))
	}
	fmt.Fprintln(p.w)
	fmt.Fprintln(p.w, p.status(res))
}

func (p *streamPrinter) status(res turnResult) string {
	stats := fmt.Sprintf("%s, %d records, %s",
		humanize.Bytes(uint64(res.Bytes)), res.Records, res.Duration.Round(time.Millisecond))
	if res.Malformed > 0 {
		stats += fmt.Sprintf(", %d malformed", res.Malformed)
	}
	switch res.Outcome {
	case "error":
		msg := res.Error
		if res.ErrorKind != "" {
			msg = res.ErrorKind + ": " + msg
		}
		return p.st.err.Render("error: "+msg) + " " + p.st.meta.Render("("+stats+")")
	case "cancelled":
		return p.st.warn.Render("cancelled") + " " + p.st.meta.Render("("+stats+")")
	}
	return p.st.meta.Render(stats)
}

// threadLine renders a thread for listings.
func threadLine(st styles, th domain.Thread, now time.Time) string {
	title := th.Title
	if title == "" {
		title = "(untitled)"
	}
	line := fmt.Sprintf("%s  %s", domain.ShortID(th.ID), st.title.Render(title))
	if th.Character != "" {
		line += st.meta.Render(" [" + th.Character + "]")
	}
	line += st.meta.Render(fmt.Sprintf("  %d msgs, %s", th.MessageCount, humanize.RelTime(th.UpdatedAt, now, "ago", "from now")))
	if th.Preview != "" {
		line += "\n    " + st.meta.Render(th.Preview)
	}
	return line
}

// printTranscript writes a thread's messages.
func printTranscript(w io.Writer, st styles, msgs []domain.Message, showReasoning bool) {
	for _, m := range msgs {
		switch m.Role {
		case domain.RoleUser:
			fmt.Fprintf(w, "%s %s\n", st.user.Render(fmt.Sprintf("[%d] you:", m.Sequence)), m.Content)
		default:
			fmt.Fprintf(w, "%s\n", st.title.Render(fmt.Sprintf("[%d] %s:", m.Sequence, m.Role)))
			if showReasoning && m.Reasoning != "" {
				fmt.Fprintln(w, st.reasoning.Render(m.Reasoning))
			}
			fmt.Fprintln(w, m.Content)
		}
	}
}
