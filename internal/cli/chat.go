package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/batalabs/minechat/internal/config"
	"github.com/batalabs/minechat/internal/domain"
)

func newChatCommand(a *app) *cobra.Command {
	var (
		threadID  string
		character string
		ephemeral bool
	)
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Start an interactive chat, or send one message",
		Long: `Without arguments chat reads messages from stdin until /exit or EOF.
With a message argument it sends that message, prints the reply and exits.
Press Ctrl-C while a reply is streaming to stop it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var b chatBackend
			if ephemeral {
				b = newLocalBackend(config.LoadPreferences(), nil, a.log)
			} else {
				conn, err := connect(a)
				if err != nil {
					return err
				}
				b = daemonBackend{conn}
			}
			defer b.Close()

			s := &chatSession{app: a, b: b, in: cmd.InOrStdin(), showReasoning: b.ShowReasoning()}
			if err := s.open(threadID, character); err != nil {
				return err
			}
			if len(args) > 0 {
				return s.send(cmd.Context(), strings.Join(args, " "))
			}
			return s.loop(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "continue an existing thread (id or prefix)")
	cmd.Flags().StringVarP(&character, "character", "C", "", "character for a new thread")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "keep the conversation in memory only")
	return cmd
}

// chatSession is one interactive chat.
type chatSession struct {
	*app
	b             chatBackend
	in            io.Reader
	thread        *domain.Thread
	showReasoning bool
}

func (s *chatSession) open(threadID, character string) error {
	var err error
	if threadID != "" {
		s.thread, err = s.b.GetThread(threadID)
	} else {
		s.thread, err = s.b.CreateThread(character)
	}
	if err != nil {
		return err
	}
	return nil
}

func (s *chatSession) loop(ctx context.Context) error {
	fmt.Fprintln(s.out, s.styles.meta.Render(fmt.Sprintf("thread %s, /help for commands", domain.ShortID(s.thread.ID))))
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(s.out, s.styles.prompt.Render("> "))
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := s.command(ctx, line)
			if err != nil {
				fmt.Fprintln(s.out, s.styles.err.Render("error: "+err.Error()))
			}
			if quit {
				return nil
			}
			continue
		}
		if err := s.send(ctx, line); err != nil {
			fmt.Fprintln(s.out, s.styles.err.Render("error: "+err.Error()))
		}
	}
}

// send streams one reply. Ctrl-C cancels only the reply.
func (s *chatSession) send(ctx context.Context, text string) error {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	p := newStreamPrinter(s.out, s.styles, s.showReasoning)
	res, err := s.b.Generate(turnCtx, s.thread.ID, text, p.progress)
	if err != nil {
		return err
	}
	p.finish(res)
	s.log.Printf("cli: thread %s reply %s outcome=%s bytes=%d",
		domain.ShortID(s.thread.ID), domain.ShortID(res.MessageID), res.Outcome, res.Bytes)
	if res.Outcome == "error" {
		return errors.New(res.Error)
	}
	return nil
}

// command runs a slash command and reports whether the chat should end.
func (s *chatSession) command(ctx context.Context, line string) (bool, error) {
	def, args, ok := domain.ParseCommand(line)
	if !ok {
		return false, fmt.Errorf("unknown command %s, try /help", def.Name)
	}
	switch def.Name {
	case "/exit":
		return true, nil
	case "/help":
		s.help()
	case "/new":
		character := ""
		if len(args) > 0 {
			character = args[0]
		}
		th, err := s.b.CreateThread(character)
		if err != nil {
			return false, err
		}
		s.thread = th
		fmt.Fprintln(s.out, s.styles.meta.Render("new thread "+domain.ShortID(th.ID)))
	case "/threads":
		threads, err := s.b.ListThreads(20)
		if err != nil {
			return false, err
		}
		now := nowFunc()
		for _, th := range threads {
			fmt.Fprintln(s.out, threadLine(s.styles, th, now))
		}
	case "/switch":
		if len(args) != 1 {
			return false, errors.New("usage: /switch <id-prefix>")
		}
		th, err := s.b.GetThread(args[0])
		if err != nil {
			return false, err
		}
		s.thread = th
		fmt.Fprintln(s.out, s.styles.meta.Render("switched to "+domain.ShortID(th.ID)))
	case "/branch":
		th, err := s.b.GetThread(s.thread.ID)
		if err != nil {
			return false, err
		}
		branch, err := s.b.BranchThread(th.ID, th.MessageCount)
		if err != nil {
			return false, err
		}
		s.thread = branch
		fmt.Fprintln(s.out, s.styles.meta.Render("branched into "+domain.ShortID(branch.ID)))
	case "/rename":
		if len(args) == 0 {
			return false, errors.New("usage: /rename <title>")
		}
		if err := s.b.RenameThread(s.thread.ID, strings.Join(args, " ")); err != nil {
			return false, err
		}
	case "/history":
		msgs, err := s.b.Messages(s.thread.ID)
		if err != nil {
			return false, err
		}
		printTranscript(s.out, s.styles, msgs, s.showReasoning)
	case "/config":
		return false, s.config(args)
	case "/reasoning":
		s.showReasoning = !s.showReasoning
		fmt.Fprintln(s.out, s.styles.meta.Render("reasoning "+onOff(s.showReasoning)))
	case "/probe":
		latency, err := s.b.Probe(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, s.styles.meta.Render("endpoint ok in "+latency.String()))
	}
	return false, nil
}

func (s *chatSession) config(args []string) error {
	switch len(args) {
	case 0, 1:
		groups, err := s.b.Config()
		if err != nil {
			return err
		}
		for _, g := range groups {
			for _, e := range g.Entries {
				if len(args) == 1 && e.Key != args[0] && g.Name != args[0] {
					continue
				}
				fmt.Fprintf(s.out, "%s = %s\n", e.Key, config.AnnotateValue(e.Value))
			}
		}
		return nil
	default:
		msg, err := s.b.SetConfig(args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		if args[0] == "display.show_reasoning" {
			if v, err := config.ParseBoolish(args[1]); err == nil {
				s.showReasoning = v
			}
		}
		fmt.Fprintln(s.out, s.styles.meta.Render(msg))
		return nil
	}
}

func (s *chatSession) help() {
	for _, g := range domain.CommandGroups {
		fmt.Fprintln(s.out, s.styles.title.Render(g.Label))
		for _, c := range domain.CommandDefs {
			if c.Group != g.Key {
				continue
			}
			name := c.Name
			if c.Args != "" {
				name += " " + c.Args
			}
			fmt.Fprintf(s.out, "  %-22s %s\n", name, s.styles.meta.Render(c.Description))
		}
	}
}

func onOff(b bool) string {
	return map[bool]string{true: "on", false: "off"}[b]
}
