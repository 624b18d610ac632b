package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/batalabs/minechat/internal/config"
	"github.com/batalabs/minechat/internal/domain"
)

// nowFunc is replaced in tests.
var nowFunc = time.Now

func newThreadsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "threads",
		Aliases: []string{"t"},
		Short:   "Manage conversation threads",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recently updated threads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConnection(a, func(c *connection) error {
				threads, err := c.client.ListThreads(limit)
				if err != nil {
					return err
				}
				if len(threads) == 0 {
					fmt.Fprintln(a.out, a.styles.meta.Render("no threads yet"))
					return nil
				}
				now := nowFunc()
				for _, th := range threads {
					fmt.Fprintln(a.out, threadLine(a.styles, th, now))
				}
				return nil
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of threads")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a thread's transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConnection(a, func(c *connection) error {
				th, err := c.client.GetThread(args[0])
				if err != nil {
					return err
				}
				msgs, err := c.client.GetMessages(th.ID)
				if err != nil {
					return err
				}
				fmt.Fprintln(a.out, threadLine(a.styles, *th, nowFunc()))
				fmt.Fprintln(a.out)
				printTranscript(a.out, a.styles, msgs, config.LoadPreferences().Display.ShowReasoning)
				return nil
			})
		},
	}

	rename := &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a thread",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConnection(a, func(c *connection) error {
				title := strings.Join(args[1:], " ")
				th, err := c.client.UpdateThread(args[0], &title, nil)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "renamed %s to %q\n", domain.ShortID(th.ID), th.Title)
				return nil
			})
		},
	}

	var character string
	setCharacter := &cobra.Command{
		Use:   "character <id>",
		Short: "Set or clear the character of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConnection(a, func(c *connection) error {
				th, err := c.client.UpdateThread(args[0], nil, &character)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "%s character: %s\n", domain.ShortID(th.ID), config.AnnotateValue(th.Character))
				return nil
			})
		},
	}
	setCharacter.Flags().StringVarP(&character, "name", "C", "", "character name (empty clears)")

	del := &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a thread and its messages",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConnection(a, func(c *connection) error {
				th, err := c.client.GetThread(args[0])
				if err != nil {
					return err
				}
				if err := c.client.DeleteThread(th.ID); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "deleted %s\n", domain.ShortID(th.ID))
				return nil
			})
		},
	}

	var at int
	branch := &cobra.Command{
		Use:   "branch <id>",
		Short: "Copy a thread up to a message into a new thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConnection(a, func(c *connection) error {
				th, err := c.client.GetThread(args[0])
				if err != nil {
					return err
				}
				seq := at
				if seq <= 0 {
					seq = th.MessageCount
				}
				b, err := c.client.BranchThread(th.ID, seq)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "branched %s at message %d into %s\n", domain.ShortID(th.ID), seq, domain.ShortID(b.ID))
				return nil
			})
		},
	}
	branch.Flags().IntVar(&at, "at", 0, "last message sequence to copy (default: all)")

	cmd.AddCommand(list, show, rename, setCharacter, del, branch)
	return cmd
}

func withConnection(a *app, fn func(*connection) error) error {
	c, err := connect(a)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}
