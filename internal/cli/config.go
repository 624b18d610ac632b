package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/batalabs/minechat/internal/config"
)

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change preferences",
		Long: fmt.Sprintf(`Preferences live in config.toml (see "minechat config path").
A running daemon picks up changes automatically.

Keys: %s
Characters: characters.<name>.system_prompt`, strings.Join(config.ValidConfigKeys(), ", ")),
	}

	show := &cobra.Command{
		Use:       "show [group]",
		Short:     "Print preferences, optionally one group",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: config.ConfigGroupNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := config.LoadPreferences()
			groups := p.Grouped()
			if len(args) == 1 {
				g := p.GroupByName(args[0])
				if g == nil {
					return fmt.Errorf("unknown group %q (valid: %s)", args[0], strings.Join(config.ConfigGroupNames(), ", "))
				}
				groups = []config.ConfigGroup{*g}
			}
			for i, g := range groups {
				if i > 0 {
					fmt.Fprintln(a.out)
				}
				fmt.Fprintln(a.out, a.styles.title.Render("["+g.Name+"]"))
				for _, e := range g.Entries {
					fmt.Fprintf(a.out, "  %-26s %s\n", e.Key, config.AnnotateValue(e.Value))
				}
			}
			if src := config.APIKeySource(p); src != "" {
				fmt.Fprintln(a.out, a.styles.meta.Render("\napi key from "+src))
			}
			return nil
		},
	}

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print one preference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := config.LoadPreferences()
			for _, e := range p.All() {
				if e.Key == args[0] {
					fmt.Fprintln(a.out, config.AnnotateValue(e.Value))
					return nil
				}
			}
			return fmt.Errorf("unknown key %q", args[0])
		},
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one preference and save it",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := config.LoadPreferences()
			if err := p.Set(args[0], strings.Join(args[1:], " ")); err != nil {
				return err
			}
			if err := config.SavePreferences(p); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Set %s = %s\n", args[0], p.Get(args[0]))
			return nil
		},
	}

	path := &cobra.Command{
		Use:   "path",
		Short: "Print the preferences file path",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(a.out, config.ConfigFilePath())
		},
	}

	cmd.AddCommand(show, get, set, path)
	return cmd
}
