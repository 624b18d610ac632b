// Package cli wires the minechat commands.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/batalabs/minechat/internal/config"
)

// app carries state shared by every subcommand.
type app struct {
	version string
	log     *config.Logger
	out     io.Writer
	errOut  io.Writer
	styles  styles
}

func (a *app) close() {
	a.log.Close()
}

// NewRootCommand builds the minechat command tree.
func NewRootCommand(version string) *cobra.Command {
	a := &app{version: version}

	root := &cobra.Command{
		Use:   "minechat",
		Short: "Chat with a local or OpenAI-compatible model",
		Long: `minechat streams replies from an OpenAI-compatible or Ollama endpoint,
separating the model's reasoning from its answer and keeping every thread
in a local SQLite database.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dir, _ := cmd.Flags().GetString("config-dir"); dir != "" {
				if err := os.Setenv(config.EnvConfigDir, dir); err != nil {
					return err
				}
			}
			envFile, _ := cmd.Flags().GetString("env-file")
			config.LoadEnv(envFile)

			a.out = cmd.OutOrStdout()
			a.errOut = cmd.ErrOrStderr()
			a.styles = newStyles(a.out)
			if a.log == nil {
				a.log = config.NewLogger()
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().String("config-dir", "", "config directory (default is ~/.config/minechat)")
	root.PersistentFlags().String("env-file", ".env", "dotenv file loaded before reading preferences")

	root.AddCommand(
		newChatCommand(a),
		newServeCommand(a),
		newServiceCommand(a),
		newThreadsCommand(a),
		newConfigCommand(a),
		newProbeCommand(a),
		newVersionCommand(a),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute(version string) {
	root := NewRootCommand(version)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.out, "minechat %s\n", a.version)
		},
	}
}
