package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/batalabs/minechat/internal/config"
	"github.com/batalabs/minechat/internal/daemon"
	"github.com/batalabs/minechat/internal/store"
)

// DefaultPort is where serve listens unless told otherwise.
const DefaultPort = 4096

func newServeCommand(a *app) *cobra.Command {
	var (
		port int
		bind string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the minechat daemon",
		Long: `serve runs the HTTP daemon that streams generations for every thread.
Preferences are reloaded when config.toml changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if lf, err := daemon.ReadLockfile(); err == nil && !lf.Stale() {
				return fmt.Errorf("daemon already running (pid %d, %s)", lf.PID, lf.BaseURL())
			}

			prefs := config.LoadPreferences()
			if bind != "" {
				prefs.Daemon.BindAddress = bind
			}

			st, err := store.OpenStore()
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer st.Close()

			srv := daemon.NewServer(st, prefs, nil, a.log)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			dir := config.ConfigDir()
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("creating config dir: %w", err)
			}
			if err := srv.WatchConfig(ctx, dir); err != nil {
				fmt.Fprintf(a.errOut, "config reload disabled: %v\n", err)
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					fmt.Fprintf(a.errOut, "daemon: shutdown: %v\n", err)
				}
			}()

			return srv.Start(port)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", DefaultPort, "port to listen on (falls back to a free port)")
	cmd.Flags().StringVar(&bind, "bind", "", "interface to bind (default: daemon.bind_address or localhost)")
	return cmd
}
