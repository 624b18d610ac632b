package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/batalabs/minechat/internal/config"
	"github.com/batalabs/minechat/internal/provider"
)

func newProbeCommand(a *app) *cobra.Command {
	var character string
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check that the endpoint accepts the configured model and key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadPreferences().Snapshot(character)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "probing %s (%s, model %s)\n", cfg.EndpointURL, cfg.Dialect, cfg.Model)
			res, err := provider.Probe(cmd.Context(), nil, cfg)
			if err != nil {
				fmt.Fprintln(a.out, a.styles.err.Render("failed: "+err.Error()))
				return fmt.Errorf("probe failed")
			}
			fmt.Fprintln(a.out, "ok "+a.styles.meta.Render(res.Latency.String()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&character, "character", "C", "", "include a character's system prompt")
	return cmd
}
