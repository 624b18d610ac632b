package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/batalabs/minechat/internal/service"
)

func newServiceCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "service <" + strings.Join(service.Actions, "|") + ">",
		Short:     "Run the daemon as a background user service",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: service.Actions,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := service.New(a.out)
			if err != nil {
				return err
			}
			return m.Do(args[0])
		},
	}
}
