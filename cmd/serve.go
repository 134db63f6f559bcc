package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the schedules and the HTTP API",
		Long: `Seeds the entity reconciler, starts every enabled source on its cron
schedule and serves the HTTP API until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(appInstance App) error {
				return appInstance.Run(cmd.Context())
			})
		},
	}
}
