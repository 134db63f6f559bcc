package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCrawlCmd() *cobra.Command {
	var (
		url   string
		label string
	)
	cmd := &cobra.Command{
		Use:   "crawl <source>",
		Short: "Runs one crawl session in the foreground",
		Long: `Runs a single crawl of the named source and waits for it to finish.
Without --url the source's configured seed is used.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(appInstance App) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				if err := appInstance.Crawl(ctx, args[0], url, label); err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("crawl %s: %w", args[0], err)
				}
				appInstance.Logger().Info("crawl command finished", zap.String("source", args[0]))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "start URL (defaults to the source seed)")
	cmd.Flags().StringVar(&label, "label", "", "handler label for --url")
	return cmd
}
