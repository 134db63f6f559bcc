// Package cmd defines the CLI commands for the congreso-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/JakeFAU/congreso-crawler/internal/config"
	"github.com/JakeFAU/congreso-crawler/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// appKeyType is the key for storing the App in the command context.
type appKeyType string

const appKey appKeyType = "app"

const closeTimeout = 30 * time.Second

// App is the subset of *server.App the commands use.
type App interface {
	Logger() *zap.Logger
	Run(ctx context.Context) error
	Crawl(ctx context.Context, source, url, label string) error
	Close(ctx context.Context) error
}

// appFactory builds the App from a config file path.
type appFactory func(ctx context.Context, cfgFile string) (App, error)

func newApp(ctx context.Context, cfgFile string) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	app, err := server.Build(ctx, &cfg, nil)
	if err != nil {
		return nil, err
	}
	return app, nil
}

func newRootCmd(newApp appFactory) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "congreso-crawler",
		Short: "Crawls congreso.es and keeps a reconciled record of deputies and legislatures.",
		Long: `congreso-crawler drives scheduled crawls of the Congreso de los Diputados
website, reconciles deputy profiles across legislatures and serves the
results over a small HTTP API.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(newServeCmd(), newCrawlCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// withApp runs fn with the App stored by PersistentPreRunE and closes the
// App afterwards, including when fn fails.
func withApp(cmd *cobra.Command, fn func(App) error) (err error) {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if cerr := appInstance.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(appInstance)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd(newApp).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
