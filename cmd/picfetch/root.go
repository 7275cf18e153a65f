package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/picfetch/internal/config"
	"github.com/JakeFAU/picfetch/internal/server"
)

// buildApp is the application factory. Tests replace it to avoid launching
// a real browser.
var buildApp = server.Build

type rootOptions struct {
	configFile string
	envFile    string
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configFile, o.envFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

func (o *rootOptions) build(ctx context.Context) (*server.App, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	app, err := buildApp(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application services: %w", err)
	}
	return app, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "picfetch",
		Short: "Download images through a shared headless browser.",
		Long: `picfetch renders a URL in a shared headless Chrome instance and returns
the top-level response body when it is an image. Run it as an HTTP service
with "serve" or download a single image with "fetch".`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file loaded before the environment (default .env when present)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newFetchCmd(opts))
	return cmd
}
