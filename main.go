package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cppla/imghost/app"
	"github.com/cppla/imghost/config"
	"github.com/cppla/imghost/utils"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the image hosting HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	root := &cobra.Command{
		Use:          "imghost",
		Short:        "Image hosting with short links and expiring uploads",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", filepath.Join("config", "config.json"), "path to the JSON config file")
	root.AddCommand(serveCmd, &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired images once and exit",
		Args:  cobra.NoArgs,
		RunE:  runSweep,
	})
	return root
}

func bootstrap(cmd *cobra.Command) (*app.App, error) {
	var (
		cfg config.AppConfig
		err error
	)
	if cmd.Flags().Changed("config") {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if _, err := utils.InitLogger(cfg); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return app.New(cmd.Context(), cfg, app.Options{})
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	defer func() { _ = a.Logger.Sync() }()
	return a.Run(cmd.Context())
}

func runSweep(cmd *cobra.Command, _ []string) error {
	a, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.SweepOnce(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired images\n", n)
	return nil
}
