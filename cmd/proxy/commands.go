package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/iTrooz/pagecache-proxy/internal/config"
	"github.com/iTrooz/pagecache-proxy/internal/proxy"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type cli struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:          "pagecache-proxy",
		Short:        "Offline page cache proxy",
		Long:         "Caches the resources of a single page in versioned generations and serves them cache-first, with an offline placeholder when the network is down.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.loadConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve(cmd.Context())
		},
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "configs/config.yaml", "path to the configuration file (empty for defaults)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		&cobra.Command{
			Use:   "install",
			Short: "Populate the current cache generation and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.install(cmd)
			},
		},
		&cobra.Command{
			Use:   "activate",
			Short: "Delete every cache generation except the current one",
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.activate(cmd)
			},
		},
		&cobra.Command{
			Use:   "caches",
			Short: "List stored cache generations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.listCaches(cmd)
			},
		},
		&cobra.Command{
			Use:   "config",
			Short: "Print the effective configuration",
			RunE: func(cmd *cobra.Command, args []string) error {
				out, err := c.cfg.YAML()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			},
		},
	)

	return root
}

func (c *cli) loadConfig() error {
	path := c.configPath
	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			logrus.Warnf("Config file %s not found, using defaults", path)
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	c.cfg = cfg
	return nil
}

func (c *cli) serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := proxy.New(c.cfg)
	if err != nil {
		return fmt.Errorf("failed to create proxy server: %w", err)
	}
	defer func() {
		if err := server.Close(); err != nil {
			logrus.Errorf("Failed to close cache storage: %v", err)
		}
	}()

	return server.Start(ctx)
}

func (c *cli) install(cmd *cobra.Command) error {
	server, err := proxy.New(c.cfg)
	if err != nil {
		return err
	}
	defer func() { _ = server.Close() }()

	w, err := server.NewWorker()
	if err != nil {
		return err
	}
	if err := w.Install(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Installed cache %s\n", w.Version())
	return nil
}

func (c *cli) activate(cmd *cobra.Command) error {
	server, err := proxy.New(c.cfg)
	if err != nil {
		return err
	}
	defer func() { _ = server.Close() }()

	w, err := server.NewWorker()
	if err != nil {
		return err
	}
	if err := w.Activate(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Activated cache %s\n", w.Version())
	return nil
}

func (c *cli) listCaches(cmd *cobra.Command) error {
	server, err := proxy.New(c.cfg)
	if err != nil {
		return err
	}
	defer func() { _ = server.Close() }()

	names, err := server.Storage().Keys(cmd.Context())
	if err != nil {
		return err
	}
	for _, name := range names {
		marker := " "
		if name == c.cfg.Cache.Version {
			marker = "*"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, name)
	}
	return nil
}
